package store_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltworks/agent-directory/internal/models"
	"github.com/moltworks/agent-directory/internal/store"
)

var agentColumns = []string{
	"id", "name", "public_key", "wallet", "description", "expertise",
	"endpoints", "policy", "identity_verified", "verification_level",
	"registered_at", "last_active",
}

var feedbackColumns = []string{
	"id", "agent_id", "from_agent_id", "rating", "tx_hash", "payment_verified",
	"tx_details", "trace", "trace_hash", "policy_verified", "policy_checks",
	"note", "timestamp_ms", "created_at",
}

func newMockStore(t *testing.T) (*store.PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	return store.NewPGStore(db), mock, func() { db.Close() }
}

func TestPGStoreCreateAgentDuplicate(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("INSERT INTO agents").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := s.CreateAgent(context.Background(), models.Agent{
		ID:        "ag_0123456789abcdef",
		Name:      "helper",
		PublicKey: "pk-helper",
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreGetAgent(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows(agentColumns).AddRow(
		"ag_0123456789abcdef", "helper", "pk-helper", "0xwallet", "does things",
		[]byte("{code,research}"),
		[]byte(`{"api":"https://helper.example/run"}`),
		[]byte(`{"allowedTools":["web_search"],"maxCostUSD":10}`),
		true, "kyc", now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id=").
		WithArgs("ag_0123456789abcdef").
		WillReturnRows(rows)

	agent, err := s.GetAgent(context.Background(), "ag_0123456789abcdef")
	require.NoError(t, err)

	assert.Equal(t, "helper", agent.Name)
	assert.Equal(t, []string{"code", "research"}, agent.Expertise)
	assert.Equal(t, "https://helper.example/run", agent.Endpoints["api"])
	require.NotNil(t, agent.Wallet)
	assert.Equal(t, "0xwallet", *agent.Wallet)
	require.NotNil(t, agent.VerificationLevel)
	assert.Equal(t, "kyc", *agent.VerificationLevel)
	require.NotNil(t, agent.Policy)
	assert.Equal(t, []string{"web_search"}, agent.Policy.AllowedTools)
	require.NotNil(t, agent.Policy.MaxCostUSD)
	assert.Equal(t, 10.0, *agent.Policy.MaxCostUSD)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreGetAgentNotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id=").
		WithArgs("ag_missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetAgent(context.Background(), "ag_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPGStoreListAgents(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC().Truncate(time.Second)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("SELECT (.+) FROM agents WHERE").
		WillReturnRows(sqlmock.NewRows(agentColumns).
			AddRow("ag_aaaaaaaaaaaaaaaa", "first", "pk-a", nil, "",
				[]byte("{code}"), nil, nil, true, nil, now, now).
			AddRow("ag_bbbbbbbbbbbbbbbb", "second", "pk-b", nil, "",
				[]byte("{}"), nil, nil, false, nil, now, now))

	agents, total, err := s.ListAgents(context.Background(), store.ListAgentsFilter{
		Expertise: []string{"code"},
		Limit:     2,
	})
	require.NoError(t, err)

	assert.Equal(t, 7, total)
	require.Len(t, agents, 2)
	assert.Equal(t, "first", agents[0].Name)
	assert.True(t, agents[0].IdentityVerified)
	assert.Nil(t, agents[1].Policy)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreAppendFeedback(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("INSERT INTO feedback").
		WillReturnResult(sqlmock.NewResult(1, 1))

	hash := "0x" + strings.Repeat("ab", 32)
	err := s.AppendFeedback(context.Background(), models.FeedbackRecord{
		ID:              "fb_0123456789abcdef",
		AgentID:         "ag_0123456789abcdef",
		Rating:          models.RatingSuccess,
		TxHash:          &hash,
		PaymentVerified: true,
		TxDetails:       &models.TxDetails{Network: "base", BlockNumber: 42},
		Trace:           &models.ExecutionTrace{ToolsUsed: []string{"web_search"}},
		Timestamp:       time.Now().UnixMilli(),
		CreatedAt:       time.Now().UTC(),
	})
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreListFeedback(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows(feedbackColumns).
		AddRow("fb_1", "ag_1", nil, "success", "0xabc", true,
			[]byte(`{"network":"base","blockNumber":42}`), nil, nil, false, nil,
			"great work", int64(1700000000000), now).
		AddRow("fb_2", "ag_1", "ag_9", "fail", nil, false,
			nil, []byte(`{"toolsUsed":["email"],"costUSD":3}`), "deadbeef", true,
			[]byte(`{"tools":{"pass":true,"used":["email"],"allowed":["email"]},"domains":{"pass":true,"accessed":[],"violations":[]},"duration":{"pass":true,"actual":0,"max":null},"cost":{"pass":true,"actual":3,"max":null}}`),
			nil, int64(1700000001000), now)
	mock.ExpectQuery("SELECT (.+) FROM feedback").
		WithArgs("ag_1").
		WillReturnRows(rows)

	ledger, err := s.ListFeedback(context.Background(), "ag_1")
	require.NoError(t, err)
	require.Len(t, ledger, 2)

	first := ledger[0]
	assert.Equal(t, models.RatingSuccess, first.Rating)
	require.NotNil(t, first.TxHash)
	assert.Equal(t, "0xabc", *first.TxHash)
	require.NotNil(t, first.TxDetails)
	assert.Equal(t, int64(42), first.TxDetails.BlockNumber)
	require.NotNil(t, first.Note)
	assert.Equal(t, "great work", *first.Note)

	second := ledger[1]
	assert.Equal(t, models.RatingFail, second.Rating)
	assert.Nil(t, second.TxHash)
	require.NotNil(t, second.FromAgentID)
	assert.Equal(t, "ag_9", *second.FromAgentID)
	require.NotNil(t, second.Trace)
	assert.Equal(t, 3.0, second.Trace.CostUSD)
	require.NotNil(t, second.PolicyChecks)
	assert.True(t, second.PolicyChecks.Tools.Pass)
	assert.Equal(t, 3.0, second.PolicyChecks.Cost.Actual)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreStats(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count", "filter"}).AddRow(12, 5))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, stats.TotalAgents)
	assert.Equal(t, 5, stats.VerifiedAgents)
}
