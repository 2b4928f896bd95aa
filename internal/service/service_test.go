package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltworks/agent-directory/internal/chain"
	"github.com/moltworks/agent-directory/internal/identity"
	"github.com/moltworks/agent-directory/internal/models"
	"github.com/moltworks/agent-directory/internal/service"
	"github.com/moltworks/agent-directory/internal/store"
)

const goodHash = "0x" + "ab12" + "cd34" + "ef56" + "0000" + "1111" + "2222" + "3333" + "4444" + "5555" + "6666" + "7777" + "8888" + "9999" + "aaaa" + "bbbb" + "cccc"

func f64(v float64) *float64 { return &v }

// guardChain fails the test if the oracle is consulted at all.
type guardChain struct{ t *testing.T }

func (g guardChain) VerifyTransaction(ctx context.Context, txHash string) (chain.Verification, error) {
	g.t.Errorf("oracle must not be called for %s", txHash)
	return chain.Verification{}, nil
}

// downChain simulates an unreachable oracle.
type downChain struct{}

func (downChain) VerifyTransaction(ctx context.Context, txHash string) (chain.Verification, error) {
	return chain.Verification{}, fmt.Errorf("connection refused")
}

func newService(t *testing.T, chainClient chain.Client) (*service.Service, *store.MemoryStore) {
	t.Helper()
	memStore := store.NewMemoryStore()
	return service.New(memStore, chainClient, identity.NewStaticClient(), nil, nil), memStore
}

func registerAgent(t *testing.T, svc *service.Service, policy *models.Policy) models.Agent {
	t.Helper()
	result, err := svc.RegisterAgent(context.Background(), service.RegisterAgentRequest{
		Name:      "helper-bot",
		PublicKey: "pk-" + models.NewAgentID(),
		Expertise: []string{"code", "research"},
		Policy:    policy,
	})
	require.NoError(t, err)
	return result.Agent
}

func TestSubmitFeedbackValidation(t *testing.T) {
	svc, _ := newService(t, guardChain{t})
	ctx := context.Background()

	_, err := svc.SubmitFeedback(ctx, service.FeedbackRequest{Rating: "success"})
	assert.Error(t, err)

	_, err = svc.SubmitFeedback(ctx, service.FeedbackRequest{AgentID: "ag_x"})
	assert.Error(t, err)

	agent := registerAgent(t, svc, nil)
	_, err = svc.SubmitFeedback(ctx, service.FeedbackRequest{AgentID: agent.ID, Rating: "excellent"})
	assert.ErrorContains(t, err, "rating must be success, partial, or fail")

	_, err = svc.SubmitFeedback(ctx, service.FeedbackRequest{AgentID: "ag_missing", Rating: "success"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitFeedbackMalformedHashShortCircuits(t *testing.T) {
	svc, memStore := newService(t, guardChain{t})
	agent := registerAgent(t, svc, nil)

	badHash := "0x1234"
	result, err := svc.SubmitFeedback(context.Background(), service.FeedbackRequest{
		AgentID: agent.ID,
		Rating:  "success",
		TxHash:  &badHash,
	})
	require.NoError(t, err, "malformed hash degrades, never rejects")
	assert.False(t, result.Record.PaymentVerified)
	assert.Equal(t, "invalid transaction hash format", result.VerificationError)
	assert.Contains(t, result.Message, "transaction verification failed")

	ledger, err := memStore.ListFeedback(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1, "feedback is still recorded")
}

func TestSubmitFeedbackOracleFailureDegrades(t *testing.T) {
	svc, _ := newService(t, downChain{})
	agent := registerAgent(t, svc, nil)

	hash := goodHash
	result, err := svc.SubmitFeedback(context.Background(), service.FeedbackRequest{
		AgentID: agent.ID,
		Rating:  "success",
		TxHash:  &hash,
	})
	require.NoError(t, err)
	assert.False(t, result.Record.PaymentVerified)
	assert.Equal(t, "verification service unavailable", result.VerificationError)
}

func TestSubmitFeedbackFullVerification(t *testing.T) {
	chainClient := chain.NewStaticClient("base")
	chainClient.Results[goodHash] = chain.Verification{
		Verified:    true,
		Network:     "base",
		TxHash:      goodHash,
		From:        "0xfrom",
		To:          "0xto",
		BlockNumber: 123,
		VerifiedAt:  time.Now().UTC(),
	}
	svc, _ := newService(t, chainClient)
	agent := registerAgent(t, svc, &models.Policy{
		AllowedTools: []string{"search"},
		MaxCostUSD:   f64(5),
	})

	hash := goodHash
	result, err := svc.SubmitFeedback(context.Background(), service.FeedbackRequest{
		AgentID: agent.ID,
		Rating:  "success",
		TxHash:  &hash,
		Trace: &models.ExecutionTrace{
			ToolsUsed: []string{"search"},
			CostUSD:   4.5,
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Record.PaymentVerified)
	assert.True(t, result.Record.PolicyVerified)
	require.NotNil(t, result.Record.TxDetails)
	assert.Equal(t, int64(123), result.Record.TxDetails.BlockNumber)
	assert.Equal(t, "feedback recorded with FULL VERIFICATION (payment + policy)", result.Message)

	rep, err := svc.GetReputation(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.VerificationBreakdown.FullyVerified)
}

func TestSubmitFeedbackNoDeclaredPolicy(t *testing.T) {
	svc, memStore := newService(t, chain.NewStaticClient("base"))
	agent := registerAgent(t, svc, nil)

	result, err := svc.SubmitFeedback(context.Background(), service.FeedbackRequest{
		AgentID: agent.ID,
		Rating:  "success",
		Trace:   &models.ExecutionTrace{ToolsUsed: []string{"search"}},
	})
	require.NoError(t, err)
	assert.False(t, result.Record.PolicyVerified, "missing policy must never be a false pass")
	assert.Equal(t, "feedback recorded but policy verification failed", result.Message)

	ledger, err := memStore.ListFeedback(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Nil(t, ledger[0].PolicyChecks)
}

func TestPolicySnapshotSurvivesPolicyEdits(t *testing.T) {
	svc, memStore := newService(t, chain.NewStaticClient("base"))
	agent := registerAgent(t, svc, &models.Policy{MaxCostUSD: f64(100)})

	_, err := svc.SubmitFeedback(context.Background(), service.FeedbackRequest{
		AgentID: agent.ID,
		Rating:  "success",
		Trace:   &models.ExecutionTrace{CostUSD: 50},
	})
	require.NoError(t, err)

	// Tighten the live policy after the fact.
	stored, err := memStore.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	stored.Policy = &models.Policy{MaxCostUSD: f64(1)}
	_, err = memStore.UpdateAgent(context.Background(), stored)
	require.NoError(t, err)

	ledger, err := memStore.ListFeedback(context.Background(), agent.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.True(t, ledger[0].PolicyVerified, "verdict reflects the policy in force at trace time")
	require.NotNil(t, ledger[0].PolicyChecks)
	assert.Equal(t, 100.0, *ledger[0].PolicyChecks.Cost.Max)
}

func TestRegisterAgent(t *testing.T) {
	idClient := identity.NewStaticClient()
	level := "orb"
	idClient.Statuses["pk-verified"] = identity.Status{Verified: true, Level: &level, PublicKey: "pk-verified"}

	memStore := store.NewMemoryStore()
	svc := service.New(memStore, chain.NewStaticClient("base"), idClient, nil, nil)
	ctx := context.Background()

	_, err := svc.RegisterAgent(ctx, service.RegisterAgentRequest{Name: "no-key"})
	assert.Error(t, err)

	result, err := svc.RegisterAgent(ctx, service.RegisterAgentRequest{
		Name:      "verified-bot",
		PublicKey: "pk-verified",
		Expertise: []string{"Code", "quantum-sorcery", "RESEARCH"},
	})
	require.NoError(t, err)
	assert.True(t, result.Agent.IdentityVerified)
	assert.Equal(t, []string{"code", "research"}, result.Agent.Expertise, "unknown tags are dropped, known ones lowercased")
	assert.Equal(t, "agent registered with verified identity", result.Message)

	_, err = svc.RegisterAgent(ctx, service.RegisterAgentRequest{Name: "imposter", PublicKey: "pk-verified"})
	var dup *service.DuplicateAgentError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, result.Agent.ID, dup.AgentID)
}

func TestVerifyPolicy(t *testing.T) {
	svc, _ := newService(t, chain.NewStaticClient("base"))
	ctx := context.Background()

	_, err := svc.VerifyPolicy(ctx, "ag_missing", &models.ExecutionTrace{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	bare := registerAgent(t, svc, nil)
	verdict, err := svc.VerifyPolicy(ctx, bare.ID, &models.ExecutionTrace{})
	require.NoError(t, err)
	assert.False(t, verdict.PolicyVerified)
	assert.Equal(t, "agent has no declared policy", verdict.Reason)

	restricted := registerAgent(t, svc, &models.Policy{BlockedDomains: []string{"*.evil.com"}})
	verdict, err = svc.VerifyPolicy(ctx, restricted.ID, &models.ExecutionTrace{
		DomainsAccessed: []string{"sub.evil.com"},
	})
	require.NoError(t, err)
	assert.False(t, verdict.PolicyVerified)
	require.NotNil(t, verdict.Checks)
	assert.False(t, verdict.Checks.Domains.Pass)
}

func TestGetReputationRecentFeedback(t *testing.T) {
	svc, _ := newService(t, chain.NewStaticClient("base"))
	agent := registerAgent(t, svc, nil)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		note := fmt.Sprintf("task %d", i)
		_, err := svc.SubmitFeedback(ctx, service.FeedbackRequest{
			AgentID: agent.ID,
			Rating:  "success",
			Note:    &note,
		})
		require.NoError(t, err)
	}

	rep, err := svc.GetReputation(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, rep.TotalTransactions)
	require.Len(t, rep.RecentFeedback, 5)
	assert.Equal(t, "task 6", *rep.RecentFeedback[0].Note, "newest first")
	assert.Equal(t, "task 2", *rep.RecentFeedback[4].Note)
	assert.Equal(t, 0.7, rep.Confidence)
}

func TestUpdateExpertise(t *testing.T) {
	svc, _ := newService(t, chain.NewStaticClient("base"))
	agent := registerAgent(t, svc, nil)

	expertise, err := svc.UpdateExpertise(context.Background(), agent.ID, []string{"finance", "astrology"})
	require.NoError(t, err)
	assert.Equal(t, []string{"finance"}, expertise)

	_, err = svc.UpdateExpertise(context.Background(), "ag_missing", []string{"finance"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
