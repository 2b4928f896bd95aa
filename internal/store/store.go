package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/moltworks/agent-directory/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already registered")
)

// Store owns all durable state: the agent registry and the per-agent
// append-only feedback ledger. The engines never touch it directly; they are
// handed snapshots to compute over.
type Store interface {
	CreateAgent(ctx context.Context, agent models.Agent) (models.Agent, error)
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	GetAgentIDByPublicKey(ctx context.Context, publicKey string) (string, error)
	UpdateAgent(ctx context.Context, agent models.Agent) (models.Agent, error)
	ListAgents(ctx context.Context, filter ListAgentsFilter) ([]models.Agent, int, error)
	AppendFeedback(ctx context.Context, rec models.FeedbackRecord) error
	ListFeedback(ctx context.Context, agentID string) ([]models.FeedbackRecord, error)
	Stats(ctx context.Context) (DirectoryStats, error)
	Ping(ctx context.Context) error
}

type ListAgentsFilter struct {
	Expertise    []string
	VerifiedOnly bool
	Limit        int
	Offset       int
}

type DirectoryStats struct {
	TotalAgents    int `json:"totalAgents"`
	VerifiedAgents int `json:"verifiedAgents"`
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the registry and ledger tables when they do not exist
// yet. The feedback seq column fixes ledger order at insert time.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS agents (
  id text PRIMARY KEY,
  name text NOT NULL,
  public_key text NOT NULL UNIQUE,
  wallet text,
  description text NOT NULL DEFAULT '',
  expertise text[] NOT NULL DEFAULT '{}',
  endpoints jsonb,
  policy jsonb,
  identity_verified boolean NOT NULL DEFAULT false,
  verification_level text,
  registered_at timestamptz NOT NULL,
  last_active timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_expertise ON agents USING gin (expertise);
CREATE INDEX IF NOT EXISTS idx_agents_active ON agents (identity_verified DESC, last_active DESC);

CREATE TABLE IF NOT EXISTS feedback (
  seq bigserial PRIMARY KEY,
  id text NOT NULL UNIQUE,
  agent_id text NOT NULL REFERENCES agents(id),
  from_agent_id text,
  rating text NOT NULL,
  tx_hash text,
  payment_verified boolean NOT NULL DEFAULT false,
  tx_details jsonb,
  trace jsonb,
  trace_hash text,
  policy_verified boolean NOT NULL DEFAULT false,
  policy_checks jsonb,
  note text,
  timestamp_ms bigint NOT NULL,
  created_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_agent ON feedback (agent_id, seq);
`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func scanAgent(row rowScanner) (models.Agent, error) {
	var (
		agent     models.Agent
		wallet    sql.NullString
		level     sql.NullString
		expertise pq.StringArray
		endpoints []byte
		policy    []byte
	)
	if err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.PublicKey,
		&wallet,
		&agent.Description,
		&expertise,
		&endpoints,
		&policy,
		&agent.IdentityVerified,
		&level,
		&agent.RegisteredAt,
		&agent.LastActive,
	); err != nil {
		return models.Agent{}, err
	}
	agent.Expertise = []string(expertise)
	if wallet.Valid {
		v := wallet.String
		agent.Wallet = &v
	}
	if level.Valid {
		v := level.String
		agent.VerificationLevel = &v
	}
	if len(endpoints) > 0 {
		if err := json.Unmarshal(endpoints, &agent.Endpoints); err != nil {
			return models.Agent{}, fmt.Errorf("decode endpoints: %w", err)
		}
	}
	if len(policy) > 0 {
		agent.Policy = &models.Policy{}
		if err := json.Unmarshal(policy, agent.Policy); err != nil {
			return models.Agent{}, fmt.Errorf("decode policy: %w", err)
		}
	}
	return agent, nil
}

const agentColumns = `id, name, public_key, wallet, description, expertise, endpoints, policy, identity_verified, verification_level, registered_at, last_active`

func (s *PGStore) CreateAgent(ctx context.Context, agent models.Agent) (models.Agent, error) {
	endpoints, err := marshalJSON(agent.Endpoints)
	if err != nil {
		return models.Agent{}, fmt.Errorf("encode endpoints: %w", err)
	}
	policy, err := marshalJSON(agent.Policy)
	if err != nil {
		return models.Agent{}, fmt.Errorf("encode policy: %w", err)
	}
	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING ` + agentColumns
	row := s.db.QueryRowContext(ctx, query,
		agent.ID, agent.Name, agent.PublicKey, agent.Wallet, agent.Description,
		pq.Array(agent.Expertise), endpoints, policy,
		agent.IdentityVerified, agent.VerificationLevel,
		agent.RegisteredAt, agent.LastActive,
	)
	created, err := scanAgent(row)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return models.Agent{}, ErrDuplicate
		}
		return models.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return created, nil
}

func (s *PGStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id=$1`
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Agent{}, ErrNotFound
		}
		return models.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *PGStore) GetAgentIDByPublicKey(ctx context.Context, publicKey string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE public_key=$1`, publicKey).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lookup public key: %w", err)
	}
	return id, nil
}

func (s *PGStore) UpdateAgent(ctx context.Context, agent models.Agent) (models.Agent, error) {
	endpoints, err := marshalJSON(agent.Endpoints)
	if err != nil {
		return models.Agent{}, fmt.Errorf("encode endpoints: %w", err)
	}
	policy, err := marshalJSON(agent.Policy)
	if err != nil {
		return models.Agent{}, fmt.Errorf("encode policy: %w", err)
	}
	query := `
		UPDATE agents
		SET name=$2, wallet=$3, description=$4, expertise=$5, endpoints=$6, policy=$7,
		    identity_verified=$8, verification_level=$9, last_active=$10
		WHERE id=$1
		RETURNING ` + agentColumns
	row := s.db.QueryRowContext(ctx, query,
		agent.ID, agent.Name, agent.Wallet, agent.Description,
		pq.Array(agent.Expertise), endpoints, policy,
		agent.IdentityVerified, agent.VerificationLevel, agent.LastActive,
	)
	updated, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Agent{}, ErrNotFound
		}
		return models.Agent{}, fmt.Errorf("update agent: %w", err)
	}
	return updated, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListAgents(ctx context.Context, filter ListAgentsFilter) ([]models.Agent, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argPos := 1
	if len(filter.Expertise) > 0 {
		where += fmt.Sprintf(" AND expertise && $%d", argPos)
		args = append(args, pq.Array(filter.Expertise))
		argPos++
	}
	if filter.VerifiedOnly {
		where += " AND identity_verified"
	}

	total := 0
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count agents: %w", err)
	}

	query := `SELECT ` + agentColumns + ` FROM agents` + where +
		" ORDER BY identity_verified DESC, last_active DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, total, nil
}

// AppendFeedback inserts the record as a single row. Appends to the same
// agent's ledger never read-modify-write shared state, so concurrent
// submissions cannot lose entries.
func (s *PGStore) AppendFeedback(ctx context.Context, rec models.FeedbackRecord) error {
	txDetails, err := marshalJSON(rec.TxDetails)
	if err != nil {
		return fmt.Errorf("encode tx details: %w", err)
	}
	trace, err := marshalJSON(rec.Trace)
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	checks, err := marshalJSON(rec.PolicyChecks)
	if err != nil {
		return fmt.Errorf("encode policy checks: %w", err)
	}
	query := `
		INSERT INTO feedback (id, agent_id, from_agent_id, rating, tx_hash, payment_verified,
			tx_details, trace, trace_hash, policy_verified, policy_checks, note, timestamp_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.AgentID, rec.FromAgentID, string(rec.Rating), rec.TxHash, rec.PaymentVerified,
		txDetails, trace, rec.TraceHash, rec.PolicyVerified, checks, rec.Note,
		rec.Timestamp, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (s *PGStore) ListFeedback(ctx context.Context, agentID string) ([]models.FeedbackRecord, error) {
	const query = `
		SELECT id, agent_id, from_agent_id, rating, tx_hash, payment_verified,
		       tx_details, trace, trace_hash, policy_verified, policy_checks, note, timestamp_ms, created_at
		FROM feedback
		WHERE agent_id=$1
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var records []models.FeedbackRecord
	for rows.Next() {
		rec, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return records, nil
}

func scanFeedback(row rowScanner) (models.FeedbackRecord, error) {
	var (
		rec       models.FeedbackRecord
		from      sql.NullString
		txHash    sql.NullString
		traceHash sql.NullString
		note      sql.NullString
		rating    string
		txDetails []byte
		trace     []byte
		checks    []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.AgentID, &from, &rating, &txHash, &rec.PaymentVerified,
		&txDetails, &trace, &traceHash, &rec.PolicyVerified, &checks, &note,
		&rec.Timestamp, &rec.CreatedAt,
	); err != nil {
		return models.FeedbackRecord{}, err
	}
	rec.Rating = models.Rating(rating)
	if from.Valid {
		v := from.String
		rec.FromAgentID = &v
	}
	if txHash.Valid {
		v := txHash.String
		rec.TxHash = &v
	}
	if traceHash.Valid {
		v := traceHash.String
		rec.TraceHash = &v
	}
	if note.Valid {
		v := note.String
		rec.Note = &v
	}
	if len(txDetails) > 0 {
		rec.TxDetails = &models.TxDetails{}
		if err := json.Unmarshal(txDetails, rec.TxDetails); err != nil {
			return models.FeedbackRecord{}, fmt.Errorf("decode tx details: %w", err)
		}
	}
	if len(trace) > 0 {
		rec.Trace = &models.ExecutionTrace{}
		if err := json.Unmarshal(trace, rec.Trace); err != nil {
			return models.FeedbackRecord{}, fmt.Errorf("decode trace: %w", err)
		}
	}
	if len(checks) > 0 {
		rec.PolicyChecks = &models.PolicyChecks{}
		if err := json.Unmarshal(checks, rec.PolicyChecks); err != nil {
			return models.FeedbackRecord{}, fmt.Errorf("decode policy checks: %w", err)
		}
	}
	return rec, nil
}

func (s *PGStore) Stats(ctx context.Context) (DirectoryStats, error) {
	var stats DirectoryStats
	const query = `SELECT COUNT(*), COUNT(*) FILTER (WHERE identity_verified) FROM agents`
	if err := s.db.QueryRowContext(ctx, query).Scan(&stats.TotalAgents, &stats.VerifiedAgents); err != nil {
		return DirectoryStats{}, fmt.Errorf("directory stats: %w", err)
	}
	return stats, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
