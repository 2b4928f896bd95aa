package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/moltworks/agent-directory/internal/audit"
	"github.com/moltworks/agent-directory/internal/chain"
	"github.com/moltworks/agent-directory/internal/identity"
	"github.com/moltworks/agent-directory/internal/models"
	"github.com/moltworks/agent-directory/internal/policy"
	"github.com/moltworks/agent-directory/internal/reputation"
	"github.com/moltworks/agent-directory/internal/store"
)

// oracleTimeout bounds each external verification call so a slow oracle
// degrades the submission's flags instead of blocking it.
const oracleTimeout = 10 * time.Second

type Service struct {
	store     store.Store
	chain     chain.Client
	identity  identity.Client
	publisher audit.Publisher
	archiver  audit.Archiver
}

func New(st store.Store, chainClient chain.Client, identityClient identity.Client, publisher audit.Publisher, archiver audit.Archiver) *Service {
	if publisher == nil {
		publisher = audit.LogPublisher{}
	}
	return &Service{
		store:     st,
		chain:     chainClient,
		identity:  identityClient,
		publisher: publisher,
		archiver:  archiver,
	}
}

// DuplicateAgentError reports an already-registered public key along with the
// existing agent id, so callers can point at the prior registration.
type DuplicateAgentError struct {
	AgentID string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent already registered as %s", e.AgentID)
}

type RegisterAgentRequest struct {
	Name        string            `json:"name"`
	PublicKey   string            `json:"publicKey"`
	Wallet      *string           `json:"wallet"`
	Description string            `json:"description"`
	Expertise   []string          `json:"expertise"`
	Endpoints   map[string]string `json:"endpoints"`
	Policy      *models.Policy    `json:"policy"`
}

type RegisterAgentResult struct {
	Agent   models.Agent
	Message string
}

func (s *Service) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (RegisterAgentResult, error) {
	if req.Name == "" || req.PublicKey == "" {
		return RegisterAgentResult{}, fmt.Errorf("name and publicKey required")
	}

	if existing, err := s.store.GetAgentIDByPublicKey(ctx, req.PublicKey); err == nil {
		return RegisterAgentResult{}, &DuplicateAgentError{AgentID: existing}
	} else if !errors.Is(err, store.ErrNotFound) {
		return RegisterAgentResult{}, err
	}

	status := s.lookupIdentity(ctx, req.PublicKey)

	now := time.Now().UTC()
	agent := models.Agent{
		ID:                models.NewAgentID(),
		Name:              req.Name,
		PublicKey:         req.PublicKey,
		Wallet:            req.Wallet,
		Description:       req.Description,
		Expertise:         models.FilterExpertise(req.Expertise),
		Endpoints:         req.Endpoints,
		Policy:            normalizePolicy(req.Policy),
		IdentityVerified:  status.Verified,
		VerificationLevel: status.Level,
		RegisteredAt:      now,
		LastActive:        now,
	}

	created, err := s.store.CreateAgent(ctx, agent)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race with a concurrent registration of the same key.
			if existing, lookupErr := s.store.GetAgentIDByPublicKey(ctx, req.PublicKey); lookupErr == nil {
				return RegisterAgentResult{}, &DuplicateAgentError{AgentID: existing}
			}
		}
		return RegisterAgentResult{}, err
	}

	message := "agent registered; identity not yet verified"
	if created.IdentityVerified {
		message = "agent registered with verified identity"
	}
	return RegisterAgentResult{Agent: created, Message: message}, nil
}

// normalizePolicy keeps the nil-means-unrestricted semantics of allowedTools
// and allowedDomains while defaulting blockedDomains to an empty list.
func normalizePolicy(p *models.Policy) *models.Policy {
	if p == nil {
		return nil
	}
	normalized := *p
	if normalized.BlockedDomains == nil {
		normalized.BlockedDomains = []string{}
	}
	return &normalized
}

func (s *Service) lookupIdentity(ctx context.Context, publicKey string) identity.Status {
	if s.identity == nil {
		return identity.Status{PublicKey: publicKey}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, oracleTimeout)
	defer cancel()
	status, err := s.identity.Verify(lookupCtx, publicKey)
	if err != nil {
		log.Printf("[identity] lookup failed for %s: %v", publicKey, err)
		return identity.Status{PublicKey: publicKey}
	}
	return status
}

type ListAgentsRequest struct {
	Expertise    []string
	VerifiedOnly bool
	Limit        int
	Offset       int
}

type AgentPage struct {
	Agents  []models.Agent `json:"agents"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
	HasMore bool           `json:"hasMore"`
}

func (s *Service) ListAgents(ctx context.Context, req ListAgentsRequest) (AgentPage, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	agents, total, err := s.store.ListAgents(ctx, store.ListAgentsFilter{
		Expertise:    models.FilterExpertise(req.Expertise),
		VerifiedOnly: req.VerifiedOnly,
		Limit:        req.Limit,
		Offset:       req.Offset,
	})
	if err != nil {
		return AgentPage{}, err
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	return AgentPage{
		Agents:  agents,
		Total:   total,
		Limit:   req.Limit,
		Offset:  req.Offset,
		HasMore: req.Offset+req.Limit < total,
	}, nil
}

// GetAgent returns the stored profile refreshed with the identity oracle's
// current answer; oracle trouble serves the stored flags instead.
func (s *Service) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return models.Agent{}, err
	}
	if s.identity != nil && agent.PublicKey != "" {
		status := s.lookupIdentity(ctx, agent.PublicKey)
		if status.Verified || status.Level != nil {
			agent.IdentityVerified = status.Verified
			agent.VerificationLevel = status.Level
		}
	}
	return agent, nil
}

func (s *Service) UpdateExpertise(ctx context.Context, id string, expertise []string) ([]string, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	agent.Expertise = models.FilterExpertise(expertise)
	agent.LastActive = time.Now().UTC()
	updated, err := s.store.UpdateAgent(ctx, agent)
	if err != nil {
		return nil, err
	}
	return updated.Expertise, nil
}

// VerifyIdentity is the standalone identity-oracle pass-through. An
// unavailable oracle reports unverified with the failure reason rather than
// an error.
func (s *Service) VerifyIdentity(ctx context.Context, publicKey string) identity.Status {
	if s.identity == nil {
		return identity.Status{PublicKey: publicKey, Error: "identity oracle not configured"}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, oracleTimeout)
	defer cancel()
	status, err := s.identity.Verify(lookupCtx, publicKey)
	if err != nil {
		return identity.Status{Verified: false, PublicKey: publicKey, Error: err.Error()}
	}
	return status
}

type StatsResponse struct {
	TotalAgents    int      `json:"totalAgents"`
	VerifiedAgents int      `json:"verifiedAgents"`
	ExpertiseTags  []string `json:"expertiseTags"`
}

func (s *Service) Stats(ctx context.Context) (StatsResponse, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return StatsResponse{}, err
	}
	return StatsResponse{
		TotalAgents:    stats.TotalAgents,
		VerifiedAgents: stats.VerifiedAgents,
		ExpertiseTags:  models.ValidExpertise,
	}, nil
}

// VerifyTransaction is the standalone payment-oracle pass-through. Malformed
// hashes short-circuit without an oracle call.
func (s *Service) VerifyTransaction(ctx context.Context, txHash string) chain.Verification {
	if !chain.ValidHash(txHash) {
		return chain.Verification{Verified: false, TxHash: txHash, Error: "invalid transaction hash format"}
	}
	if s.chain == nil {
		return chain.Verification{Verified: false, TxHash: txHash, Error: "payment oracle not configured"}
	}
	callCtx, cancel := context.WithTimeout(ctx, oracleTimeout)
	defer cancel()
	verification, err := s.chain.VerifyTransaction(callCtx, txHash)
	if err != nil {
		log.Printf("[chain] verification failed for %s: %v", txHash, err)
		return chain.Verification{Verified: false, TxHash: txHash, Error: "verification service unavailable"}
	}
	return verification
}

// VerifyPolicy checks a caller-supplied trace against an agent's currently
// declared policy without recording anything.
func (s *Service) VerifyPolicy(ctx context.Context, agentID string, trace *models.ExecutionTrace) (models.ComplianceVerdict, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return models.ComplianceVerdict{}, err
	}
	if agent.Policy == nil {
		return models.ComplianceVerdict{
			PolicyVerified: false,
			Reason:         "agent has no declared policy",
		}, nil
	}
	return policy.Check(agent.Policy, trace), nil
}

type FeedbackRequest struct {
	AgentID     string                 `json:"agentId"`
	FromAgentID *string                `json:"fromAgentId"`
	Rating      string                 `json:"rating"`
	TxHash      *string                `json:"txHash"`
	Trace       *models.ExecutionTrace `json:"trace"`
	TraceHash   *string                `json:"traceHash"`
	Note        *string                `json:"note"`
}

type FeedbackResult struct {
	Record            models.FeedbackRecord
	Message           string
	VerificationError string
}

// SubmitFeedback runs the intake pipeline: validate, consult the payment
// oracle, run the policy checker, stamp the verification flags, and append.
// Oracle trouble degrades flags to false; the feedback is still recorded.
func (s *Service) SubmitFeedback(ctx context.Context, req FeedbackRequest) (FeedbackResult, error) {
	if req.AgentID == "" || req.Rating == "" {
		return FeedbackResult{}, fmt.Errorf("agentId and rating required")
	}
	rating := models.Rating(req.Rating)
	if !rating.Valid() {
		return FeedbackResult{}, fmt.Errorf("rating must be success, partial, or fail")
	}

	agent, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return FeedbackResult{}, err
	}

	var txVerification *chain.Verification
	if req.TxHash != nil && *req.TxHash != "" {
		v := s.VerifyTransaction(ctx, *req.TxHash)
		txVerification = &v
	}

	var verdict *models.ComplianceVerdict
	if req.Trace != nil {
		if agent.Policy == nil {
			verdict = &models.ComplianceVerdict{
				PolicyVerified: false,
				Reason:         "agent has no declared policy",
			}
		} else {
			v := policy.Check(agent.Policy, req.Trace)
			verdict = &v
		}
	}

	now := time.Now().UTC()
	rec := models.FeedbackRecord{
		ID:          models.NewFeedbackID(),
		AgentID:     req.AgentID,
		FromAgentID: req.FromAgentID,
		Rating:      rating,
		TxHash:      req.TxHash,
		Trace:       req.Trace,
		TraceHash:   req.TraceHash,
		Note:        req.Note,
		Timestamp:   now.UnixMilli(),
		CreatedAt:   now,
	}
	if txVerification != nil && txVerification.Verified {
		rec.PaymentVerified = true
		rec.TxDetails = &models.TxDetails{
			Network:     txVerification.Network,
			From:        txVerification.From,
			To:          txVerification.To,
			BlockNumber: txVerification.BlockNumber,
			VerifiedAt:  txVerification.VerifiedAt,
		}
	}
	if verdict != nil {
		rec.PolicyVerified = verdict.PolicyVerified
		rec.PolicyChecks = verdict.Checks
	}

	if err := s.store.AppendFeedback(ctx, rec); err != nil {
		return FeedbackResult{}, err
	}

	agent.LastActive = now
	if _, err := s.store.UpdateAgent(ctx, agent); err != nil {
		log.Printf("[intake] bump lastActive for %s: %v", agent.ID, err)
	}

	if err := s.publisher.PublishFeedback(ctx, audit.FeedbackEvent{
		EventType:       audit.EventFeedbackRecorded,
		FeedbackID:      rec.ID,
		AgentID:         rec.AgentID,
		Rating:          string(rec.Rating),
		PaymentVerified: rec.PaymentVerified,
		PolicyVerified:  rec.PolicyVerified,
		Ts:              now,
	}); err != nil {
		log.Printf("[intake] publish feedback event: %v", err)
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveFeedback(ctx, rec); err != nil {
			log.Printf("[intake] archive feedback record: %v", err)
		}
	}

	result := FeedbackResult{
		Record:  rec,
		Message: intakeMessage(req, rec, txVerification),
	}
	if txVerification != nil && !txVerification.Verified {
		result.VerificationError = txVerification.Error
	}
	return result, nil
}

func intakeMessage(req FeedbackRequest, rec models.FeedbackRecord, txVerification *chain.Verification) string {
	switch {
	case rec.PaymentVerified && rec.PolicyVerified:
		return "feedback recorded with FULL VERIFICATION (payment + policy)"
	case rec.PaymentVerified:
		return "feedback recorded with payment verification"
	case rec.PolicyVerified:
		return "feedback recorded with policy verification"
	case req.TxHash != nil && *req.TxHash != "" && txVerification != nil:
		reason := txVerification.Error
		if reason == "" {
			reason = "unknown error"
		}
		return "feedback recorded but transaction verification failed: " + reason
	case req.Trace != nil:
		return "feedback recorded but policy verification failed"
	default:
		return "feedback recorded (add a transaction hash and trace for full verification)"
	}
}

type RecentFeedback struct {
	Rating   models.Rating `json:"rating"`
	Verified bool          `json:"verified"`
	Date     time.Time     `json:"date"`
	Note     *string       `json:"note"`
}

type ReputationResponse struct {
	AgentID          string `json:"agentId"`
	AgentName        string `json:"agentName"`
	IdentityVerified bool   `json:"identityVerified"`
	models.ReputationSummary
	RecentFeedback []RecentFeedback `json:"recentFeedback"`
}

// GetReputation recomputes the summary from the full ledger on every call;
// nothing is cached.
func (s *Service) GetReputation(ctx context.Context, agentID string) (ReputationResponse, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return ReputationResponse{}, err
	}
	ledger, err := s.store.ListFeedback(ctx, agentID)
	if err != nil {
		return ReputationResponse{}, err
	}

	resp := ReputationResponse{
		AgentID:           agent.ID,
		AgentName:         agent.Name,
		IdentityVerified:  agent.IdentityVerified,
		ReputationSummary: reputation.Score(ledger, time.Now().UTC()),
		RecentFeedback:    []RecentFeedback{},
	}
	// Last five entries in append order, newest first.
	for i := len(ledger) - 1; i >= 0 && len(resp.RecentFeedback) < 5; i-- {
		rec := ledger[i]
		resp.RecentFeedback = append(resp.RecentFeedback, RecentFeedback{
			Rating:   rec.Rating,
			Verified: rec.TxHash != nil && *rec.TxHash != "",
			Date:     rec.CreatedAt,
			Note:     rec.Note,
		})
	}
	return resp, nil
}
