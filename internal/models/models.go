package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Rating is the three-value outcome a counterparty reports for one task.
type Rating string

const (
	RatingSuccess Rating = "success"
	RatingPartial Rating = "partial"
	RatingFail    Rating = "fail"
)

func (r Rating) Valid() bool {
	switch r {
	case RatingSuccess, RatingPartial, RatingFail:
		return true
	}
	return false
}

// ValidExpertise is the fixed vocabulary of expertise tags agents may declare.
var ValidExpertise = []string{
	"research", "writing", "code", "philosophy", "art", "music",
	"finance", "legal", "medical", "education", "translation",
	"data-analysis", "automation", "security", "blockchain",
	"social-media", "customer-service", "creative", "technical",
}

// FilterExpertise lowercases the given tags and drops anything outside the
// vocabulary, preserving input order.
func FilterExpertise(tags []string) []string {
	valid := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		for _, known := range ValidExpertise {
			if tag == known {
				valid = append(valid, tag)
				break
			}
		}
	}
	return valid
}

type Agent struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	PublicKey         string            `json:"publicKey"`
	Wallet            *string           `json:"wallet"`
	Description       string            `json:"description"`
	Expertise         []string          `json:"expertise"`
	Endpoints         map[string]string `json:"endpoints"`
	Policy            *Policy           `json:"policy"`
	IdentityVerified  bool              `json:"identityVerified"`
	VerificationLevel *string           `json:"verificationLevel"`
	RegisteredAt      time.Time         `json:"registeredAt"`
	LastActive        time.Time         `json:"lastActive"`
}

// Policy is an agent's declared operating envelope. Nil slices and nil
// ceilings impose no constraint; a zero-value Policy is always-pass.
type Policy struct {
	AllowedTools          []string `json:"allowedTools"`
	AllowedDomains        []string `json:"allowedDomains"`
	BlockedDomains        []string `json:"blockedDomains"`
	MaxDurationMinutes    *float64 `json:"maxDurationMinutes"`
	MaxCostUSD            *float64 `json:"maxCostUSD"`
	RequiresHumanApproval bool     `json:"requiresHumanApproval"`
}

// ExecutionTrace is an agent's self-reported account of one task execution.
// It is caller-supplied and unauthenticated; the checker only tests it for
// consistency against the declared policy.
type ExecutionTrace struct {
	ToolsUsed       []string `json:"toolsUsed"`
	DomainsAccessed []string `json:"domainsAccessed"`
	DurationMinutes float64  `json:"durationMinutes"`
	CostUSD         float64  `json:"costUSD"`
}

type ToolCheck struct {
	Pass       bool     `json:"pass"`
	Used       []string `json:"used"`
	Allowed    []string `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

type DomainViolation struct {
	Domain    string `json:"domain"`
	BlockedBy string `json:"blockedBy,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type DomainCheck struct {
	Pass       bool              `json:"pass"`
	Accessed   []string          `json:"accessed"`
	Violations []DomainViolation `json:"violations"`
}

type LimitCheck struct {
	Pass   bool     `json:"pass"`
	Actual float64  `json:"actual"`
	Max    *float64 `json:"max"`
}

// PolicyChecks is the per-category verdict detail. It is snapshotted onto the
// feedback record at intake time so later policy edits cannot rewrite history.
type PolicyChecks struct {
	Tools    ToolCheck   `json:"tools"`
	Domains  DomainCheck `json:"domains"`
	Duration LimitCheck  `json:"duration"`
	Cost     LimitCheck  `json:"cost"`
}

type ComplianceVerdict struct {
	PolicyVerified bool          `json:"policyVerified"`
	Reason         string        `json:"reason,omitempty"`
	Checks         *PolicyChecks `json:"checks"`
}

type TxDetails struct {
	Network     string    `json:"network"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	BlockNumber int64     `json:"blockNumber"`
	VerifiedAt  time.Time `json:"verifiedAt"`
}

// FeedbackRecord is one append-only ledger entry for an agent. Verification
// flags are stamped at intake time and never change afterwards.
type FeedbackRecord struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agentId"`
	FromAgentID     *string         `json:"fromAgentId"`
	Rating          Rating          `json:"rating"`
	TxHash          *string         `json:"txHash"`
	PaymentVerified bool            `json:"paymentVerified"`
	TxDetails       *TxDetails      `json:"txDetails"`
	Trace           *ExecutionTrace `json:"trace"`
	TraceHash       *string         `json:"traceHash"`
	PolicyVerified  bool            `json:"policyVerified"`
	PolicyChecks    *PolicyChecks   `json:"policyChecks"`
	Note            *string         `json:"note"`
	Timestamp       int64           `json:"timestamp"` // unix milliseconds
	CreatedAt       time.Time       `json:"createdAt"`
}

// VerificationBreakdown counts ledger entries per verification tier. The four
// counts always sum to the ledger size.
type VerificationBreakdown struct {
	SelfAttested    int `json:"level0_selfAttested"`
	PaymentVerified int `json:"level1_paymentVerified"`
	PolicyVerified  int `json:"level2_policyVerified"`
	FullyVerified   int `json:"level3_fullyVerified"`
}

// ReputationSummary is derived from the full ledger on every read and never
// stored. Score and SuccessRate are nil for an empty ledger.
type ReputationSummary struct {
	Score                 *float64              `json:"score"`
	Confidence            float64               `json:"confidence"`
	TotalTransactions     int                   `json:"totalTransactions"`
	SuccessRate           *float64              `json:"successRate"`
	VerificationBreakdown VerificationBreakdown `json:"verificationBreakdown"`
}

// NewAgentID and NewFeedbackID produce the short prefixed identifiers used on
// the wire, e.g. "ag_3f2a9c01d4e85b67".
func NewAgentID() string    { return "ag_" + shortID() }
func NewFeedbackID() string { return "fb_" + shortID() }

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
