package audit

import (
	"context"
	"log"
	"time"
)

// FeedbackEvent is emitted after a feedback record is appended to an agent's
// ledger. Consumers get the verification outcome, never the raw trace.
type FeedbackEvent struct {
	EventType       string    `json:"eventType"`
	FeedbackID      string    `json:"feedbackId"`
	AgentID         string    `json:"agentId"`
	Rating          string    `json:"rating"`
	PaymentVerified bool      `json:"paymentVerified"`
	PolicyVerified  bool      `json:"policyVerified"`
	Ts              time.Time `json:"ts"`
}

const EventFeedbackRecorded = "feedback.recorded"

// Publisher delivers feedback events to the audit stream. Publish failures
// must never fail the submission that produced the event.
type Publisher interface {
	PublishFeedback(ctx context.Context, ev FeedbackEvent) error
	Close() error
}

// LogPublisher writes events to the process log. Used when no broker is
// configured.
type LogPublisher struct{}

func (LogPublisher) PublishFeedback(ctx context.Context, ev FeedbackEvent) error {
	log.Printf("[audit] %s feedback=%s agent=%s rating=%s payment=%v policy=%v",
		ev.EventType, ev.FeedbackID, ev.AgentID, ev.Rating, ev.PaymentVerified, ev.PolicyVerified)
	return nil
}

func (LogPublisher) Close() error { return nil }
