package webhook

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a processed-event record.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// AckStatus is the outcome reported to the provider.
type AckStatus string

const (
	AckProcessed        AckStatus = "processed"
	AckIgnored          AckStatus = "ignored"
	AckPermanentFailure AckStatus = "permanent_failure"
)

// AckResult is the JSON body returned for an accepted delivery.
type AckResult struct {
	Received bool              `json:"received"`
	Kind     EventKind         `json:"kind"`
	EventID  string            `json:"eventId"`
	Status   AckStatus         `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Record is the dedup entry for one event ID. LastError is for operators
// only and never returned to clients.
type Record struct {
	EventID     string    `json:"event_id"`
	Kind        EventKind `json:"kind"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	Ack         AckResult `json:"ack"`
	LastError   string    `json:"last_error,omitempty"`
	ClaimedAt   time.Time `json:"claimed_at"`
	ProcessedAt time.Time `json:"processed_at,omitzero"`
}

// ClaimPolicy bounds redelivery handling.
type ClaimPolicy struct {
	// MaxAttempts is the number of dispatches allowed before a failing event
	// is acknowledged as a permanent failure.
	MaxAttempts int
	// Lease is how long a processing claim blocks other claimants. An older
	// claim is assumed abandoned.
	Lease time.Duration
}

// DefaultClaimPolicy returns five attempts and a two minute lease.
func DefaultClaimPolicy() ClaimPolicy {
	return ClaimPolicy{MaxAttempts: 5, Lease: 2 * time.Minute}
}

// ClaimOutcome says what the caller may do after Claim.
type ClaimOutcome int

const (
	// ClaimAcquired: the caller owns the event and must dispatch it, then
	// call Complete.
	ClaimAcquired ClaimOutcome = iota
	// ClaimReplay: the event already succeeded; Record.Ack is the stored ack.
	ClaimReplay
	// ClaimExhausted: every attempt failed; do not dispatch again.
	ClaimExhausted
	// ClaimInProgress: another worker holds a live lease.
	ClaimInProgress
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimAcquired:
		return "acquired"
	case ClaimReplay:
		return "replay"
	case ClaimExhausted:
		return "exhausted"
	case ClaimInProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// ClaimResult is returned by Store.Claim. Record is the state after the
// claim: the new processing record when acquired, otherwise the existing one.
type ClaimResult struct {
	Outcome ClaimOutcome
	Record  Record
}

// ErrStaleClaim is returned by Complete when the record has been reclaimed
// by a later attempt since the caller's claim.
var ErrStaleClaim = errors.New("webhook: claim superseded by a later attempt")

// Store persists processed-event records. Claim must be atomic per event ID
// across every process sharing the store.
type Store interface {
	// Claim atomically decides whether eventID may be dispatched, recording a
	// processing claim when it may.
	Claim(ctx context.Context, eventID string, kind EventKind, policy ClaimPolicy) (ClaimResult, error)
	// Complete writes the outcome of the attempt identified by
	// rec.EventID and rec.Attempts.
	Complete(ctx context.Context, rec Record) error
	// Close releases the store's resources.
	Close() error
}

// decideClaim applies the claim rules to the current record, nil when none
// exists. The Postgres and Redis backends encode the same rules in SQL and
// Lua.
func decideClaim(existing *Record, eventID string, kind EventKind, policy ClaimPolicy, now time.Time) ClaimResult {
	if existing == nil {
		return ClaimResult{Outcome: ClaimAcquired, Record: newClaim(eventID, kind, 1, now)}
	}

	switch existing.Status {
	case StatusSucceeded:
		return ClaimResult{Outcome: ClaimReplay, Record: *existing}
	case StatusProcessing:
		if now.Sub(existing.ClaimedAt) < policy.Lease {
			return ClaimResult{Outcome: ClaimInProgress, Record: *existing}
		}
	}

	if existing.Attempts >= policy.MaxAttempts {
		return ClaimResult{Outcome: ClaimExhausted, Record: *existing}
	}
	return ClaimResult{Outcome: ClaimAcquired, Record: newClaim(eventID, kind, existing.Attempts+1, now)}
}

func newClaim(eventID string, kind EventKind, attempts int, now time.Time) Record {
	return Record{
		EventID:   eventID,
		Kind:      kind,
		Status:    StatusProcessing,
		Attempts:  attempts,
		ClaimedAt: now,
	}
}
