package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"rhema/internal/external"
	"rhema/internal/types"
)

// Outcome labels passed to an OutcomeRecorder.
const (
	OutcomeProcessed        = "processed"
	OutcomeIgnored          = "ignored"
	OutcomeReplayed         = "replayed"
	OutcomePermanentFailure = "permanent_failure"
	OutcomeInProgress       = "in_progress"
	OutcomeFailed           = "failed"
	OutcomeRejected         = "rejected"
)

// OutcomeRecorder observes the result of every delivery.
type OutcomeRecorder interface {
	RecordWebhookOutcome(kind, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) RecordWebhookOutcome(string, string) {}

// IngesterConfig tunes verification and retry behaviour.
type IngesterConfig struct {
	Secret types.SecretString
	Policy ClaimPolicy

	// DispatchAttempts bounds in-request retries of transient handler errors.
	DispatchAttempts int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration

	// CompleteTimeout bounds the outcome write, which runs detached from the
	// request context.
	CompleteTimeout time.Duration
}

func (c *IngesterConfig) applyDefaults() {
	def := DefaultClaimPolicy()
	if c.Policy.MaxAttempts <= 0 {
		c.Policy.MaxAttempts = def.MaxAttempts
	}
	if c.Policy.Lease <= 0 {
		c.Policy.Lease = def.Lease
	}
	if c.DispatchAttempts <= 0 {
		c.DispatchAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.CompleteTimeout <= 0 {
		c.CompleteTimeout = 5 * time.Second
	}
}

// Result is the outcome of Ingest. Replayed is set when Ack was served from
// a previous successful delivery.
type Result struct {
	Ack      AckResult
	Replayed bool
}

// Ingester turns raw deliveries into at-most-once handler invocations.
type Ingester struct {
	verifier   external.WebhookVerifier
	store      Store
	dispatcher *Dispatcher
	cfg        IngesterConfig
	logger     *slog.Logger
	recorder   OutcomeRecorder
	now        func() time.Time

	inflight singleflight.Group
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithOutcomeRecorder reports every delivery outcome to r.
func WithOutcomeRecorder(r OutcomeRecorder) IngesterOption {
	return func(in *Ingester) {
		if r != nil {
			in.recorder = r
		}
	}
}

// NewIngester wires an Ingester. Zero config fields take their defaults.
func NewIngester(
	verifier external.WebhookVerifier,
	store Store,
	dispatcher *Dispatcher,
	cfg IngesterConfig,
	logger *slog.Logger,
	opts ...IngesterOption,
) *Ingester {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	in := &Ingester{
		verifier:   verifier,
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		recorder:   noopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest verifies raw, then dispatches the event unless a previous delivery
// of the same ID already succeeded, exhausted its attempts or is still being
// processed.
func (in *Ingester) Ingest(ctx context.Context, raw RawRequest) (Result, error) {
	logger := types.LoggerFromContext(ctx, in.logger)

	if raw.Signature == "" {
		in.recorder.RecordWebhookOutcome("", OutcomeRejected)
		return Result{}, types.NewAppError(types.ErrCodeAuthSignatureMissing, "missing Stripe-Signature header", nil)
	}
	if err := in.verifier.Verify(raw.Payload, raw.Signature, in.cfg.Secret); err != nil {
		logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		in.recorder.RecordWebhookOutcome("", OutcomeRejected)
		return Result{}, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature verification failed", err)
	}

	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = in.now()
	}
	ev, err := Parse(raw.Payload, receivedAt)
	if err != nil {
		logger.WarnContext(ctx, "webhook payload rejected", "error", err)
		in.recorder.RecordWebhookOutcome("", OutcomeRejected)
		return Result{}, err
	}

	logger = logger.With("event_id", ev.ID, "event_kind", string(ev.Kind))
	res, shared, err := in.processShared(ctx, logger, ev)
	if err != nil && shared && ctx.Err() == nil && errors.Is(err, context.Canceled) {
		// The coalesced run belonged to a request that went away. Its record
		// is already failed, so this caller reclaims it under its own context.
		logger.InfoContext(ctx, "retrying delivery abandoned by a concurrent request")
		res, _, err = in.processShared(ctx, logger, ev)
	}
	return res, err
}

// processShared coalesces concurrent deliveries of the same event ID onto a
// single process call. shared reports whether the result was handed to more
// than one caller.
func (in *Ingester) processShared(ctx context.Context, logger *slog.Logger, ev Event) (Result, bool, error) {
	v, err, shared := in.inflight.Do(ev.ID, func() (any, error) {
		return in.process(ctx, logger, ev)
	})
	if shared {
		logger.DebugContext(ctx, "coalesced concurrent webhook delivery")
	}
	if err != nil {
		return Result{}, shared, err
	}
	return v.(Result), shared, nil
}

func (in *Ingester) process(ctx context.Context, logger *slog.Logger, ev Event) (Result, error) {
	kind := string(ev.Kind)

	claim, err := in.store.Claim(ctx, ev.ID, ev.Kind, in.cfg.Policy)
	if err != nil {
		logger.ErrorContext(ctx, "failed to claim webhook event", "error", err)
		in.recorder.RecordWebhookOutcome(kind, OutcomeFailed)
		return Result{}, err
	}

	switch claim.Outcome {
	case ClaimReplay:
		logger.InfoContext(ctx, "webhook event already processed; replaying ack")
		in.recorder.RecordWebhookOutcome(kind, OutcomeReplayed)
		return Result{Ack: claim.Record.Ack, Replayed: true}, nil

	case ClaimExhausted:
		logger.WarnContext(ctx, "webhook event exhausted its delivery attempts",
			"attempts", claim.Record.Attempts,
			"last_error", claim.Record.LastError,
		)
		in.recorder.RecordWebhookOutcome(kind, OutcomePermanentFailure)
		return Result{Ack: AckResult{
			Received: true,
			Kind:     ev.Kind,
			EventID:  ev.ID,
			Status:   AckPermanentFailure,
		}}, nil

	case ClaimInProgress:
		in.recorder.RecordWebhookOutcome(kind, OutcomeInProgress)
		return Result{}, types.NewAppError(types.ErrCodeConflictEventInProgress,
			"event is already being processed; retry later", nil)
	}

	ack, dispatchErr := in.dispatch(ctx, logger, ev)

	rec := claim.Record
	rec.ProcessedAt = in.now()
	if dispatchErr == nil {
		rec.Status = StatusSucceeded
		rec.Ack = ack
	} else {
		rec.Status = StatusFailed
		rec.LastError = dispatchErr.Error()
	}
	in.complete(ctx, logger, rec)

	if dispatchErr != nil {
		logger.ErrorContext(ctx, "webhook handler failed",
			"attempt", rec.Attempts,
			"error", dispatchErr,
		)
		in.recorder.RecordWebhookOutcome(kind, OutcomeFailed)
		if isTransient(dispatchErr) {
			return Result{}, types.NewAppError(types.ErrCodeUpstreamUnavailable,
				"a downstream dependency is unavailable; retry later", dispatchErr)
		}
		return Result{}, types.NewAppError(types.ErrCodeInternalEventHandlerFailed,
			"event handler failed", dispatchErr)
	}

	if ack.Status == AckIgnored {
		in.recorder.RecordWebhookOutcome(kind, OutcomeIgnored)
	} else {
		in.recorder.RecordWebhookOutcome(kind, OutcomeProcessed)
	}
	return Result{Ack: ack}, nil
}

// dispatch runs the registered handler, retrying transient errors with
// exponential backoff. Unregistered kinds are acknowledged as ignored.
func (in *Ingester) dispatch(ctx context.Context, logger *slog.Logger, ev Event) (AckResult, error) {
	ack := AckResult{
		Received: true,
		Kind:     ev.Kind,
		EventID:  ev.ID,
		Status:   AckProcessed,
		Metadata: ev.AckMetadata(),
	}

	fn, ok := in.dispatcher.Handler(ev.Kind)
	if !ok {
		logger.InfoContext(ctx, "ignoring unhandled webhook event kind")
		ack.Status = AckIgnored
		return ack, nil
	}

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := fn(ctx, ev)
		if err == nil {
			return nil
		}
		if !isTransient(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = in.cfg.InitialBackoff
	b.MaxInterval = in.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(in.cfg.DispatchAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "transient webhook handler error; retrying",
			"error", err,
			"wait", wait,
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return AckResult{}, err
	}
	return ack, nil
}

// complete writes rec even when the request context has been cancelled, so
// that a dropped connection leaves a failed record rather than a dangling
// claim.
func (in *Ingester) complete(ctx context.Context, logger *slog.Logger, rec Record) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.cfg.CompleteTimeout)
	defer cancel()

	err := in.store.Complete(writeCtx, rec)
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleClaim):
		logger.WarnContext(ctx, "webhook claim was superseded before completion", "attempt", rec.Attempts)
	default:
		logger.ErrorContext(ctx, "failed to record webhook outcome",
			"status", string(rec.Status),
			"error", err,
		)
	}
}

// isTransient reports whether err may succeed on retry: upstream AppErrors
// and downstream deadlines.
func isTransient(err error) bool {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code.IsTransient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
