package subscriptions

import (
	"context"
	"fmt"
	"log/slog"

	"rhema/internal/external"
	"rhema/internal/types"
	"rhema/internal/webhook"
)

// eventHandlers applies webhook events to a Registry. lookup, when set,
// resolves subscriptions the registry has never seen a checkout for.
type eventHandlers struct {
	reg    *Registry
	lookup external.SubscriptionReader
	logger *slog.Logger
}

// RegisterHandlers binds the subscription lifecycle event kinds to r. lookup
// may be nil, in which case events for unknown subscriptions are ignored.
func RegisterHandlers(d *webhook.Dispatcher, r *Registry, lookup external.SubscriptionReader) {
	h := &eventHandlers{reg: r, lookup: lookup, logger: r.logger}
	d.Register(webhook.KindCheckoutSessionCompleted, h.handleCheckoutCompleted)
	d.Register(webhook.KindSubscriptionUpdated, h.handleSubscriptionUpdated)
	d.Register(webhook.KindSubscriptionDeleted, h.handleSubscriptionDeleted)
	d.Register(webhook.KindInvoicePaid, h.handleInvoicePaid)
	d.Register(webhook.KindInvoicePaymentFailed, h.handleInvoicePaymentFailed)
}

func (h *eventHandlers) handleCheckoutCompleted(ctx context.Context, ev webhook.Event) error {
	p, ok := ev.Payload.(webhook.CheckoutSessionCompleted)
	if !ok {
		return fmt.Errorf("%s: unexpected payload %T", ev.Kind, ev.Payload)
	}

	userID := p.UserID()
	if userID == "" {
		return fmt.Errorf("%s: event %s carries no userId", ev.Kind, ev.ID)
	}

	sub := h.reg.Activate(userID, planFromMetadata(p.Metadata), p.SubscriptionID, p.CustomerID)
	h.logger.InfoContext(ctx, "subscription activated",
		"event_id", ev.ID,
		"user_id", sub.UserID,
		"plan", string(sub.Plan),
		"subscription_id", sub.StripeSubscriptionID,
	)
	return nil
}

func (h *eventHandlers) handleSubscriptionUpdated(ctx context.Context, ev webhook.Event) error {
	p, ok := ev.Payload.(webhook.SubscriptionUpdated)
	if !ok {
		return fmt.Errorf("%s: unexpected payload %T", ev.Kind, ev.Payload)
	}

	status, known := mapProviderStatus(p.Status)
	if !known {
		h.logger.WarnContext(ctx, "ignoring unrecognised subscription status",
			"event_id", ev.ID,
			"subscription_id", p.SubscriptionID,
			"status", p.Status,
		)
		return nil
	}
	return h.apply(ctx, ev, p.SubscriptionID, status)
}

func (h *eventHandlers) handleSubscriptionDeleted(ctx context.Context, ev webhook.Event) error {
	p, ok := ev.Payload.(webhook.SubscriptionDeleted)
	if !ok {
		return fmt.Errorf("%s: unexpected payload %T", ev.Kind, ev.Payload)
	}
	return h.apply(ctx, ev, p.SubscriptionID, StatusCanceled)
}

func (h *eventHandlers) handleInvoicePaid(ctx context.Context, ev webhook.Event) error {
	p, ok := ev.Payload.(webhook.InvoicePaid)
	if !ok {
		return fmt.Errorf("%s: unexpected payload %T", ev.Kind, ev.Payload)
	}
	return h.apply(ctx, ev, p.SubscriptionID, StatusActive)
}

func (h *eventHandlers) handleInvoicePaymentFailed(ctx context.Context, ev webhook.Event) error {
	p, ok := ev.Payload.(webhook.InvoicePaymentFailed)
	if !ok {
		return fmt.Errorf("%s: unexpected payload %T", ev.Kind, ev.Payload)
	}
	return h.apply(ctx, ev, p.SubscriptionID, StatusPastDue)
}

// apply moves a subscription to status, adopting it from the provider first
// when it is unknown locally. Subscriptions the provider cannot attribute to
// a user are logged, not failed. Lookup errors are returned so transient
// upstream failures are retried by the ingester.
func (h *eventHandlers) apply(ctx context.Context, ev webhook.Event, subscriptionID string, status Status) error {
	known, err := h.resolve(ctx, ev, subscriptionID)
	if err != nil {
		return err
	}
	if !known {
		h.logger.InfoContext(ctx, "ignoring event for unknown subscription",
			"event_id", ev.ID,
			"event_kind", string(ev.Kind),
			"subscription_id", subscriptionID,
		)
		return nil
	}

	var sub Subscription
	if status == StatusCanceled {
		sub, _ = h.reg.Cancel(subscriptionID)
	} else {
		sub, _ = h.reg.UpdateStatus(subscriptionID, status)
	}
	h.logger.InfoContext(ctx, "subscription status updated",
		"event_id", ev.ID,
		"user_id", sub.UserID,
		"subscription_id", subscriptionID,
		"status", string(sub.Status),
	)
	return nil
}

// resolve reports whether subscriptionID is tracked, fetching it from the
// provider when it is not.
func (h *eventHandlers) resolve(ctx context.Context, ev webhook.Event, subscriptionID string) (bool, error) {
	if subscriptionID == "" {
		return false, nil
	}
	if _, ok := h.reg.BySubscriptionID(subscriptionID); ok {
		return true, nil
	}
	if h.lookup == nil {
		return false, nil
	}

	info, found, err := h.lookup.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("%s: resolving subscription %s: %w", ev.Kind, subscriptionID, err)
	}
	userID := info.Metadata["userId"]
	if !found || userID == "" {
		return false, nil
	}

	sub := h.reg.Activate(userID, planFromMetadata(info.Metadata), subscriptionID, info.CustomerID)
	h.logger.InfoContext(ctx, "subscription adopted from provider",
		"event_id", ev.ID,
		"user_id", sub.UserID,
		"plan", string(sub.Plan),
		"subscription_id", subscriptionID,
	)
	return true, nil
}

func planFromMetadata(md map[string]string) types.PlanTier {
	if plan := md["plan"]; plan != "" {
		return types.PlanTier(plan)
	}
	return types.PlanBasic
}

// mapProviderStatus folds the provider's subscription statuses into the
// three local ones.
func mapProviderStatus(s string) (Status, bool) {
	switch s {
	case "active", "trialing":
		return StatusActive, true
	case "past_due", "unpaid", "incomplete", "paused":
		return StatusPastDue, true
	case "canceled", "incomplete_expired":
		return StatusCanceled, true
	default:
		return "", false
	}
}
