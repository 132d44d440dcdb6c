// Package webhook verifies, deduplicates and dispatches payment-provider
// webhook deliveries. The Ingester is the only entry point; handlers for
// individual event kinds are registered on a Dispatcher.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"rhema/internal/types"
)

// EventKind is the provider's event type string.
type EventKind string

const (
	KindCheckoutSessionCompleted EventKind = EventKind(stripe.EventTypeCheckoutSessionCompleted)
	KindInvoicePaid              EventKind = EventKind(stripe.EventTypeInvoicePaid)
	KindInvoicePaymentFailed     EventKind = EventKind(stripe.EventTypeInvoicePaymentFailed)
	KindSubscriptionUpdated      EventKind = EventKind(stripe.EventTypeCustomerSubscriptionUpdated)
	KindSubscriptionDeleted      EventKind = EventKind(stripe.EventTypeCustomerSubscriptionDeleted)
)

// RawRequest is an unverified delivery exactly as it arrived.
type RawRequest struct {
	Payload    []byte
	Signature  string
	ReceivedAt time.Time
}

// Event is a delivery whose signature has been verified and whose object has
// been decoded into the variant matching its kind.
type Event struct {
	ID         string
	Kind       EventKind
	Created    time.Time
	ReceivedAt time.Time
	Livemode   bool
	Payload    EventPayload
}

// EventPayload is implemented only by the variants in this file.
type EventPayload interface {
	isEventPayload()
}

// CheckoutSessionCompleted is sent when a customer finishes a hosted checkout.
type CheckoutSessionCompleted struct {
	SessionID         string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

// UserID prefers the userId metadata key and falls back to the client
// reference ID set at session creation.
func (c CheckoutSessionCompleted) UserID() string {
	if id := c.Metadata["userId"]; id != "" {
		return id
	}
	return c.ClientReferenceID
}

// InvoicePaid is sent when a subscription invoice is paid.
type InvoicePaid struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
}

// InvoicePaymentFailed is sent when charging a subscription invoice fails.
type InvoicePaymentFailed struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	AttemptCount   int64
}

// SubscriptionUpdated carries the new provider-side subscription status.
type SubscriptionUpdated struct {
	SubscriptionID string
	CustomerID     string
	Status         string
	Metadata       map[string]string
}

// SubscriptionDeleted is sent when a subscription ends.
type SubscriptionDeleted struct {
	SubscriptionID string
	CustomerID     string
	Metadata       map[string]string
}

// UnknownEvent is any kind this service does not act on.
type UnknownEvent struct {
	Type string
}

func (CheckoutSessionCompleted) isEventPayload() {}
func (InvoicePaid) isEventPayload()              {}
func (InvoicePaymentFailed) isEventPayload()     {}
func (SubscriptionUpdated) isEventPayload()      {}
func (SubscriptionDeleted) isEventPayload()      {}
func (UnknownEvent) isEventPayload()             {}

// ackMetadataKeys lists the only payload fields ever echoed back in an ack.
var ackMetadataKeys = []string{"plan", "userId", "type"}

// AckMetadata returns the allow-listed metadata subset for the ack, or nil
// when the event carries none.
func (e Event) AckMetadata() map[string]string {
	c, ok := e.Payload.(CheckoutSessionCompleted)
	if !ok {
		return nil
	}
	out := make(map[string]string)
	for _, k := range ackMetadataKeys {
		if v, ok := c.Metadata[k]; ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// invoiceObject decodes the invoice fields used here. The subscription ID
// moved under parent.subscription_details in newer API versions, so both
// locations are read.
type invoiceObject struct {
	ID           string          `json:"id"`
	Customer     json.RawMessage `json:"customer"`
	Subscription json.RawMessage `json:"subscription"`
	AttemptCount int64           `json:"attempt_count"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (o invoiceObject) subscriptionID() string {
	if id := expandableID(o.Subscription); id != "" {
		return id
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		return expandableID(o.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// expandableID reads a field that is either an ID string or an expanded
// object with an "id" key.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func malformed(msg string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeValidationMalformedPayload, msg, err)
}

// Parse decodes a verified payload. It must only be called after the
// signature check has passed.
func Parse(payload []byte, receivedAt time.Time) (Event, error) {
	var env stripe.Event
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, malformed("webhook payload is not a valid event envelope", err)
	}
	if env.ID == "" || env.Type == "" {
		return Event{}, malformed("webhook event is missing id or type", nil)
	}

	ev := Event{
		ID:         env.ID,
		Kind:       EventKind(env.Type),
		ReceivedAt: receivedAt,
		Livemode:   env.Livemode,
	}
	if env.Created > 0 {
		ev.Created = time.Unix(env.Created, 0).UTC()
	}

	payloadVariant, err := decodeObject(ev.Kind, env.Data)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = payloadVariant
	return ev, nil
}

func decodeObject(kind EventKind, data *stripe.EventData) (EventPayload, error) {
	switch kind {
	case KindCheckoutSessionCompleted, KindInvoicePaid, KindInvoicePaymentFailed,
		KindSubscriptionUpdated, KindSubscriptionDeleted:
	default:
		return UnknownEvent{Type: string(kind)}, nil
	}

	if data == nil || len(data.Raw) == 0 {
		return nil, malformed(fmt.Sprintf("%s event has no data object", kind), nil)
	}

	switch kind {
	case KindCheckoutSessionCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(data.Raw, &s); err != nil {
			return nil, malformed("checkout session object does not decode", err)
		}
		out := CheckoutSessionCompleted{
			SessionID:         s.ID,
			ClientReferenceID: s.ClientReferenceID,
			Metadata:          s.Metadata,
		}
		if s.Customer != nil {
			out.CustomerID = s.Customer.ID
		}
		if s.Subscription != nil {
			out.SubscriptionID = s.Subscription.ID
		}
		return out, nil

	case KindSubscriptionUpdated, KindSubscriptionDeleted:
		var s stripe.Subscription
		if err := json.Unmarshal(data.Raw, &s); err != nil {
			return nil, malformed("subscription object does not decode", err)
		}
		if s.ID == "" {
			return nil, malformed("subscription object has no id", nil)
		}
		var customerID string
		if s.Customer != nil {
			customerID = s.Customer.ID
		}
		if kind == KindSubscriptionDeleted {
			return SubscriptionDeleted{SubscriptionID: s.ID, CustomerID: customerID, Metadata: s.Metadata}, nil
		}
		return SubscriptionUpdated{
			SubscriptionID: s.ID,
			CustomerID:     customerID,
			Status:         string(s.Status),
			Metadata:       s.Metadata,
		}, nil

	default: // invoices
		var inv invoiceObject
		if err := json.Unmarshal(data.Raw, &inv); err != nil {
			return nil, malformed("invoice object does not decode", err)
		}
		if kind == KindInvoicePaid {
			return InvoicePaid{
				InvoiceID:      inv.ID,
				CustomerID:     expandableID(inv.Customer),
				SubscriptionID: inv.subscriptionID(),
			}, nil
		}
		return InvoicePaymentFailed{
			InvoiceID:      inv.ID,
			CustomerID:     expandableID(inv.Customer),
			SubscriptionID: inv.subscriptionID(),
			AttemptCount:   inv.AttemptCount,
		}, nil
	}
}
