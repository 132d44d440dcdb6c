package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_RegisterAndLookup(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Register(KindInvoicePaid, func(context.Context, Event) error {
		called = true
		return nil
	})

	fn, ok := d.Handler(KindInvoicePaid)
	require.True(t, ok)
	require.NoError(t, fn(context.Background(), Event{}))
	assert.True(t, called)

	_, ok = d.Handler(KindInvoicePaymentFailed)
	assert.False(t, ok)
	assert.Equal(t, []EventKind{KindInvoicePaid}, d.Kinds())
}

func TestDispatcher_DuplicateRegistrationPanics(t *testing.T) {
	d := NewDispatcher()
	noop := func(context.Context, Event) error { return nil }
	d.Register(KindInvoicePaid, noop)

	assert.Panics(t, func() { d.Register(KindInvoicePaid, noop) })
}
