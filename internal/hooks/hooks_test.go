package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunbase/bunbase/internal/schema"
)

func testEvent(t Type, collection string) *Event {
	return &Event{
		Context:    context.Background(),
		Type:       t,
		Collection: &schema.Collection{Name: collection},
		Data:       map[string]any{},
	}
}

func TestTriggerRunsInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var order []string

	r.On(BeforeCreate, "", func(e *Event, next func() error) error {
		order = append(order, "first:before")
		err := next()
		order = append(order, "first:after")
		return err
	})
	r.On(BeforeCreate, "", func(e *Event, next func() error) error {
		order = append(order, "second")
		return next()
	})

	require.NoError(t, r.Trigger(testEvent(BeforeCreate, "posts")))
	assert.Equal(t, []string{"first:before", "second", "first:after"}, order)
}

func TestTriggerFiltersByCollection(t *testing.T) {
	r := NewRegistry()
	var ran []string

	r.On(BeforeCreate, "", func(e *Event, next func() error) error {
		ran = append(ran, "global")
		return next()
	})
	r.On(BeforeCreate, "posts", func(e *Event, next func() error) error {
		ran = append(ran, "posts")
		return next()
	})
	r.On(BeforeCreate, "users", func(e *Event, next func() error) error {
		ran = append(ran, "users")
		return next()
	})

	require.NoError(t, r.Trigger(testEvent(BeforeCreate, "posts")))
	assert.Equal(t, []string{"global", "posts"}, ran)
}

func TestSoftCancelEndsChainSilently(t *testing.T) {
	r := NewRegistry()
	var ran []string

	r.On(BeforeCreate, "", func(e *Event, next func() error) error {
		ran = append(ran, "canceller")
		// Returning without calling next ends the chain.
		return nil
	})
	r.On(BeforeCreate, "", func(e *Event, next func() error) error {
		ran = append(ran, "unreached")
		return next()
	})

	require.NoError(t, r.Trigger(testEvent(BeforeCreate, "posts")))
	assert.Equal(t, []string{"canceller"}, ran)
}

func TestErrorAbortsChain(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	var ran []string

	r.On(BeforeUpdate, "", func(e *Event, next func() error) error {
		ran = append(ran, "first")
		return next()
	})
	r.On(BeforeUpdate, "", func(e *Event, next func() error) error {
		return boom
	})
	r.On(BeforeUpdate, "", func(e *Event, next func() error) error {
		ran = append(ran, "unreached")
		return next()
	})

	err := r.Trigger(testEvent(BeforeUpdate, "posts"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first"}, ran)
}

func TestHandlersMutateDataInPlace(t *testing.T) {
	r := NewRegistry()
	r.On(BeforeCreate, "", func(e *Event, next func() error) error {
		e.Data["status"] = "forced"
		return next()
	})

	e := testEvent(BeforeCreate, "posts")
	e.Data["status"] = "draft"
	require.NoError(t, r.Trigger(e))
	assert.Equal(t, "forced", e.Data["status"])
}

func TestTriggerWithNoHandlers(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.Trigger(testEvent(AfterDelete, "posts")))
}
