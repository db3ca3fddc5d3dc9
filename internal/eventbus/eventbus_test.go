package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitInvokesRegisteredHandlers(t *testing.T) {
	b := New()
	var got []string
	b.On("task:start", func(e Event) { got = append(got, e.Fields["id"].(string)) })

	b.Emit(Event{Name: "task:start", Fields: map[string]any{"id": "A"}})
	b.Emit(Event{Name: "task:start", Fields: map[string]any{"id": "B"}})

	assert.Equal(t, []string{"A", "B"}, got)
}

func TestOffStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub := b.On("task:complete", func(Event) { count++ })
	b.Emit(Event{Name: "task:complete"})
	b.Off(sub)
	b.Emit(Event{Name: "task:complete"})

	assert.Equal(t, 1, count)
}

func TestEmitIgnoresUnrelatedEventNames(t *testing.T) {
	b := New()
	called := false
	b.On("task:failed", func(Event) { called = false })
	b.On("task:complete", func(Event) { called = true })

	b.Emit(Event{Name: "task:complete"})
	assert.True(t, called)
}
