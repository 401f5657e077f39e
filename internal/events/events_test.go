package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusPublishInOrder(t *testing.T) {
	var b Bus[int]
	var got []string

	b.Subscribe(func(v int) { got = append(got, "first") })
	b.Subscribe(func(v int) { got = append(got, "second") })
	b.Publish(1)

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	var b Bus[string]
	calls := 0

	unsub := b.Subscribe(func(string) { calls++ })
	b.Publish("a")
	unsub()
	unsub()
	b.Publish("b")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Len())
}

func TestBusUnsubscribeFromInsideListener(t *testing.T) {
	var b Bus[int]
	calls := 0

	var unsub Unsubscribe
	unsub = b.Subscribe(func(int) {
		calls++
		unsub()
	})
	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, 1, calls)
}
