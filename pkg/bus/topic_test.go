package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFanOut(t *testing.T) {
	topic := NewTopic[int]("ticks", nil)
	a := topic.Subscribe(4)
	b := topic.Subscribe(4)

	topic.Publish(1)
	topic.Publish(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-b)
	assert.Equal(t, 2, <-b)
}

func TestTopicNeverBlocksOnSlowSubscriber(t *testing.T) {
	var drops []string
	topic := NewTopic[string]("signals", func(name string) { drops = append(drops, name) })
	slow := topic.Subscribe(1)

	topic.Publish("a")
	topic.Publish("b")
	topic.Publish("c")

	require.Equal(t, "a", <-slow)
	assert.Equal(t, uint64(2), topic.Dropped())
	assert.Equal(t, []string{"signals", "signals"}, drops)
}

func TestTopicClose(t *testing.T) {
	topic := NewTopic[int]("x", nil)
	ch := topic.Subscribe(1)
	topic.Close()
	topic.Publish(1)

	_, ok := <-ch
	assert.False(t, ok)

	late := topic.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
