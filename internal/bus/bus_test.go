package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversInRegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	b.Subscribe("t", func(msg interface{}) error { order = append(order, 1); return nil })
	b.Subscribe("t", func(msg interface{}) error { order = append(order, 2); return nil })
	b.Publish("t", "x")
	require.Equal(t, []int{1, 2}, order)
}

func TestPublish_UnrelatedTopicNeverCalled(t *testing.T) {
	b := New()
	called := false
	b.Subscribe("a", func(msg interface{}) error { called = true; return nil })
	b.Publish("b", "x")
	require.False(t, called)
}

func TestPublish_HandlerErrorRaisesErrorEvent(t *testing.T) {
	b := New()
	boom := errors.New("boom")
	b.Subscribe("t", func(msg interface{}) error { return boom })

	var got ErrorEvent
	b.Subscribe(TopicError, func(msg interface{}) error {
		got = msg.(ErrorEvent)
		return nil
	})

	b.Publish("t", "x")
	require.Equal(t, "t", got.Source)
	require.Equal(t, boom, got.Err)
}

func TestPublish_ErrorTopicHandlerErrorDoesNotRecurse(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe(TopicError, func(msg interface{}) error {
		calls++
		return errors.New("error handler itself fails")
	})
	require.NotPanics(t, func() { b.Publish(TopicError, ErrorEvent{Source: "x"}) })
	require.Equal(t, 1, calls)
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	require.Equal(t, 0, b.SubscriberCount("t"))
	b.Subscribe("t", func(msg interface{}) error { return nil })
	b.Subscribe("t", func(msg interface{}) error { return nil })
	require.Equal(t, 2, b.SubscriberCount("t"))
}

func TestPublish_OneHandlerErrorDoesNotStopOthers(t *testing.T) {
	b := New()
	secondCalled := false
	b.Subscribe("t", func(msg interface{}) error { return errors.New("fail") })
	b.Subscribe("t", func(msg interface{}) error { secondCalled = true; return nil })
	b.Publish("t", "x")
	require.True(t, secondCalled)
}
