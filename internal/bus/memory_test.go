package bus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/agriscope/gleaner/internal/metrics"
)

func getCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.GetCounter().GetValue()
}

func TestMemoryBusFanout(t *testing.T) {
	b := NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	sub1, err := b.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)
	sub2, err := b.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "jobs", []byte("payload")))

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case d := <-sub.C():
			require.Equal(t, "jobs", d.Topic)
			require.Equal(t, []byte("payload"), d.Body)
			require.NoError(t, d.Ack())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	b := NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "other", []byte("x")))

	select {
	case d := <-sub.C():
		t.Fatalf("unexpected delivery on %q", d.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusDropMetrics(t *testing.T) {
	b := NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.Subscribe(context.Background(), "topic")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	initial := getCounterValue(t, metrics.BusDropsTotal.WithLabelValues("topic"))

	for i := 0; i < 100; i++ {
		_ = b.Publish(context.Background(), "topic", []byte("msg"))
	}

	final := getCounterValue(t, metrics.BusDropsTotal.WithLabelValues("topic"))
	require.Greater(t, final, initial, "expected bus drop counter to increase")
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus()

	sub, err := b.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	require.ErrorIs(t, b.Publish(context.Background(), "jobs", []byte("x")), ErrClosed)

	_, err = b.Subscribe(context.Background(), "jobs")
	require.ErrorIs(t, err, ErrClosed)

	select {
	case _, ok := <-sub.C():
		require.False(t, ok, "subscriber channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}

func TestMemorySubscriberClose(t *testing.T) {
	b := NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// publishing after unsubscribe must not panic or deliver
	require.NoError(t, b.Publish(context.Background(), "jobs", []byte("x")))

	_, ok := <-sub.C()
	require.False(t, ok, "channel should be closed after Close")
}
