package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestKafkaProducerReusesWriterPerTopic(t *testing.T) {
	p := NewKafkaProducer(ProducerConfig{Brokers: []string{"127.0.0.1:1"}})

	first, err := p.writer("activity_events")
	require.NoError(t, err)
	again, err := p.writer("activity_events")
	require.NoError(t, err)
	other, err := p.writer("activity_audit")
	require.NoError(t, err)

	require.Same(t, first, again)
	require.NotSame(t, first, other)
	require.Equal(t, 50*time.Millisecond, first.BatchTimeout)
	require.Equal(t, 10*time.Second, first.WriteTimeout)
	require.IsType(t, &kafka.Hash{}, first.Balancer)
	require.NoError(t, p.Close())
}

func TestKafkaProducerRejectsWritesAfterClose(t *testing.T) {
	p := NewKafkaProducer(ProducerConfig{Brokers: []string{"127.0.0.1:1"}})
	require.NoError(t, p.Close())

	err := p.WriteMessages(context.Background(), "activity_events", kafka.Message{Value: []byte("{}")})
	require.ErrorIs(t, err, errProducerClosed)
}

func TestCountByEventTypeLabelsUntypedEvents(t *testing.T) {
	untyped := message(9, "activity_events")
	untyped.EventType = ""
	before := testutil.ToFloat64(failedCounter.WithLabelValues("unknown"))

	countByEventType(failedCounter, []Message{untyped, untyped})

	require.InDelta(t, before+2, testutil.ToFloat64(failedCounter.WithLabelValues("unknown")), 0.0001)
}
