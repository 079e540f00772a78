package warnings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave-analytics/tidewave/pkg/metrics"
)

type capturingProducer struct {
	messages []json.RawMessage
	err      error
}

func (p *capturingProducer) QueueJSON(topic, key string, v any) error {
	if p.err != nil {
		return p.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.messages = append(p.messages, data)
	return nil
}

func newSinkFixture(t *testing.T) (*Sink, *capturingProducer) {
	t.Helper()
	producer := &capturingProducer{}
	sink := NewSink(producer, "ingestion_warnings", time.Minute, metrics.New(prometheus.NewRegistry()))
	return sink, producer
}

func TestRecordPublishesWarning(t *testing.T) {
	sink, producer := newSinkFixture(t)

	sink.Record(context.Background(), 1, TypeInvalidEventUUID, map[string]any{"eventUuid": "nope"})

	require.Len(t, producer.messages, 1)
	var msg message
	require.NoError(t, json.Unmarshal(producer.messages[0], &msg))
	assert.Equal(t, int64(1), msg.TeamID)
	assert.Equal(t, TypeInvalidEventUUID, msg.Type)
	assert.Equal(t, "ingestion-worker", msg.Source)
	assert.JSONEq(t, `{"eventUuid":"nope"}`, msg.Details)
	_, err := time.Parse(time.RFC3339, msg.Timestamp)
	assert.NoError(t, err)
}

func TestRecordDebouncesRepeats(t *testing.T) {
	sink, producer := newSinkFixture(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		sink.Record(ctx, 1, TypeInvalidEventUUID, nil)
	}
	assert.Len(t, producer.messages, 1, "repeats within the interval are dropped")
}

func TestRecordDebouncePerTenantAndType(t *testing.T) {
	sink, producer := newSinkFixture(t)
	ctx := context.Background()

	sink.Record(ctx, 1, TypeInvalidEventUUID, nil)
	sink.Record(ctx, 2, TypeInvalidEventUUID, nil)
	sink.Record(ctx, 1, "another_warning", nil)
	sink.Record(ctx, 1, TypeInvalidEventUUID, nil) // debounced

	assert.Len(t, producer.messages, 3, "each (tenant, type) pair has its own budget")
}

func TestRecordSwallowsProducerFailure(t *testing.T) {
	sink, producer := newSinkFixture(t)
	producer.err = errors.New("broker unavailable")

	assert.NotPanics(t, func() {
		sink.Record(context.Background(), 1, TypeInvalidEventUUID, nil)
	})
	assert.Empty(t, producer.messages)
}
