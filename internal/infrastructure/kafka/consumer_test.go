package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_CommitsOnlyHandledMessages(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Key: []byte("a"), Value: []byte("1"), Offset: 1},
		{Key: []byte("b"), Value: []byte("2"), Offset: 2},
		{Key: []byte("c"), Value: []byte("3"), Offset: 3},
	}}
	c := newConsumer(reader, zap.NewNop())

	var seen []string
	err := c.Consume(context.Background(), func(ctx context.Context, key, value []byte) error {
		seen = append(seen, string(key))
		if string(key) == "b" {
			return errors.New("boom")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, []int64{1, 3}, reader.committed)
}

func TestConsumer_StopsOnCancelledContext(t *testing.T) {
	c := newConsumer(&blockingReader{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Consume(ctx, func(context.Context, []byte, []byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

type blockingReader struct{ fakeReader }

func (r *blockingReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}
