package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/readbridge/pkg/logger"
	"github.com/redbco/readbridge/pkg/telemetry"
)

type fakeStore struct {
	pending   []Message
	published []uuid.UUID
	failed    map[uuid.UUID]string
	fetchErr  error
}

func newFakeStore(pending ...Message) *fakeStore {
	return &fakeStore{pending: pending, failed: make(map[uuid.UUID]string)}
}

func (s *fakeStore) FetchPending(ctx context.Context, limit int) ([]Message, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if limit < len(s.pending) {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *fakeStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	s.published = append(s.published, id)
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	s.failed[id] = errMsg
	return nil
}

type fakePublisher struct {
	published []publishedRecord
	failTopic string
}

type publishedRecord struct {
	topic string
	key   string
	value string
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	if topic == p.failTopic {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, publishedRecord{topic: topic, key: string(key), value: string(value)})
	return nil
}

func newTestRelay(store PendingStore, pub Publisher, opts ...RelayOption) *Relay {
	return NewRelay(store, pub, logger.New("outbox-test", "test"), telemetry.New(), opts...)
}

func TestRunOncePublishesBatch(t *testing.T) {
	m1 := NewMessage("t1", "tenant.data.changed", []byte(`{"Id":"a"}`))
	m2 := NewMessage("t2", "tenant.data.changed", []byte(`{"Id":"b"}`))
	store := newFakeStore(m1, m2)
	pub := &fakePublisher{}

	relay := newTestRelay(store, pub)
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, pub.published, 2)
	// records are keyed by tenant so one tenant's events share a partition
	assert.Equal(t, "t1", pub.published[0].key)
	assert.Equal(t, "t2", pub.published[1].key)

	assert.Equal(t, []uuid.UUID{m1.ID, m2.ID}, store.published)
	assert.Empty(t, store.failed)
}

func TestRunOnceMarksFailedAndContinues(t *testing.T) {
	bad := NewMessage("t1", "broken.topic", []byte(`{}`))
	good := NewMessage("t1", "tenant.data.changed", []byte(`{}`))
	store := newFakeStore(bad, good)
	pub := &fakePublisher{failTopic: "broken.topic"}

	relay := newTestRelay(store, pub)
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// the bad row is terminal and did not block the rest of the batch
	assert.Equal(t, "broker unavailable", store.failed[bad.ID])
	assert.Equal(t, []uuid.UUID{good.ID}, store.published)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "tenant.data.changed", pub.published[0].topic)
}

func TestRunOnceHonorsBatchSize(t *testing.T) {
	var pending []Message
	for i := 0; i < 5; i++ {
		pending = append(pending, NewMessage("t1", "tenant.data.changed", []byte(`{}`)))
	}
	store := newFakeStore(pending...)
	pub := &fakePublisher{}

	relay := newTestRelay(store, pub, WithBatchSize(3))
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, pub.published, 3)
}

func TestRunOnceReturnsStoreError(t *testing.T) {
	store := newFakeStore()
	store.fetchErr = errors.New("connection reset")

	relay := newTestRelay(store, &fakePublisher{})
	_, err := relay.RunOnce(context.Background())
	assert.ErrorContains(t, err, "connection reset")
}

func TestNewMessageDefaults(t *testing.T) {
	m := NewMessage("t1", "tenant.data.changed", []byte(`{}`))
	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.Equal(t, StatusPending, m.Status)
	assert.False(t, m.CreatedAt.IsZero())
	assert.Nil(t, m.ProcessedAt)
}
