package s3blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

type memBucket struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemBucket() *memBucket {
	return &memBucket{objects: map[string][]byte{}, types: map[string]string{}}
}

func (b *memBucket) Put(_ context.Context, key string, body []byte, contentType string) error {
	b.objects[key] = append([]byte(nil), body...)
	b.types[key] = contentType
	return nil
}

func (b *memBucket) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *memBucket) Get(_ context.Context, key string) (io.ReadCloser, error) {
	raw, ok := b.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func TestArchiveRoundTrip(t *testing.T) {
	bucket := newMemBucket()
	a := NewRecordArchiver(bucket, "prod")
	at := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	recs := []domain.OrderStateRecord{
		{Seq: 1, Kind: domain.RecordTransition, OrderID: "o1", Order: domain.Order{ID: "o1", State: domain.OrderCreated}, RecordedAt: at},
		{Seq: 2, Kind: domain.RecordTransition, OrderID: "o1", Order: domain.Order{ID: "o1", State: domain.OrderSubmitting}, RecordedAt: at},
	}
	key, err := a.Archive(context.Background(), "sess-1", 1, at, recs)
	require.NoError(t, err)
	assert.Equal(t, "prod/ledger/2026-03-10/sess-1-000001.jsonl", key)
	assert.Equal(t, "application/x-ndjson", bucket.types[key])
	assert.Equal(t, 2, bytes.Count(bucket.objects[key], []byte("\n")))

	back, err := a.Load(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, domain.OrderSubmitting, back[1].Order.State)
	assert.Equal(t, int64(2), back[1].Seq)
}

func TestArchiveSkipsEmptySession(t *testing.T) {
	bucket := newMemBucket()
	key, err := NewRecordArchiver(bucket, "").Archive(context.Background(), "s", 1, time.Now(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, bucket.objects)
}

func TestLoadRejectsCorruptLine(t *testing.T) {
	bucket := newMemBucket()
	bucket.objects["bad.jsonl"] = []byte("{\"seq\":1}\nnot json\n")
	_, err := NewRecordArchiver(bucket, "").Load(context.Background(), "bad.jsonl")
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
}

func TestLoadDayConcatenatesSessions(t *testing.T) {
	bucket := newMemBucket()
	a := NewRecordArchiver(bucket, "prod")
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := func(id string) domain.OrderStateRecord {
		return domain.OrderStateRecord{Seq: 1, Kind: domain.RecordTransition, OrderID: id, Order: domain.Order{ID: id, State: domain.OrderCreated}, RecordedAt: day}
	}

	_, err := a.Archive(context.Background(), "sess-b", 1, day, []domain.OrderStateRecord{rec("b1")})
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), "sess-a", 2, day, []domain.OrderStateRecord{rec("a3")})
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), "sess-a", 1, day, []domain.OrderStateRecord{rec("a1"), rec("a2")})
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), "sess-c", 1, day.Add(24*time.Hour), []domain.OrderStateRecord{rec("c1")})
	require.NoError(t, err)

	recs, err := a.LoadDay(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "a1", recs[0].OrderID)
	assert.Equal(t, "a3", recs[2].OrderID, "parts of a session load in order")
	assert.Equal(t, "b1", recs[3].OrderID)

	_, err = a.LoadDay(context.Background(), day.Add(-24*time.Hour))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("https://e2.example.com", false))
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, ClientConfig{Region: "us-east-1"})
	assert.ErrorContains(t, err, "bucket")

	_, err = New(ctx, ClientConfig{Bucket: "b"})
	assert.ErrorContains(t, err, "region")

	_, err = New(ctx, ClientConfig{Bucket: "b", Region: "us-east-1", AccessKey: "only-half"})
	assert.ErrorContains(t, err, "together")

	c, err := New(ctx, ClientConfig{Bucket: "b", Region: "us-east-1", AccessKey: "k", SecretKey: "s", Endpoint: "minio:9000", ForcePathStyle: true})
	require.NoError(t, err)
	assert.Equal(t, "b", NewObjects(c).bucket)
}
