package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// RecordArchiver writes ledger sessions as JSONL objects. Each flush of a
// session uploads the records appended since the previous one as a new part:
//
//	<prefix>/ledger/2026-03-10/<session>-000001.jsonl
type RecordArchiver struct {
	store  domain.ObjectStore
	prefix string
}

// NewRecordArchiver creates a RecordArchiver over store.
func NewRecordArchiver(store domain.ObjectStore, prefix string) *RecordArchiver {
	return &RecordArchiver{store: store, prefix: prefix}
}

// Archive uploads one part of a session and returns the object key.
// Uploading the same part again overwrites it.
func (a *RecordArchiver) Archive(ctx context.Context, session string, part int, day time.Time, records []domain.OrderStateRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s part %d: %w", session, part, err)
	}
	key := a.Key(session, part, day)
	if err := a.store.Put(ctx, key, buf, "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive %s part %d: %w", session, part, err)
	}
	return key, nil
}

// Key returns the object key of a session part. Parts sort in upload order.
func (a *RecordArchiver) Key(session string, part int, day time.Time) string {
	return path.Join(a.dayPrefix(day), fmt.Sprintf("%s-%06d.jsonl", session, part))
}

func (a *RecordArchiver) dayPrefix(day time.Time) string {
	return path.Join(a.prefix, "ledger", day.UTC().Format(time.DateOnly))
}

// Load reads one archive back.
func (a *RecordArchiver) Load(ctx context.Context, key string) ([]domain.OrderStateRecord, error) {
	body, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	recs, err := unmarshalJSONL(body)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load %s: %w", key, err)
	}
	return recs, nil
}

// LoadDay reads every session part archived on day, in key order. A day without
// archives returns domain.ErrNotFound.
func (a *RecordArchiver) LoadDay(ctx context.Context, day time.Time) ([]domain.OrderStateRecord, error) {
	prefix := a.dayPrefix(day) + "/"
	keys, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("s3blob: no archives under %s: %w", prefix, domain.ErrNotFound)
	}
	var out []domain.OrderStateRecord
	for _, key := range keys {
		recs, err := a.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalJSONL(r io.Reader) ([]domain.OrderStateRecord, error) {
	var out []domain.OrderStateRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec domain.OrderStateRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w: %v", line, domain.ErrDataIntegrity, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("jsonl read: %w", err)
	}
	return out, nil
}
