package domain

import (
	"context"
	"io"
)

// ObjectStore keeps ledger archives in object storage. Keys are
// slash-separated; List returns them in lexical order.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
