package storage

import (
	"context"
	"errors"
)

/*
Storage providers hold the persisted segment objects. Object IDs are slash
separated paths; each provider maps them onto its own namespace.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrObjectNotFound is returned when an object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Provider is the interface for segment object storage.
type Provider interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	String() string
}
