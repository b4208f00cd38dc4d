package ingest

import (
	"context"

	"github.com/turbolytics/cpemirror/pkg/cpe"
)

// Document is a stored record together with its store identity.
type Document struct {
	ID string `json:"id"`
	cpe.Record
}

// Lookup reads single records back from a store.
type Lookup interface {
	// Get returns ErrNotFound when no record has name.
	Get(ctx context.Context, name string) (Document, error)
}
