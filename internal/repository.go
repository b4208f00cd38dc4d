package internal

import (
	"context"
	"io"
)

// Repository stores opaque objects under slash separated keys.
type Repository interface {
	Write(ctx context.Context, key string, reader io.Reader) error
}
