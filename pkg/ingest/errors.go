package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInProgress is returned when a run of the same variant is already executing.
	ErrRunInProgress = errors.New("ingest: run already in progress")

	ErrNotFound = errors.New("record not found")
)

// BulkWriteError reports a batch that was only partially applied. Result
// holds the records that did reach the store.
type BulkWriteError struct {
	Result ApplyResult
	Failed int
	Err    error
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("bulk write: %d record(s) failed (created=%d updated=%d): %v",
		e.Failed, len(e.Result.Created), len(e.Result.Updated), e.Err)
}

func (e *BulkWriteError) Unwrap() error {
	return e.Err
}

// DeliveryError reports an event the stream did not acknowledge.
type DeliveryError struct {
	Key   string
	Topic string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %q to %s failed: %v", e.Key, e.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
