package preserver

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/turbolytics/cpemirror/pkg/ingest"
)

// Stdout writes each change event envelope as a json line instead of
// sending it to a broker.
type Stdout struct {
	mu     sync.Mutex
	w      io.Writer
	source ingest.EventSource
}

func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{
		w: w,
		source: ingest.EventSource{
			Version:   "1.0.0",
			Connector: "cpemirror",
			Name:      "stdout",
		},
	}
}

func (s *Stdout) Publish(ctx context.Context, event ingest.ChangeEvent) error {
	bs, err := event.Marshal(s.source)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(bs, '\n'))
	return err
}

func (s *Stdout) Flush(ctx context.Context) error {
	return nil
}

func (s *Stdout) Ping(ctx context.Context) error {
	return nil
}

func (s *Stdout) Close(ctx context.Context) error {
	return nil
}
