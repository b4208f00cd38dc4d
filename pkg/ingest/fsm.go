package ingest

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
)

type State string

const (
	StateIdle        State = "idle"
	StateStatsReset  State = "stats_reset"
	StateDownloading State = "downloading"
	StateExtracting  State = "extracting"
	StateProcessing  State = "processing"
	StateDone        State = "done"
	StateError       State = "error"
)

// FSM tracks the phase of a single ingestion run.
type FSM struct {
	mu          sync.Mutex
	Transitions map[State]map[State]struct{}

	current State
	logger  *zap.Logger
}

type FSMOption func(*FSM)

func FSMWithLogger(logger *zap.Logger) FSMOption {
	return func(f *FSM) {
		f.logger = logger
	}
}

func FSMWithInitialState(state State) FSMOption {
	return func(f *FSM) {
		f.current = state
	}
}

func NewFSM(opts ...FSMOption) *FSM {
	f := &FSM{
		current: StateIdle,
		logger:  zap.NewNop(),

		Transitions: map[State]map[State]struct{}{
			StateIdle: {
				StateStatsReset: {},
			},
			StateStatsReset: {
				StateDownloading: {},
				StateError:       {}, // working directory could not be prepared
			},
			StateDownloading: {
				StateExtracting: {},
				StateError:      {},
			},
			StateExtracting: {
				StateProcessing: {},
				StateError:      {},
			},
			StateProcessing: {
				StateDone:  {},
				StateError: {},
			},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *FSM) canTransition(to State) bool {
	if _, ok := f.Transitions[f.current][to]; ok {
		return true
	}
	return false
}

func (f *FSM) Transition(to State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.canTransition(to) {
		f.logger.Error("Invalid state transition",
			zap.String("from", string(f.current)),
			zap.String("to", string(to)),
		)
		return ErrInvalidTransition
	}
	previous := f.current
	f.current = to

	f.logger.Info("State transitioned",
		zap.String("state", string(f.current)),
		zap.String("from", string(previous)),
	)
	return nil
}
