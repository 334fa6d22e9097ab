package segment

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the delivery state of a segment's transcript.
type State int

const (
	// StateOpen - Partials may be delivered.
	StateOpen State = iota
	// StateFinalEmitted - Final delivered; only an overlay update may follow.
	StateFinalEmitted
	// StateClosed - Nothing more will be delivered.
	StateClosed
	// StateDropped - An error was delivered in place of the final.
	StateDropped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFinalEmitted:
		return "FINAL_EMITTED"
	case StateClosed:
		return "CLOSED"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal (CLOSED or DROPPED).
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateDropped
}

// Errors for invalid state transitions.
var (
	ErrSegmentClosed               = errors.New("segment is closed")
	ErrFinalAlreadyEmitted         = errors.New("final already emitted for this segment")
	ErrCannotEmitPartialAfterFinal = errors.New("cannot emit partial after final")
	ErrStalePartial                = errors.New("partial is older than the last one delivered")
)

// Lifecycle tracks what has been delivered for one segment. Thread-safe.
//
// State transitions:
//
//	OPEN → FINAL_EMITTED → CLOSED
//	  │         │
//	  │         └── EmitFinal() ──→ only once
//	  │
//	  ├── EmitPartial(gen) ──→ only with increasing gen
//	  │
//	  └── Drop() ──→ DROPPED (error delivered instead of a final)
type Lifecycle struct {
	mu             sync.RWMutex
	segmentID      uint64
	state          State
	lastPartialGen uint64
}

// NewLifecycle creates a new segment lifecycle in OPEN state.
func NewLifecycle(segmentID uint64) *Lifecycle {
	return &Lifecycle{
		segmentID: segmentID,
		state:     StateOpen,
	}
}

// SegmentID returns the segment ID.
func (l *Lifecycle) SegmentID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segmentID
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsClosed returns true if the segment is in a terminal state.
func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.IsTerminal()
}

// EmitPartial records delivery of a partial of generation gen. Partials that
// are not newer than the last delivered one are rejected.
func (l *Lifecycle) EmitPartial(gen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateOpen:
		if l.lastPartialGen != 0 && gen <= l.lastPartialGen {
			return ErrStalePartial
		}
		l.lastPartialGen = gen
		return nil
	case StateFinalEmitted:
		return ErrCannotEmitPartialAfterFinal
	case StateClosed, StateDropped:
		return ErrSegmentClosed
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// EmitFinal transitions to FINAL_EMITTED.
func (l *Lifecycle) EmitFinal() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateOpen:
		l.state = StateFinalEmitted
		return nil
	case StateFinalEmitted:
		return ErrFinalAlreadyEmitted
	case StateClosed, StateDropped:
		return ErrSegmentClosed
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// Close transitions the segment to CLOSED state. Idempotent, and a no-op on
// a dropped segment.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDropped {
		return
	}
	l.state = StateClosed
}

// Drop transitions the segment to DROPPED. Returns false if already terminal
// or if a final was already delivered.
func (l *Lifecycle) Drop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() || l.state == StateFinalEmitted {
		return false
	}
	l.state = StateDropped
	return true
}
