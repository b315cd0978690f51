package detector

import (
	"context"
	"sync"
	"time"

	"examguard/internal/model"
)

// Stub returns a fixed sequence of results, one entry per call, cycling when the
// sequence is exhausted. ByIndex entries take precedence and are keyed by frame
// index, which keeps results stable under concurrent calls.
type Stub struct {
	mu       sync.Mutex
	sequence [][]model.RawDetection
	ByIndex  map[int][]model.RawDetection
	Delay    time.Duration
	Err      error
	calls    int
}

func NewStub(sequence [][]model.RawDetection) *Stub {
	return &Stub{sequence: sequence}
}

func (s *Stub) Detect(ctx context.Context, frame model.Frame) ([]model.RawDetection, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		return nil, s.Err
	}
	if dets, ok := s.ByIndex[frame.Index]; ok {
		return clone(dets), nil
	}
	if len(s.sequence) == 0 {
		return nil, nil
	}
	return clone(s.sequence[(s.calls-1)%len(s.sequence)]), nil
}

func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func clone(in []model.RawDetection) []model.RawDetection {
	if in == nil {
		return nil
	}
	out := make([]model.RawDetection, len(in))
	copy(out, in)
	return out
}
