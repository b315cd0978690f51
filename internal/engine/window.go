package engine

import (
	"fmt"
	"time"

	"examguard/internal/model"
)

// Window buffers the frames of one session until size frames have arrived. Windows
// are tumbling: a closed window's frames are never part of the next one.
type Window struct {
	size   int
	frames []model.Frame
	lastTS time.Time
	seen   int
	closed int
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{size: size, frames: make([]model.Frame, 0, size)}
}

// Accepts reports whether ts keeps the session strictly time ordered.
func (w *Window) Accepts(ts time.Time) bool {
	return w.lastTS.IsZero() || ts.After(w.lastTS)
}

// Add appends the frame, stamping its ordinal within the session.
func (w *Window) Add(f model.Frame) model.Frame {
	f.Index = w.seen
	w.seen++
	w.lastTS = f.Timestamp
	w.frames = append(w.frames, f)
	return f
}

func (w *Window) Full() bool { return len(w.frames) >= w.size }
func (w *Window) Len() int   { return len(w.frames) }

// Resize applies a new window size to windows opened after the current one fills.
func (w *Window) Resize(size int) {
	if size > 0 {
		w.size = size
	}
}

// Drain closes the current window and returns its id and frames. The id is derived
// from the first frame so that replaying the same frames yields the same id.
func (w *Window) Drain(sessionID string) (string, []model.Frame) {
	if len(w.frames) == 0 {
		return "", nil
	}
	frames := w.frames
	w.frames = make([]model.Frame, 0, w.size)
	w.closed++
	return WindowID(sessionID, frames[0].Timestamp), frames
}

func WindowID(sessionID string, first time.Time) string {
	return fmt.Sprintf("%s:w%d", sessionID, first.UnixMicro())
}
