package frame

import (
	"sync"
	"time"
)

// Replay caches the frames a device sends during a fixed window after its
// first frame. The device answers a client's config request with a burst of
// frames, and clients that connect after the burst get it replayed instead of
// waiting on a fresh request.
type Replay struct {
	mu     sync.Mutex
	window time.Duration
	start  time.Time
	frames [][]byte
	now    func() time.Time
}

// NewReplay creates a cache; a window of zero or less disables caching
func NewReplay(window time.Duration) *Replay {
	return &Replay{window: window, now: time.Now}
}

// Add records f if the window is still open. It reports whether f was cached.
func (r *Replay) Add(f Frame) bool {
	if r == nil || r.window <= 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.start.IsZero() {
		r.start = now
	}
	if now.Sub(r.start) >= r.window {
		return false
	}
	r.frames = append(r.frames, f.Bytes())
	return true
}

// Complete reports whether the window has closed with frames cached
func (r *Replay) Complete() bool {
	if r == nil || r.window <= 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completeLocked()
}

func (r *Replay) completeLocked() bool {
	return !r.start.IsZero() && r.now().Sub(r.start) >= r.window && len(r.frames) > 0
}

// Frames returns the encoded cached frames once the window has closed, nil before
func (r *Replay) Frames() [][]byte {
	if r == nil || r.window <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.completeLocked() {
		return nil
	}
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

// Len returns the number of cached frames
func (r *Replay) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Reset empties the cache and restarts the window on the next frame
func (r *Replay) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = time.Time{}
	r.frames = nil
}
