package cache

import (
	"fmt"
	"io"
	"os"
	"sync"

	songcdn "github.com/wannadance/songcdn"
)

// fill is the shared state between the single producer (FillTicket) and
// its passive subscribers. Bytes are appended to the .partial file and the
// committed offset is broadcast by closing and replacing the progress
// channel; each subscriber reads from its own descriptor, never past the
// committed offset.
type fill struct {
	m           *Manager
	key         songcdn.CacheKey
	partialPath string
	finalPath   string

	f  *os.File
	hw *songcdn.HashingWriter

	mu        sync.Mutex
	committed int64
	done      bool
	err       error
	progress  chan struct{}

	subs   int
	idled  bool
	idleCh chan struct{}
}

// addSubscriber counts one attached consumer. Callers hold m.mu.
func (f *fill) addSubscriber() {
	f.mu.Lock()
	f.subs++
	f.mu.Unlock()
}

// dropSubscriber releases one consumer and signals idle when the last one
// detaches.
func (f *fill) dropSubscriber() {
	f.mu.Lock()
	f.subs--
	if f.subs <= 0 && !f.idled {
		f.idled = true
		close(f.idleCh)
	}
	f.mu.Unlock()
}

// publish wakes every waiting subscriber. Callers hold f.mu.
func (f *fill) publish() {
	close(f.progress)
	f.progress = make(chan struct{})
}

// snapshot returns the current producer state and the channel to wait on
// if no progress is available yet.
func (f *fill) snapshot() (committed int64, done bool, err error, progress chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed, f.done, f.err, f.progress
}

// FillTicket is the authoritative producer for one cache key while it is
// filling. At most one ticket exists per key; concurrent requesters attach
// as subscribers instead.
type FillTicket struct {
	f *fill
}

// Key returns the cache key this ticket fills.
func (t *FillTicket) Key() songcdn.CacheKey {
	return t.f.key
}

// BytesWritten returns the total bytes written to the entry so far.
func (t *FillTicket) BytesWritten() int64 {
	return t.f.hw.BytesWritten()
}

// Idle returns a channel closed when the last attached subscriber
// detaches. Producers that should not outlive their consumers watch this
// to stop the fill.
func (t *FillTicket) Idle() <-chan struct{} {
	return t.f.idleCh
}

// Write appends bytes to the entry and makes them visible to all current
// subscribers in write order. A disk failure is reported as ErrCacheIO;
// the caller is expected to Abort.
func (t *FillTicket) Write(p []byte) (int, error) {
	n, err := t.f.hw.Write(p)
	if n > 0 {
		t.f.mu.Lock()
		t.f.committed += int64(n)
		t.f.publish()
		t.f.mu.Unlock()
	}
	if err != nil {
		return n, fmt.Errorf("%w: %v", songcdn.ErrCacheIO, err)
	}
	return n, nil
}

// Complete durably finalizes the entry: fsync, rename away the .partial
// suffix, record the completion marker, and transition to Ready. Renaming
// does not disturb subscribers mid-read; their descriptors stay valid.
func (t *FillTicket) Complete() error {
	f := t.f

	if err := f.f.Sync(); err != nil {
		t.fail(fmt.Errorf("%w: syncing: %v", songcdn.ErrCacheIO, err))
		return fmt.Errorf("%w: syncing: %v", songcdn.ErrCacheIO, err)
	}
	if err := f.f.Close(); err != nil {
		t.fail(fmt.Errorf("%w: closing: %v", songcdn.ErrCacheIO, err))
		return fmt.Errorf("%w: closing: %v", songcdn.ErrCacheIO, err)
	}
	if err := os.Rename(f.partialPath, f.finalPath); err != nil {
		t.fail(fmt.Errorf("%w: renaming: %v", songcdn.ErrCacheIO, err))
		return fmt.Errorf("%w: renaming: %v", songcdn.ErrCacheIO, err)
	}

	if err := f.m.completeFill(f, f.hw.BytesWritten(), f.hw.Sum()); err != nil {
		// The artifact is on disk but the marker write failed; without the
		// marker it would be discarded on restart, so treat it as a failed
		// fill and remove the file.
		_ = os.Remove(f.finalPath)
		t.fail(err)
		return err
	}

	f.mu.Lock()
	f.done = true
	f.publish()
	f.mu.Unlock()
	return nil
}

// Abort discards all bytes written so far and releases the ticket. Every
// subscriber observes cause (or ErrCacheIO if nil) instead of a silent
// truncation, and a later request for the key may start a fresh fill.
func (t *FillTicket) Abort(cause error) {
	if cause == nil {
		cause = songcdn.ErrCacheIO
	}
	_ = t.f.f.Close()
	_ = os.Remove(t.f.partialPath)
	t.fail(cause)
}

func (t *FillTicket) fail(cause error) {
	f := t.f
	f.m.abortFill(f)

	f.mu.Lock()
	if !f.done {
		f.done = true
		f.err = cause
		f.publish()
	}
	f.mu.Unlock()
}

// Subscription streams the in-progress (or just-completed) fill for one
// passive consumer. It reads no faster than the producer commits but does
// not wait for the whole artifact. Close releases the consumer's hold on
// the entry.
type Subscription struct {
	f      *fill
	r      *os.File
	pos    int64
	closed bool
}

func newSubscription(f *fill) (*Subscription, error) {
	r, err := os.Open(f.partialPath)
	if err != nil {
		// The producer may have completed between admission and open.
		r, err = os.Open(f.finalPath)
		if err != nil {
			// Keep the underlying error visible: a vanished file means
			// the fill aborted while we were attaching, which callers
			// resolve by retrying rather than failing.
			return nil, fmt.Errorf("%w: opening fill for read: %w", songcdn.ErrCacheIO, err)
		}
	}
	return &Subscription{f: f, r: r}, nil
}

// Read implements io.Reader over the shared fill output.
func (s *Subscription) Read(p []byte) (int, error) {
	for {
		committed, done, err, progress := s.f.snapshot()

		if s.pos < committed {
			max := committed - s.pos
			if int64(len(p)) > max {
				p = p[:max]
			}
			n, rerr := s.r.ReadAt(p, s.pos)
			s.pos += int64(n)
			if rerr != nil && rerr != io.EOF {
				return n, fmt.Errorf("%w: reading fill: %v", songcdn.ErrCacheIO, rerr)
			}
			return n, nil
		}

		if done {
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}

		// Caught up with the producer; wait for the next commit.
		<-progress
	}
}

// Close releases the subscriber's reader handle. The shared fill, if
// still in progress, continues for the producer and other subscribers.
func (s *Subscription) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.f.m.releaseReader(s.f.key)
	s.f.dropSubscriber()
	return s.r.Close()
}
