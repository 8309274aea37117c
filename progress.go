package modsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Stage is a progress milestone of one key's sync.
type Stage uint8

const (
	StageChecking Stage = iota
	StageDownloading
	StageParsing
	StageSaving
	StageComplete
	StageError
)

func (s Stage) String() string {
	switch s {
	case StageChecking:
		return "checking"
	case StageDownloading:
		return "downloading"
	case StageParsing:
		return "parsing"
	case StageSaving:
		return "saving"
	case StageComplete:
		return "complete"
	case StageError:
		return "error"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Event is one progress observation. BytesTotal is -1 when the size is not
// known in advance.
type Event struct {
	Key         string
	Stage       Stage
	BytesLoaded int64
	BytesTotal  int64
	Err         error // set on StageError
	At          time.Time
}

// Reporter consumes progress events. Reporters run on the sync goroutine and
// must not block; a panicking reporter is ignored.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(ev Event) { f(ev) }

// Subscription is a stream of progress events for every key the engine syncs.
// Events are dropped while the buffer is full.
type Subscription struct {
	ch      chan Event
	hub     *hub
	once    sync.Once
	dropped uint64 // guarded by hub.mu
}

// Events returns the stream. It is closed by Close or Engine.Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events did not fit the buffer.
func (s *Subscription) Dropped() uint64 {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.dropped
}

func (s *Subscription) Close() { s.hub.remove(s) }

// hub fans events out to subscriptions without blocking the publisher.
type hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newHub() *hub { return &hub{subs: make(map[*Subscription]struct{})} }

func (h *hub) subscribe(buf int) *Subscription {
	if buf <= 0 {
		buf = 64
	}
	s := &Subscription{ch: make(chan Event, buf), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		s.once.Do(func() {})
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *hub) publish(ev Event) {
	h.mu.RLock()
	var full []*Subscription
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			full = append(full, s)
		}
	}
	h.mu.RUnlock()
	if len(full) == 0 {
		return
	}
	h.mu.Lock()
	for _, s := range full {
		s.dropped++
	}
	h.mu.Unlock()
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.once.Do(func() {
		delete(h.subs, s)
		close(s.ch)
	})
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		s.once.Do(func() { close(s.ch) })
		delete(h.subs, s)
	}
}

// ByteProgressFunc receives transfer counters; total is -1 when unknown.
type ByteProgressFunc func(loaded, total int64)

type byteProgressKey struct{}

// WithByteProgress attaches fn to ctx. Remote implementations call
// ReportBytes while reading bodies and the engine turns the counters into
// StageDownloading events.
func WithByteProgress(ctx context.Context, fn ByteProgressFunc) context.Context {
	return context.WithValue(ctx, byteProgressKey{}, fn)
}

// ReportBytes forwards counters to the callback attached to ctx, if any.
func ReportBytes(ctx context.Context, loaded, total int64) {
	if fn, ok := ctx.Value(byteProgressKey{}).(ByteProgressFunc); ok && fn != nil {
		fn(loaded, total)
	}
}

// emitter delivers one key's events to the caller's reporter and the hub
// (nil hub => reporter only).
type emitter struct {
	key string
	rep Reporter
	hub *hub
	now func() time.Time
}

func (em emitter) emit(st Stage, loaded, total int64, err error) {
	ev := Event{Key: em.key, Stage: st, BytesLoaded: loaded, BytesTotal: total, Err: err, At: em.now()}
	if em.rep != nil {
		func() {
			defer func() { _ = recover() }()
			em.rep.Report(ev)
		}()
	}
	if em.hub != nil {
		em.hub.publish(ev)
	}
}
