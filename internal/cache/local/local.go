// Package local provides single-process stand-ins for the Redis-backed lock
// manager, rate limiter and signal bus, used when Redis is not configured
// (local runs with the SQLite store, tests).
package local

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// Limiter implements domain.RateLimiter with one token bucket per key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	maxKeys  int
}

// NewLimiter creates a Limiter tracking at most maxKeys buckets; once full,
// all buckets are dropped and rebuilt on demand.
func NewLimiter(maxKeys int) *Limiter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &Limiter{limiters: make(map[string]*rate.Limiter), maxKeys: maxKeys}
}

// Allow reports whether one more request for key fits: limit requests per
// window, refilled smoothly, with a burst of limit.
func (l *Limiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("local: rate limit %s: %w: limit %d window %s", key, domain.ErrInvalidInput, limit, window)
	}

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxKeys {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow(), nil
}

// Locks implements domain.LockManager inside one process.
type Locks struct {
	mu    sync.Mutex
	held  map[string]heldLock
	token uint64
}

type heldLock struct {
	token   uint64
	expires time.Time
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]heldLock)}
}

// Acquire takes key for ttl. An expired holder is treated as released.
func (l *Locks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, fmt.Errorf("local: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	l.token++
	token := l.token
	l.held[key] = heldLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

// Bus implements domain.SignalBus with in-memory fan-out and a bounded
// in-memory stream per name.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	streams map[string][]domain.StreamMessage
	lastID  streamID
	maxLen  int
}

// NewBus creates a Bus keeping at most maxLen entries per stream.
func NewBus(maxLen int) *Bus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Bus{
		subs:    make(map[string]map[chan []byte]struct{}),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to every current subscriber of channel. Slow
// subscribers whose buffer is full miss the message.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel until ctx
// is cancelled, at which point the returned channel is closed.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// StreamAppend appends payload to the named stream. Entry ids follow the
// Redis "<unix ms>-<seq>" layout, so a time-based cursor works on either bus.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := streamID{ms: uint64(time.Now().UnixMilli())}
	if id.ms <= b.lastID.ms {
		id = streamID{ms: b.lastID.ms, seq: b.lastID.seq + 1}
	}
	b.lastID = id

	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      id.String(),
		Payload: payload,
	})
	if len(msgs) > b.maxLen {
		msgs = msgs[len(msgs)-b.maxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start).
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseStreamID(lastID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := parseStreamID(m.ID)
		if !after.less(id) {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

type streamID struct {
	ms, seq uint64
}

func (id streamID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func (id streamID) less(o streamID) bool {
	return id.ms < o.ms || (id.ms == o.ms && id.seq < o.seq)
}

// parseStreamID accepts "<ms>", "<ms>-<seq>" and "0".
func parseStreamID(s string) (streamID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	if s == "" {
		return streamID{}, nil
	}
	var (
		id  streamID
		err error
	)
	if id.ms, err = strconv.ParseUint(msPart, 10, 64); err != nil {
		return streamID{}, fmt.Errorf("local: bad stream id %q: %w", s, domain.ErrInvalidInput)
	}
	if hasSeq {
		if id.seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
			return streamID{}, fmt.Errorf("local: bad stream id %q: %w", s, domain.ErrInvalidInput)
		}
	}
	return id, nil
}

// Compile-time interface checks.
var (
	_ domain.RateLimiter = (*Limiter)(nil)
	_ domain.LockManager = (*Locks)(nil)
	_ domain.SignalBus   = (*Bus)(nil)
)
