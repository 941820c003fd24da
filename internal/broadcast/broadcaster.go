/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package broadcast owns the read side of the ring: a single goroutine reads
// fixed-size chunks and fans them out to every connected listener. Each
// listener drains its own bounded queue; a listener whose queue is full when
// a chunk arrives is evicted so one slow client can never stall the rest.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/skaldradio/skald/internal/events"
	"github.com/skaldradio/skald/internal/ring"
	"github.com/skaldradio/skald/internal/stats"
)

// ErrListenerLimit rejects a connection beyond the configured maximum.
var ErrListenerLimit = errors.New("listener limit reached")

// emptyReadThreshold is how many consecutive empty ring reads put the
// broadcaster into its long sleep.
const emptyReadThreshold = 10

// sleepEmpty is the long sleep used once the ring has been empty for a while.
const sleepEmpty = 20 * time.Millisecond

// Listener is one connected client, owned by its HTTP handler. The
// broadcaster holds it in the registry by id only and drops it on the first
// failed delivery.
type Listener struct {
	id          uint64
	remoteAddr  string
	connectedAt time.Time

	queue chan []byte
	done  chan struct{}

	bytesSent atomic.Int64
	closeOnce sync.Once
}

// ID returns the listener's unique, monotonically increasing id.
func (l *Listener) ID() uint64 { return l.id }

// RemoteAddr returns the client address recorded at registration.
func (l *Listener) RemoteAddr() string { return l.remoteAddr }

// ConnectedAt returns the registration time.
func (l *Listener) ConnectedAt() time.Time { return l.connectedAt }

// Queue is the bounded chunk stream the handler drains.
func (l *Listener) Queue() <-chan []byte { return l.queue }

// Done is closed when the broadcaster evicts the listener or shuts down.
func (l *Listener) Done() <-chan struct{} { return l.done }

// BytesSent returns the number of payload bytes written to the client.
func (l *Listener) BytesSent() int64 { return l.bytesSent.Load() }

// AddBytesSent records payload bytes written by the handler.
func (l *Listener) AddBytesSent(n int) { l.bytesSent.Add(int64(n)) }

func (l *Listener) close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Config tunes the broadcaster.
type Config struct {
	ChunkSize    int
	QueueChunks  int
	MaxListeners int // 0 = unlimited
	SleepHigh    time.Duration
	SleepMedium  time.Duration
	SleepLow     time.Duration
}

// Broadcaster fans ring chunks out to the listener registry.
type Broadcaster struct {
	cfg      Config
	ring     *ring.Buffer
	counters *stats.Counters
	bus      *events.Bus
	logger   zerolog.Logger

	nextID atomic.Uint64

	mu        sync.RWMutex
	listeners map[uint64]*Listener
	closed    bool
}

// New creates a broadcaster over rb.
func New(cfg Config, rb *ring.Buffer, counters *stats.Counters, bus *events.Bus, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		cfg:       cfg,
		ring:      rb,
		counters:  counters,
		bus:       bus,
		logger:    logger.With().Str("component", "broadcast").Logger(),
		listeners: make(map[uint64]*Listener),
	}
}

// Register adds a listener and returns it. The handler must call Unregister
// when it returns.
func (b *Broadcaster) Register(remoteAddr string) (*Listener, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("broadcaster is shut down")
	}
	if b.cfg.MaxListeners > 0 && len(b.listeners) >= b.cfg.MaxListeners {
		b.mu.Unlock()
		return nil, ErrListenerLimit
	}

	l := &Listener{
		id:          b.nextID.Add(1),
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		queue:       make(chan []byte, b.cfg.QueueChunks),
		done:        make(chan struct{}),
	}
	b.listeners[l.id] = l
	count := len(b.listeners)
	b.mu.Unlock()

	b.counters.ListenerConnected()
	b.logger.Info().
		Uint64("listener_id", l.id).
		Str("remote_addr", remoteAddr).
		Int("listeners", count).
		Msg("listener connected")
	b.bus.Publish(events.EventListenerStats, events.Payload{
		"listeners": count,
		"event":     "connect",
	})
	return l, nil
}

// Unregister removes a listener. Calling it twice, or after an eviction, has
// the same effect as one call.
func (b *Broadcaster) Unregister(id uint64) {
	b.remove(id, "disconnect")
}

// IsActive reports whether the listener is still registered, letting the
// handler distinguish a client disconnect from an eviction.
func (b *Broadcaster) IsActive(id uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.listeners[id]
	return ok
}

// ListenerCount returns the registry size.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Broadcaster) remove(id uint64, reason string) {
	b.mu.Lock()
	l, ok := b.listeners[id]
	if ok {
		delete(b.listeners, id)
	}
	count := len(b.listeners)
	b.mu.Unlock()

	if !ok {
		return
	}

	l.close()
	b.counters.ListenerDisconnected()
	b.logger.Info().
		Uint64("listener_id", id).
		Str("reason", reason).
		Int64("bytes_sent", l.BytesSent()).
		Int("listeners", count).
		Msg("listener removed")
	b.bus.Publish(events.EventListenerStats, events.Payload{
		"listeners": count,
		"event":     reason,
	})
}

// Run is the broadcaster main loop: read a chunk when one is available, fan
// it out, and pace ring polling by fill level so a starved ring never busy
// loops. Returns when ctx is cancelled, after closing every listener.
func (b *Broadcaster) Run(ctx context.Context) error {
	scratch := make([]byte, b.cfg.ChunkSize)
	emptyReads := 0

	for {
		if err := ctx.Err(); err != nil {
			b.shutdown()
			return err
		}

		if b.ring.Read(scratch) {
			emptyReads = 0
			// Fresh copy per chunk: it is shared read-only by every queue.
			chunk := make([]byte, len(scratch))
			copy(chunk, scratch)
			b.fanOut(chunk)

			fill := b.ring.FillPercent()
			b.counters.SetRingFill(fill)
			b.sleep(ctx, b.tierSleep(fill))
			continue
		}

		emptyReads++
		b.counters.SetRingFill(b.ring.FillPercent())
		if emptyReads >= emptyReadThreshold {
			b.sleep(ctx, sleepEmpty)
		} else {
			b.sleep(ctx, b.cfg.SleepLow)
		}
	}
}

// tierSleep maps ring fill to the configured poll interval. The config layer
// guarantees SleepHigh <= SleepMedium <= SleepLow.
func (b *Broadcaster) tierSleep(fill float64) time.Duration {
	switch {
	case fill > 0.8:
		return b.cfg.SleepHigh
	case fill >= 0.5:
		return b.cfg.SleepMedium
	default:
		return b.cfg.SleepLow
	}
}

func (b *Broadcaster) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// fanOut tries a non-blocking put of chunk on every listener queue. Queues
// that are full mark their listener for eviction.
func (b *Broadcaster) fanOut(chunk []byte) {
	var evicted []uint64

	b.mu.RLock()
	for id, l := range b.listeners {
		select {
		case l.queue <- chunk:
		default:
			evicted = append(evicted, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range evicted {
		b.logger.Warn().Uint64("listener_id", id).Msg("evicting slow listener")
		b.remove(id, "evicted")
	}
}

// shutdown closes every listener so their handlers unwind.
func (b *Broadcaster) shutdown() {
	b.mu.Lock()
	b.closed = true
	listeners := make([]*Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.listeners = make(map[uint64]*Listener)
	b.mu.Unlock()

	for _, l := range listeners {
		l.close()
		b.counters.ListenerDisconnected()
	}
	b.logger.Info().Int("listeners", len(listeners)).Msg("broadcaster stopped")
}
