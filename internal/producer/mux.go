/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package producer arbitrates the write side of the ring. Exactly one
// producer — the playlist or a live source — holds the write capability at a
// time; every write goes through the mux so a demoted producer cannot slip
// stale bytes into the ring after a switch.
package producer

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skaldradio/skald/internal/events"
	"github.com/skaldradio/skald/internal/ring"
	"github.com/skaldradio/skald/internal/stats"
)

var (
	// ErrSourceActive rejects a second source while one is live.
	ErrSourceActive = errors.New("a live source is already connected")

	// ErrNotOwner is returned when a producer writes without holding the
	// write capability. The caller backs off and retries.
	ErrNotOwner = errors.New("producer does not own the ring")
)

// Mode identifies the producer currently feeding the ring.
type Mode int

const (
	ModeNone Mode = iota
	ModePlaylist
	ModeSource
)

func (m Mode) String() string {
	switch m {
	case ModePlaylist:
		return "playlist"
	case ModeSource:
		return "source"
	default:
		return "none"
	}
}

// Playlist is the control surface the mux needs from the fallback producer.
type Playlist interface {
	Pause()
	Resume()
	CurrentTitle() string
}

// Session describes the active live source.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
}

// Mux is the switching state machine between the playlist and a live source.
// The ring is cleared on every transition so listeners never splice two
// bitstreams together mid-frame.
type Mux struct {
	ring     *ring.Buffer
	playlist Playlist
	counters *stats.Counters
	bus      *events.Bus
	logger   zerolog.Logger

	mu          sync.Mutex
	mode        Mode
	session     Session
	sourceTitle string
}

// NewMux creates the mux in ModeNone; call Start to enter playlist mode.
func NewMux(rb *ring.Buffer, pl Playlist, counters *stats.Counters, bus *events.Bus, logger zerolog.Logger) *Mux {
	return &Mux{
		ring:     rb,
		playlist: pl,
		counters: counters,
		bus:      bus,
		logger:   logger.With().Str("component", "producer").Logger(),
	}
}

// Start grants the write capability to the playlist. Source mode is only ever
// entered through AcquireSource.
func (m *Mux) Start() {
	m.mu.Lock()
	m.mode = ModePlaylist
	m.mu.Unlock()
	m.playlist.Resume()
}

// Mode returns the current producer mode.
func (m *Mux) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Write appends p to the ring on behalf of the producer running in mode. It
// returns ErrNotOwner when that producer no longer holds the capability, and
// otherwise the ring's verdict.
func (m *Mux) Write(mode Mode, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != mode {
		return ErrNotOwner
	}
	return m.ring.Write(p)
}

// Fill reports the ring's current fill fraction, used by producers to scale
// their retry pause.
func (m *Mux) Fill() float64 {
	return m.ring.FillPercent()
}

// AcquireSource transitions Playlist -> Source: the playlist is paused, the
// ring cleared, and the capability handed to the session. A second concurrent
// source is rejected with ErrSourceActive.
func (m *Mux) AcquireSource(sess Session) error {
	m.mu.Lock()
	if m.mode == ModeSource {
		m.mu.Unlock()
		return ErrSourceActive
	}
	// Flipping the mode first revokes the playlist's write capability; the
	// Pause below just stops it from spinning on rejected writes.
	m.mode = ModeSource
	m.session = sess
	m.sourceTitle = ""
	m.mu.Unlock()

	m.playlist.Pause()

	m.mu.Lock()
	if m.mode == ModeSource && m.session.ID == sess.ID {
		m.ring.Clear()
	}
	m.mu.Unlock()

	m.counters.SetSourceConnected(true)
	m.logger.Info().
		Str("session_id", sess.ID).
		Str("remote_addr", sess.RemoteAddr).
		Msg("live source took over")
	m.bus.Publish(events.EventProducerSwitch, events.Payload{
		"mode":       ModeSource.String(),
		"session_id": sess.ID,
	})
	// The live title is unknown until the source announces one.
	m.bus.Publish(events.EventNowPlaying, events.Payload{
		"title": "",
	})
	return nil
}

// ReleaseSource transitions Source -> Playlist when the named session ends.
// A release for a session that is no longer current is ignored, which makes
// the call idempotent.
func (m *Mux) ReleaseSource(sessionID string) {
	m.mu.Lock()
	if m.mode != ModeSource || m.session.ID != sessionID {
		m.mu.Unlock()
		return
	}
	m.mode = ModePlaylist
	m.session = Session{}
	m.sourceTitle = ""
	m.ring.Clear()
	m.mu.Unlock()

	m.counters.SetSourceConnected(false)
	m.playlist.Resume()
	m.logger.Info().
		Str("session_id", sessionID).
		Msg("live source ended, playlist resumed")
	m.bus.Publish(events.EventProducerSwitch, events.Payload{
		"mode":       ModePlaylist.String(),
		"session_id": sessionID,
	})
	m.bus.Publish(events.EventNowPlaying, events.Payload{
		"title": m.playlist.CurrentTitle(),
	})
}

// Session returns the active source session, if any.
func (m *Mux) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.mode == ModeSource
}

// SetSourceTitle records the stream title announced by the live source.
func (m *Mux) SetSourceTitle(sessionID, title string) {
	m.mu.Lock()
	accepted := m.mode == ModeSource && m.session.ID == sessionID
	if accepted {
		m.sourceTitle = title
	}
	m.mu.Unlock()

	if accepted {
		m.bus.Publish(events.EventNowPlaying, events.Payload{
			"title": title,
		})
	}
}

// NowPlaying returns the title of whatever is feeding the ring: the source's
// announced title while live, the playlist's current track otherwise.
func (m *Mux) NowPlaying() string {
	m.mu.Lock()
	mode := m.mode
	title := m.sourceTitle
	m.mu.Unlock()

	if mode == ModeSource {
		return title
	}
	return m.playlist.CurrentTitle()
}

// Backoff returns the producer retry pause for a rejected write, scaled
// linearly from 5ms on an empty ring to 20ms on a full one.
func Backoff(fill float64) time.Duration {
	if fill < 0 {
		fill = 0
	}
	if fill > 1 {
		fill = 1
	}
	return 5*time.Millisecond + time.Duration(fill*float64(15*time.Millisecond))
}
