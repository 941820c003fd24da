/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/skaldradio/skald/internal/events"
	"github.com/skaldradio/skald/internal/producer"
	"github.com/skaldradio/skald/internal/ring"
	"github.com/skaldradio/skald/internal/stats"
)

// scanInterval is how often an idle producer re-walks an empty directory.
const scanInterval = 2 * time.Second

// pauseInterval is how often a paused producer checks whether it was resumed.
const pauseInterval = 20 * time.Millisecond

// Producer reads tracks from the playlist directory and pushes chunks into
// the ring. It does not rate-limit: the ring's rejections pace it at the
// broadcaster's drain rate.
type Producer struct {
	dir        string
	extensions []string
	shuffle    bool
	chunkSize  int

	mux      *producer.Mux
	counters *stats.Counters
	bus      *events.Bus
	logger   zerolog.Logger

	paused  atomic.Bool
	current atomic.Value // string, current display title
}

// New creates the producer. It starts paused; the mux resumes it when it
// grants the write capability.
func New(dir string, extensions []string, shuffle bool, chunkSize int, counters *stats.Counters, bus *events.Bus, logger zerolog.Logger) *Producer {
	p := &Producer{
		dir:        dir,
		extensions: extensions,
		shuffle:    shuffle,
		chunkSize:  chunkSize,
		counters:   counters,
		bus:        bus,
		logger:     logger.With().Str("component", "playlist").Logger(),
	}
	p.paused.Store(true)
	p.current.Store("")
	return p
}

// SetMux attaches the write capability arbiter. Must be called before Run.
func (p *Producer) SetMux(m *producer.Mux) {
	p.mux = m
}

// Pause stops the producer from writing promptly. Part of the mux's control
// surface.
func (p *Producer) Pause() {
	p.paused.Store(true)
}

// Resume lets the producer write again.
func (p *Producer) Resume() {
	p.paused.Store(false)
}

// CurrentTitle returns the display title of the track being fed, or "" when
// idle.
func (p *Producer) CurrentTitle() string {
	title, _ := p.current.Load().(string)
	return title
}

// Run loops over the playlist until ctx is cancelled. An empty or missing
// directory leaves the producer idle and rescanning; it is never fatal.
func (p *Producer) Run(ctx context.Context) error {
	tracks := p.scan()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(tracks) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(scanInterval):
			}
			tracks = p.scan()
			continue
		}

		for _, t := range tracks {
			if err := p.playTrack(ctx, t); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Warn().Err(err).Str("path", t.Path).Msg("skipping track")
			}
		}
	}
}

func (p *Producer) scan() []Track {
	tracks, err := Scan(p.dir, p.extensions)
	if err != nil {
		p.logger.Warn().Err(err).Str("dir", p.dir).Msg("playlist scan failed")
		return nil
	}
	if len(tracks) == 0 {
		p.logger.Debug().Str("dir", p.dir).Msg("playlist directory has no playable files")
		return nil
	}
	if p.shuffle {
		Shuffle(tracks)
	}
	p.logger.Info().Int("tracks", len(tracks)).Str("dir", p.dir).Msg("playlist ready")
	return tracks
}

func (p *Producer) playTrack(ctx context.Context, t Track) error {
	if err := p.waitWhilePaused(ctx); err != nil {
		return err
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	title := t.DisplayTitle()
	p.current.Store(title)
	p.logger.Info().Str("track", filepath.Base(t.Path)).Msg("now playing")
	p.bus.Publish(events.EventNowPlaying, events.Payload{
		"title": title,
		"file":  filepath.Base(t.Path),
	})

	buf := make([]byte, p.chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := p.writeChunk(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// writeChunk retries a rejected write with a fill-proportional pause and
// parks while the capability belongs to a live source.
func (p *Producer) writeChunk(ctx context.Context, chunk []byte) error {
	for {
		if err := p.waitWhilePaused(ctx); err != nil {
			return err
		}

		err := p.mux.Write(producer.ModePlaylist, chunk)
		switch {
		case err == nil:
			p.counters.AddBytesIn(len(chunk))
			return nil
		case errors.Is(err, ring.ErrInsufficientSpace):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(producer.Backoff(p.mux.Fill())):
			}
		case errors.Is(err, producer.ErrNotOwner):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pauseInterval):
			}
		default:
			return err
		}
	}
}

func (p *Producer) waitWhilePaused(ctx context.Context) error {
	for p.paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pauseInterval):
		}
	}
	return nil
}
