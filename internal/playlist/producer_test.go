/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skaldradio/skald/internal/events"
	"github.com/skaldradio/skald/internal/producer"
	"github.com/skaldradio/skald/internal/ring"
	"github.com/skaldradio/skald/internal/stats"
)

func newTestProducer(t *testing.T, dir string, ringSize, chunkSize int) (*Producer, *producer.Mux, *ring.Buffer, *stats.Counters) {
	t.Helper()
	rb, err := ring.New(ringSize)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	counters := stats.New()
	bus := events.NewBus()
	p := New(dir, []string{".mp3"}, false, chunkSize, counters, bus, zerolog.Nop())
	m := producer.NewMux(rb, p, counters, bus, zerolog.Nop())
	p.SetMux(m)
	return p, m, rb, counters
}

func TestProducerStreamsFileBytesInOrder(t *testing.T) {
	dir := t.TempDir()
	const size = 10000
	path := writeFile(t, dir, "one.mp3", size)
	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	p, m, rb, counters := newTestProducer(t, dir, 64*1024, 4096)
	m.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go p.Run(ctx)

	got := make([]byte, size)
	if err := rb.ReadWait(ctx, got); err != nil {
		t.Fatalf("ReadWait: %v", err)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
	if counters.BytesIn() < size {
		t.Errorf("bytes_in = %d, want at least %d", counters.BytesIn(), size)
	}
	if p.CurrentTitle() != "one" {
		t.Errorf("CurrentTitle() = %q, want %q", p.CurrentTitle(), "one")
	}
}

func TestProducerIteratesCyclically(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.mp3", 1000)

	p, m, rb, _ := newTestProducer(t, dir, 64*1024, 512)
	m.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go p.Run(ctx)

	// Reading more than one file's worth proves the playlist wrapped around.
	got := make([]byte, 2500)
	if err := rb.ReadWait(ctx, got); err != nil {
		t.Fatalf("ReadWait: %v", err)
	}
}

func TestProducerIdleOnEmptyDirectoryThenRecovers(t *testing.T) {
	dir := t.TempDir()
	p, m, rb, _ := newTestProducer(t, dir, 64*1024, 512)
	m.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go p.Run(ctx)

	// Idle: no bytes flow.
	time.Sleep(100 * time.Millisecond)
	if rb.Available() != 0 {
		t.Fatalf("ring has %d bytes while playlist is empty, want 0", rb.Available())
	}

	// A file appears; within a scan interval the producer picks it up.
	writeFile(t, dir, "late.mp3", 2000)
	got := make([]byte, 2000)
	if err := rb.ReadWait(ctx, got); err != nil {
		t.Fatalf("ReadWait after adding file: %v", err)
	}
}

func TestProducerMissingDirectoryIsNotFatal(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	p, m, _, _ := newTestProducer(t, missing, 4096, 512)
	m.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Run must keep going (idle) until cancelled rather than crash.
	if err := p.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Run() = %v, want context.DeadlineExceeded", err)
	}
}

func TestProducerStopsWritingWhenPaused(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.mp3", 100000)

	p, m, rb, _ := newTestProducer(t, dir, 8192, 1024)
	m.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go p.Run(ctx)

	// Let some bytes flow, then hand the ring to a source.
	scratch := make([]byte, 1024)
	if err := rb.ReadWait(ctx, scratch); err != nil {
		t.Fatalf("ReadWait: %v", err)
	}
	if err := m.AcquireSource(producer.Session{ID: "s1"}); err != nil {
		t.Fatalf("AcquireSource: %v", err)
	}

	// The ring was cleared at the switch; the paused playlist must not refill it.
	time.Sleep(100 * time.Millisecond)
	if n := rb.Available(); n != 0 {
		t.Fatalf("ring has %d playlist bytes while source owns it, want 0", n)
	}

	// Releasing resumes the playlist.
	m.ReleaseSource("s1")
	if err := rb.ReadWait(ctx, scratch); err != nil {
		t.Fatalf("ReadWait after release: %v", err)
	}
}
