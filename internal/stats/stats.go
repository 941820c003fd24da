/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package stats exports the process counters read by the status endpoints and
// mirrors them to Prometheus. The broadcaster writes the listener and
// ring-fill counters, the active producer writes bytes-in, and the mux writes
// the source flag. Bytes-out has one writer per listener: every listener
// handler adds the bytes it wrote to the shared atomic.
package stats

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	listenersCurrentGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_listeners_current",
		Help: "Number of connected listeners",
	})
	listenersPeakGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_listeners_peak",
		Help: "Peak number of concurrently connected listeners",
	})
	bytesInCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_bytes_in_total",
		Help: "Total audio bytes accepted into the ring buffer",
	})
	bytesOutCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_bytes_out_total",
		Help: "Total audio bytes written to listeners",
	})
	ringFillGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_ring_fill_percent",
		Help: "Ring buffer fill as a fraction in [0,1]",
	})
	sourceConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_source_connected",
		Help: "1 while a live source is connected, 0 otherwise",
	})
)

// Counters holds the atomics behind the status endpoints.
type Counters struct {
	start time.Time

	listenersCurrent atomic.Int64
	listenersPeak    atomic.Int64
	bytesIn          atomic.Int64
	bytesOut         atomic.Int64
	ringFillBits     atomic.Uint64
	sourceConnected  atomic.Bool
}

// New creates the counter set with uptime starting now.
func New() *Counters {
	return &Counters{start: time.Now()}
}

// ListenerConnected increments the current count and raises the peak if the
// new current exceeds it.
func (c *Counters) ListenerConnected() {
	current := c.listenersCurrent.Add(1)
	listenersCurrentGauge.Set(float64(current))
	for {
		peak := c.listenersPeak.Load()
		if current <= peak {
			return
		}
		if c.listenersPeak.CompareAndSwap(peak, current) {
			listenersPeakGauge.Set(float64(current))
			return
		}
	}
}

// ListenerDisconnected decrements the current count.
func (c *Counters) ListenerDisconnected() {
	listenersCurrentGauge.Set(float64(c.listenersCurrent.Add(-1)))
}

// AddBytesIn records bytes accepted by the ring.
func (c *Counters) AddBytesIn(n int) {
	c.bytesIn.Add(int64(n))
	bytesInCounter.Add(float64(n))
}

// AddBytesOut records bytes delivered to a listener.
func (c *Counters) AddBytesOut(n int) {
	c.bytesOut.Add(int64(n))
	bytesOutCounter.Add(float64(n))
}

// SetRingFill records the current ring fill fraction.
func (c *Counters) SetRingFill(fill float64) {
	c.ringFillBits.Store(math.Float64bits(fill))
	ringFillGauge.Set(fill)
}

// SetSourceConnected flips the live-source flag.
func (c *Counters) SetSourceConnected(connected bool) {
	c.sourceConnected.Store(connected)
	if connected {
		sourceConnectedGauge.Set(1)
	} else {
		sourceConnectedGauge.Set(0)
	}
}

// ListenersCurrent returns the number of connected listeners.
func (c *Counters) ListenersCurrent() int64 { return c.listenersCurrent.Load() }

// ListenersPeak returns the highest concurrent listener count seen.
func (c *Counters) ListenersPeak() int64 { return c.listenersPeak.Load() }

// BytesIn returns total bytes accepted into the ring.
func (c *Counters) BytesIn() int64 { return c.bytesIn.Load() }

// BytesOut returns total bytes written to listeners.
func (c *Counters) BytesOut() int64 { return c.bytesOut.Load() }

// RingFill returns the last recorded fill fraction.
func (c *Counters) RingFill() float64 { return math.Float64frombits(c.ringFillBits.Load()) }

// SourceConnected reports whether a live source is connected.
func (c *Counters) SourceConnected() bool { return c.sourceConnected.Load() }

// Uptime returns the time since the counters were created.
func (c *Counters) Uptime() time.Duration { return time.Since(c.start) }

// Snapshot is the JSON shape served by the status endpoint.
type Snapshot struct {
	ListenersCurrent int64   `json:"listeners_current"`
	ListenersPeak    int64   `json:"listeners_peak"`
	BytesInTotal     int64   `json:"bytes_in_total"`
	BytesOutTotal    int64   `json:"bytes_out_total"`
	RingFillPercent  float64 `json:"ring_fill_percent"`
	SourceConnected  bool    `json:"source_connected"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
}

// Snapshot reads every counter without locking.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ListenersCurrent: c.ListenersCurrent(),
		ListenersPeak:    c.ListenersPeak(),
		BytesInTotal:     c.BytesIn(),
		BytesOutTotal:    c.BytesOut(),
		RingFillPercent:  c.RingFill(),
		SourceConnected:  c.SourceConnected(),
		UptimeSeconds:    int64(c.Uptime().Seconds()),
	}
}
