/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sync"
	"time"

	"github.com/skaldradio/skald/internal/events"
	"github.com/skaldradio/skald/internal/producer"
)

// statusFeed caches the bus events the status surface displays: the current
// track from now-playing events and the most recent listener activity. The
// producers stay unaware of who reads their announcements.
type statusFeed struct {
	mu            sync.RWMutex
	title         string
	listenerEvent string
	listeners     int
	eventAt       time.Time
}

// run drains the subscriptions until ctx is cancelled. The caller subscribes
// before starting the goroutine so no early publish is missed.
func (f *statusFeed) run(ctx context.Context, bus *events.Bus, nowPlaying, listenerStats events.Subscriber) {
	defer bus.Unsubscribe(events.EventNowPlaying, nowPlaying)
	defer bus.Unsubscribe(events.EventListenerStats, listenerStats)

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-nowPlaying:
			title, ok := p["title"].(string)
			if !ok {
				continue
			}
			f.mu.Lock()
			f.title = title
			f.mu.Unlock()
		case p := <-listenerStats:
			event, _ := p["event"].(string)
			listeners, _ := p["listeners"].(int)
			f.mu.Lock()
			f.listenerEvent = event
			f.listeners = listeners
			f.eventAt = time.Now()
			f.mu.Unlock()
		}
	}
}

// Title returns the current track title as announced on the bus.
func (f *statusFeed) Title() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.title
}

func (f *statusFeed) lastListenerEvent() *listenerEventStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.eventAt.IsZero() {
		return nil
	}
	return &listenerEventStatus{
		Event:     f.listenerEvent,
		Listeners: f.listeners,
		At:        f.eventAt.Format(time.RFC3339),
	}
}

// startStatusFeed wires the feed to the bus; separate from Run so tests can
// drive it directly.
func (s *Server) startStatusFeed(ctx context.Context) {
	nowPlaying := s.bus.Subscribe(events.EventNowPlaying)
	listenerStats := s.bus.Subscribe(events.EventListenerStats)
	go s.feed.run(ctx, s.bus, nowPlaying, listenerStats)
}

type statusResponse struct {
	Station struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Genre       string `json:"genre,omitempty"`
		URL         string `json:"url,omitempty"`
	} `json:"station"`
	Mount             string               `json:"mount"`
	NowPlaying        string               `json:"now_playing"`
	Producer          string               `json:"producer"`
	Source            *sourceStatus        `json:"source,omitempty"`
	LastListenerEvent *listenerEventStatus `json:"last_listener_event,omitempty"`

	ListenersCurrent int64   `json:"listeners_current"`
	ListenersPeak    int64   `json:"listeners_peak"`
	BytesInTotal     int64   `json:"bytes_in_total"`
	BytesOutTotal    int64   `json:"bytes_out_total"`
	RingFillPercent  float64 `json:"ring_fill_percent"`
	SourceConnected  bool    `json:"source_connected"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
	ServerTime       string  `json:"server_time"`
}

type sourceStatus struct {
	RemoteAddr  string `json:"remote_addr"`
	ConnectedAt string `json:"connected_at"`
}

type listenerEventStatus struct {
	Event     string `json:"event"`
	Listeners int    `json:"listeners"`
	At        string `json:"at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.counters.Snapshot()

	resp := statusResponse{
		Mount:             s.cfg.Server.MountPoint,
		NowPlaying:        s.feed.Title(),
		Producer:          s.mux.Mode().String(),
		LastListenerEvent: s.feed.lastListenerEvent(),
		ListenersCurrent:  snap.ListenersCurrent,
		ListenersPeak:     snap.ListenersPeak,
		BytesInTotal:      snap.BytesInTotal,
		BytesOutTotal:     snap.BytesOutTotal,
		RingFillPercent:   snap.RingFillPercent,
		SourceConnected:   snap.SourceConnected,
		UptimeSeconds:     snap.UptimeSeconds,
		ServerTime:        time.Now().Format(time.RFC3339),
	}
	resp.Station.Name = s.cfg.Metadata.StationName
	resp.Station.Description = s.cfg.Metadata.StationDescription
	resp.Station.Genre = s.cfg.Metadata.StationGenre
	resp.Station.URL = s.cfg.Metadata.StationURL

	if sess, ok := s.mux.Session(); ok {
		resp.Source = &sourceStatus{
			RemoteAddr:  sess.RemoteAddr,
			ConnectedAt: sess.ConnectedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"entries": s.logs.Recent(100),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	snap := s.counters.Snapshot()
	name := html.EscapeString(s.cfg.Metadata.StationName)
	nowPlaying := html.EscapeString(s.feed.Title())
	mode := s.mux.Mode()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>%s</title></head><body>`, name)
	fmt.Fprintf(w, `<h1>%s</h1>`, name)
	if desc := s.cfg.Metadata.StationDescription; desc != "" {
		fmt.Fprintf(w, `<p>%s</p>`, html.EscapeString(desc))
	}
	fmt.Fprintf(w, `<p><a href="%s">Listen</a></p>`, s.cfg.Server.MountPoint)
	fmt.Fprintf(w, `<ul>`)
	fmt.Fprintf(w, `<li>Now playing: %s</li>`, nowPlaying)
	if mode == producer.ModeSource {
		fmt.Fprintf(w, `<li>Live source connected</li>`)
	}
	fmt.Fprintf(w, `<li>Listeners: %d (peak %d)</li>`, snap.ListenersCurrent, snap.ListenersPeak)
	fmt.Fprintf(w, `<li>Uptime: %ds</li>`, snap.UptimeSeconds)
	fmt.Fprintf(w, `</ul></body></html>`)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("status encode failed")
	}
}
