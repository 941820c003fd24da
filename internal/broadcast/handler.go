/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcast

import (
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/skaldradio/skald/internal/config"
	"github.com/skaldradio/skald/internal/stats"
)

// Handler serves the mount point. Each request registers a listener and runs
// its own writer goroutine-per-connection: the handler drains the listener's
// queue in a tight loop, writing and flushing every chunk. The first chunk
// goes out the moment the broadcaster delivers it; there is no pre-buffering
// and nothing else to wait on.
type Handler struct {
	b           *Broadcaster
	contentType string
	meta        config.MetadataConfig
	titleFn     func() string
	counters    *stats.Counters
	logger      zerolog.Logger
}

// NewHandler creates the mount handler. titleFn resolves the current stream
// title for ICY metadata.
func NewHandler(b *Broadcaster, meta config.MetadataConfig, titleFn func() string, counters *stats.Counters, logger zerolog.Logger) *Handler {
	return &Handler{
		b:           b,
		contentType: "audio/mpeg",
		meta:        meta,
		titleFn:     titleFn,
		counters:    counters,
		logger:      logger.With().Str("component", "listener").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		h.writeHeaders(w, 0)
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wantsMeta := h.meta.EnableICY && r.Header.Get("Icy-MetaData") == "1"
	metaint := 0
	if wantsMeta {
		metaint = h.meta.ICYMetaint
	}

	l, err := h.b.Register(r.RemoteAddr)
	if err != nil {
		http.Error(w, "Listener limit reached", http.StatusServiceUnavailable)
		return
	}
	defer h.b.Unregister(l.ID())

	h.writeHeaders(w, metaint)
	w.WriteHeader(http.StatusOK)

	flusher := newFlusher(w, h.logger)
	flusher.Flush() // headers reach the client before the first chunk

	var out io.Writer = w
	if wantsMeta {
		out = newICYWriter(w, metaint, h.titleFn)
	}

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().
				Uint64("listener_id", l.ID()).
				Int64("bytes_sent", l.BytesSent()).
				Msg("client disconnected")
			return
		case <-l.Done():
			// Evicted or server shutdown; the registry entry is already gone.
			return
		case chunk := <-l.Queue():
			n, err := out.Write(chunk)
			if n > 0 {
				l.AddBytesSent(n)
				h.counters.AddBytesOut(n)
			}
			if err != nil {
				h.logger.Debug().
					Uint64("listener_id", l.ID()).
					Err(err).
					Msg("listener write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeHeaders(w http.ResponseWriter, metaint int) {
	hdr := w.Header()
	hdr.Set("Content-Type", h.contentType)
	hdr.Set("Cache-Control", "no-cache, no-store")
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Accept-Ranges", "none")
	hdr.Set("X-Accel-Buffering", "no")
	hdr.Set("Access-Control-Allow-Origin", "*")

	if h.meta.StationName != "" {
		hdr.Set("icy-name", h.meta.StationName)
	}
	if h.meta.StationGenre != "" {
		hdr.Set("icy-genre", h.meta.StationGenre)
	}
	if h.meta.StationDescription != "" {
		hdr.Set("icy-description", h.meta.StationDescription)
	}
	if h.meta.StationURL != "" {
		hdr.Set("icy-url", h.meta.StationURL)
	}
	hdr.Set("icy-pub", "1")
	if metaint > 0 {
		hdr.Set("icy-metaint", strconv.Itoa(metaint))
	}
}

// newFlusher returns an http.Flusher even when the ResponseWriter hides it
// behind wrappers, falling back to http.ResponseController.
func newFlusher(w http.ResponseWriter, logger zerolog.Logger) http.Flusher {
	if f, ok := w.(http.Flusher); ok {
		return f
	}
	return &rcFlusher{rc: http.NewResponseController(w), logger: logger}
}

// rcFlusher adapts http.ResponseController to http.Flusher.
type rcFlusher struct {
	rc        *http.ResponseController
	logger    zerolog.Logger
	errLogged bool
}

func (f *rcFlusher) Flush() {
	if err := f.rc.Flush(); err != nil && !f.errLogged {
		f.logger.Debug().Err(err).Msg("flush failed")
		f.errLogged = true
	}
}
