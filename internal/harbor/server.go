/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package harbor is the live source receiver. It accepts PUT and legacy
// SOURCE connections from BUTT, Mixxx, and other Icecast-compatible streaming
// software on a dedicated port and feeds the incoming bitstream into the ring
// through the producer mux.
package harbor

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skaldradio/skald/internal/events"
	"github.com/skaldradio/skald/internal/producer"
	"github.com/skaldradio/skald/internal/ring"
	"github.com/skaldradio/skald/internal/stats"
)

// Config holds harbor-specific configuration.
type Config struct {
	Bind     string
	Port     int
	Mount    string
	Password string
	Timeout  time.Duration // idle cutoff for a silent source
}

// Server accepts and reads the single live source.
type Server struct {
	cfg      Config
	mux      *producer.Mux
	counters *stats.Counters
	bus      *events.Bus
	logger   zerolog.Logger

	httpServer *http.Server

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc // cancels the active source session
}

// NewServer creates a harbor server.
func NewServer(cfg Config, mux *producer.Mux, counters *stats.Counters, bus *events.Bus, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		mux:      mux,
		counters: counters,
		bus:      bus,
		logger:   logger.With().Str("component", "harbor").Logger(),
	}
}

// Listen binds the source port. Split from Serve so a bind failure surfaces
// synchronously at startup.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("harbor listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the accept loop until ctx is cancelled. Legacy SOURCE request
// lines are rewritten to PUT at the connection level so the standard HTTP
// parser can handle them.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("harbor: Serve called before Listen")
	}

	handler := http.NewServeMux()
	handler.HandleFunc("/admin/metadata", s.handleMetadataUpdate)
	handler.HandleFunc("/", s.handleSource)

	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No read/write timeout: source connections stream indefinitely.
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.closeActiveSession()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("harbor listening")
	err := s.httpServer.Serve(&sourceMethodListener{Listener: ln})
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) closeActiveSession() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleSource is the HTTP handler for incoming source connections.
func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed. Use PUT or SOURCE.", http.StatusMethodNotAllowed)
		return
	}

	password, ok := parseBasicAuth(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="Skald Harbor"`)
		http.Error(w, "Authorization required", http.StatusUnauthorized)
		return
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) != 1 {
		s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("source auth failed")
		w.Header().Set("WWW-Authenticate", `Basic realm="Skald Harbor"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !mountMatches(r.URL.Path, s.cfg.Mount) {
		s.logger.Warn().Str("path", r.URL.Path).Msg("source requested unknown mount")
		http.Error(w, "Mount not found", http.StatusNotFound)
		return
	}

	sess := producer.Session{
		ID:          uuid.NewString(),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
	}
	if err := s.mux.AcquireSource(sess); err != nil {
		s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("rejecting second source")
		http.Error(w, "Source already connected", http.StatusForbidden)
		return
	}

	meta := parseIceHeaders(r)
	if name := meta["Ice-Name"]; name != "" {
		s.mux.SetSourceTitle(sess.ID, name)
	}

	s.logger.Info().
		Str("session_id", sess.ID).
		Str("remote_addr", r.RemoteAddr).
		Str("content_type", r.Header.Get("Content-Type")).
		Str("user_agent", r.Header.Get("User-Agent")).
		Msg("source connected")
	s.bus.Publish(events.EventSourceConnect, events.Payload{
		"session_id":  sess.ID,
		"remote_addr": r.RemoteAddr,
	})

	// Session context: cancelled on shutdown, and replaced when the session
	// ends so a long-gone source cannot be cancelled twice.
	connCtx, connCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = connCancel
	s.mu.Unlock()

	defer func() {
		connCancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()

		s.mux.ReleaseSource(sess.ID)
		s.logger.Info().Str("session_id", sess.ID).Msg("source disconnected")
		s.bus.Publish(events.EventSourceDisconnect, events.Payload{
			"session_id": sess.ID,
		})
	}()

	// Hijack the connection: source clients expect the acceptance response
	// before the request body completes, and several send no Content-Length
	// at all, which Go's body handling treats as an empty body.
	hj, ok := w.(http.Hijacker)
	if !ok {
		s.logger.Error().Msg("response writer does not support hijacking")
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		s.logger.Error().Err(err).Msg("hijack failed")
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("HTTP/1.0 200 OK\r\n\r\n")); err != nil {
		return
	}

	// The buffered reader may hold body bytes the HTTP server read ahead.
	s.readSource(connCtx, sess, conn, buf.Reader)
}

// readSource streams the source body into the ring until disconnect, error,
// or idle timeout.
func (s *Server) readSource(ctx context.Context, sess producer.Session, conn net.Conn, r io.Reader) {
	buf := make([]byte, 8192)
	for {
		if ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		n, err := r.Read(buf)
		if n > 0 {
			if werr := s.writeChunk(ctx, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info().Str("session_id", sess.ID).Msg("source stream ended")
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.logger.Warn().
					Str("session_id", sess.ID).
					Dur("timeout", s.cfg.Timeout).
					Msg("source timed out")
			} else {
				s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("source read error")
			}
			return
		}
	}
}

// writeChunk pushes one chunk into the ring, retrying transient rejections
// with a fill-proportional pause.
func (s *Server) writeChunk(ctx context.Context, chunk []byte) error {
	for {
		err := s.mux.Write(producer.ModeSource, chunk)
		switch {
		case err == nil:
			s.counters.AddBytesIn(len(chunk))
			return nil
		case errors.Is(err, ring.ErrInsufficientSpace):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(producer.Backoff(s.mux.Fill())):
			}
		default:
			// The capability moved or the chunk can never fit.
			return err
		}
	}
}

// handleMetadataUpdate implements the Shoutcast-style title update:
// GET /admin/metadata?mode=updinfo&song=Artist+-+Title
func (s *Server) handleMetadataUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	password, ok := parseBasicAuth(r)
	if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="Skald Harbor"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if r.URL.Query().Get("mode") != "updinfo" {
		http.Error(w, "Unsupported mode", http.StatusBadRequest)
		return
	}
	song := r.URL.Query().Get("song")
	if song == "" {
		http.Error(w, "Missing song parameter", http.StatusBadRequest)
		return
	}

	sess, ok := s.mux.Session()
	if !ok {
		http.Error(w, "No source connected", http.StatusNotFound)
		return
	}

	s.mux.SetSourceTitle(sess.ID, song)
	s.logger.Info().Str("title", song).Msg("source metadata updated")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Updated"))
}

// parseBasicAuth extracts the password from a Basic auth header. The username
// is ignored, conventionally "source" for Icecast clients.
func parseBasicAuth(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(auth[6:])
	if err != nil {
		return "", false
	}

	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", false
	}
	return parts[1], true
}

// mountMatches accepts the configured mount with or without a trailing format
// extension, e.g. /stream and /stream.mp3 both hit the /stream mount.
func mountMatches(path, mount string) bool {
	if path == mount {
		return true
	}
	if idx := strings.LastIndex(path, "."); idx > 0 && path[:idx] == mount {
		return true
	}
	return false
}

// iceHeaderNames are the source handshake headers worth recording.
var iceHeaderNames = []string{
	"Ice-Name",
	"Ice-Description",
	"Ice-Genre",
	"Ice-Url",
	"Ice-Bitrate",
	"Ice-Public",
	"Content-Type",
	"User-Agent",
}

// parseIceHeaders collects the ICE metadata headers present on the handshake.
func parseIceHeaders(r *http.Request) map[string]string {
	meta := make(map[string]string)
	for _, name := range iceHeaderNames {
		if v := r.Header.Get(name); v != "" {
			meta[name] = v
		}
	}
	return meta
}

// sourceMethodListener wraps every accepted connection so legacy request
// lines like "SOURCE /stream ICE/1.0" are rewritten to standard HTTP before
// the parser sees them. Go's HTTP server would otherwise reject both the
// unknown method and the ICE protocol token.
type sourceMethodListener struct {
	net.Listener
}

func (l *sourceMethodListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &sourceMethodConn{Conn: conn}, nil
}

// sourceMethodConn peeks at the request line and rewrites SOURCE/ICE to
// PUT/HTTP on first read.
type sourceMethodConn struct {
	net.Conn
	reader io.Reader
	once   sync.Once
}

func (c *sourceMethodConn) Read(b []byte) (int, error) {
	c.once.Do(func() {
		br := bufio.NewReaderSize(c.Conn, 4096)
		c.reader = br

		peek, err := br.Peek(7)
		if err != nil || string(peek) != "SOURCE " {
			return
		}

		line, err := br.ReadString('\n')
		if err != nil {
			// Partial request line; hand over what we have and let the HTTP
			// parser reject it.
			c.reader = io.MultiReader(strings.NewReader(line), br)
			return
		}

		c.reader = io.MultiReader(strings.NewReader(rewriteSourceLine(line)), br)
	})
	return c.reader.Read(b)
}

// rewriteSourceLine turns "SOURCE <mount> ICE/1.0" into "PUT <mount>
// HTTP/1.0". The protocol token is forced to HTTP/1.0 because ICE clients
// omit the Host header an HTTP/1.1 parser would demand.
func rewriteSourceLine(line string) string {
	trimmed := strings.TrimRight(line, "\r\n")
	fields := strings.Fields(trimmed)
	if len(fields) < 2 || fields[0] != "SOURCE" {
		return line
	}
	return "PUT " + fields[1] + " HTTP/1.0\r\n"
}
