/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package harbor

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skaldradio/skald/internal/events"
	"github.com/skaldradio/skald/internal/producer"
	"github.com/skaldradio/skald/internal/ring"
	"github.com/skaldradio/skald/internal/stats"
)

type idlePlaylist struct{}

func (idlePlaylist) Pause()               {}
func (idlePlaylist) Resume()              {}
func (idlePlaylist) CurrentTitle() string { return "" }

func newTestServer(t *testing.T) (*Server, *producer.Mux, *ring.Buffer) {
	t.Helper()
	rb, err := ring.New(1 << 20)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	counters := stats.New()
	bus := events.NewBus()
	m := producer.NewMux(rb, idlePlaylist{}, counters, bus, zerolog.Nop())
	m.Start()

	s := NewServer(Config{
		Bind:     "127.0.0.1",
		Port:     0,
		Mount:    "/stream",
		Password: "hackme",
		Timeout:  2 * time.Second,
	}, m, counters, bus, zerolog.Nop())
	return s, m, rb
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestParseBasicAuth(t *testing.T) {
	tests := []struct {
		name     string
		authHdr  string
		wantPass string
		wantOK   bool
	}{
		{
			name:     "valid basic auth",
			authHdr:  basicAuth("source", "my-secret"),
			wantPass: "my-secret",
			wantOK:   true,
		},
		{
			name:     "empty username",
			authHdr:  basicAuth("", "token123"),
			wantPass: "token123",
			wantOK:   true,
		},
		{
			name:    "missing header",
			authHdr: "",
			wantOK:  false,
		},
		{
			name:    "wrong scheme",
			authHdr: "Bearer some-token",
			wantOK:  false,
		},
		{
			name:    "invalid base64",
			authHdr: "Basic not-valid-base64!!!",
			wantOK:  false,
		},
		{
			name:    "no colon separator",
			authHdr: "Basic " + base64.StdEncoding.EncodeToString([]byte("no-colon-here")),
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPut, "/stream", nil)
			if tt.authHdr != "" {
				r.Header.Set("Authorization", tt.authHdr)
			}

			pass, ok := parseBasicAuth(r)
			if ok != tt.wantOK {
				t.Errorf("parseBasicAuth() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && pass != tt.wantPass {
				t.Errorf("parseBasicAuth() pass = %q, want %q", pass, tt.wantPass)
			}
		})
	}
}

func TestMountMatches(t *testing.T) {
	tests := []struct {
		path  string
		mount string
		want  bool
	}{
		{"/stream", "/stream", true},
		{"/stream.mp3", "/stream", true},
		{"/stream.ogg", "/stream", true},
		{"/other", "/stream", false},
		{"/streaming", "/stream", false},
		{"/", "/stream", false},
	}
	for _, tt := range tests {
		if got := mountMatches(tt.path, tt.mount); got != tt.want {
			t.Errorf("mountMatches(%q, %q) = %v, want %v", tt.path, tt.mount, got, tt.want)
		}
	}
}

func TestParseIceHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/stream", nil)
	r.Header.Set("Ice-Name", "My Show")
	r.Header.Set("Ice-Genre", "Rock")
	r.Header.Set("Content-Type", "audio/mpeg")
	r.Header.Set("User-Agent", "BUTT/0.1.34")

	meta := parseIceHeaders(r)
	want := map[string]string{
		"Ice-Name":     "My Show",
		"Ice-Genre":    "Rock",
		"Content-Type": "audio/mpeg",
		"User-Agent":   "BUTT/0.1.34",
	}
	for key, w := range want {
		if got := meta[key]; got != w {
			t.Errorf("parseIceHeaders()[%q] = %q, want %q", key, got, w)
		}
	}
	if len(meta) != len(want) {
		t.Errorf("parseIceHeaders() returned %d headers, want %d", len(meta), len(want))
	}
}

func TestHandleSource_MethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			r := httptest.NewRequest(method, "/stream", nil)
			w := httptest.NewRecorder()
			s.handleSource(w, r)
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
			}
		})
	}
}

func TestHandleSource_AuthFailure(t *testing.T) {
	s, m, rb := newTestServer(t)

	tests := []struct {
		name    string
		authHdr string
	}{
		{"no auth", ""},
		{"wrong password", basicAuth("source", "wrong")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPut, "/stream", nil)
			if tt.authHdr != "" {
				r.Header.Set("Authorization", tt.authHdr)
			}
			w := httptest.NewRecorder()
			s.handleSource(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if w.Header().Get("WWW-Authenticate") == "" {
				t.Error("WWW-Authenticate header should be set")
			}
		})
	}

	// A failed auth mutates nothing.
	if rb.Available() != 0 {
		t.Errorf("ring has %d bytes after failed auth, want 0", rb.Available())
	}
	if m.Mode() != producer.ModePlaylist {
		t.Errorf("mode = %v after failed auth, want playlist", m.Mode())
	}
}

func TestHandleSource_UnknownMount(t *testing.T) {
	s, _, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodPut, "/other", nil)
	r.Header.Set("Authorization", basicAuth("source", "hackme"))
	w := httptest.NewRecorder()
	s.handleSource(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleSource_SecondSourceForbidden(t *testing.T) {
	s, m, _ := newTestServer(t)

	// Simulate an already-active source.
	if err := m.AcquireSource(producer.Session{ID: "active"}); err != nil {
		t.Fatalf("AcquireSource: %v", err)
	}

	r := httptest.NewRequest(http.MethodPut, "/stream", nil)
	r.Header.Set("Authorization", basicAuth("source", "hackme"))
	w := httptest.NewRecorder()
	s.handleSource(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestRewriteSourceLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SOURCE /stream ICE/1.0\r\n", "PUT /stream HTTP/1.0\r\n"},
		{"SOURCE /stream HTTP/1.0\r\n", "PUT /stream HTTP/1.0\r\n"},
		{"SOURCE /stream\r\n", "PUT /stream HTTP/1.0\r\n"},
		{"GET /stream HTTP/1.1\r\n", "GET /stream HTTP/1.1\r\n"},
		{"garbage\r\n", "garbage\r\n"},
	}
	for _, tt := range tests {
		if got := rewriteSourceLine(tt.in); got != tt.want {
			t.Errorf("rewriteSourceLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSourceMethodConn_RewritesSOURCE(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		client.Write([]byte("SOURCE /stream ICE/1.0\r\nAuthorization: x\r\n\r\n"))
		client.Close()
	}()

	smc := &sourceMethodConn{Conn: server}
	all, err := io.ReadAll(smc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	got := string(all)
	if !strings.HasPrefix(got, "PUT /stream HTTP/1.0\r\n") {
		t.Errorf("rewritten stream = %q, want PUT /stream HTTP/1.0 prefix", got)
	}
	if !strings.Contains(got, "Authorization: x") {
		t.Errorf("headers were lost in rewrite: %q", got)
	}
}

func TestSourceMethodConn_PassesPUT(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		client.Write([]byte("PUT /stream HTTP/1.1\r\n\r\n"))
		client.Close()
	}()

	smc := &sourceMethodConn{Conn: server}
	all, err := io.ReadAll(smc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !strings.HasPrefix(string(all), "PUT /stream HTTP/1.1") {
		t.Errorf("PUT request was modified: %q", string(all))
	}
}

// dialHarbor starts the server and opens a raw TCP connection to it.
func dialHarbor(t *testing.T, s *Server, ctx context.Context) net.Conn {
	t.Helper()
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve(ctx)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial harbor: %v", err)
	}
	return conn
}

func TestEndToEnd_SOURCEHandshakeFeedsRing(t *testing.T) {
	s, _, rb := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dialHarbor(t, s, ctx)
	defer conn.Close()

	handshake := "SOURCE /stream ICE/1.0\r\n" +
		"Authorization: " + basicAuth("source", "hackme") + "\r\n" +
		"Ice-Name: Test Show\r\n" +
		"Content-Type: audio/mpeg\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(handshake)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	// The server answers 200 before the body starts.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(status, "200") {
		t.Fatalf("status line = %q, want 200", status)
	}

	payload := []byte("abcdefghij0123456789")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write body: %v", err)
	}

	got := make([]byte, len(payload))
	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	if err := rb.ReadWait(readCtx, got); err != nil {
		t.Fatalf("ring.ReadWait: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("ring contents = %q, want %q", got, payload)
	}
}

func TestEndToEnd_DisconnectReturnsToPlaylist(t *testing.T) {
	s, m, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dialHarbor(t, s, ctx)

	handshake := "PUT /stream HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Authorization: " + basicAuth("source", "hackme") + "\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(handshake)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	// Wait until the source owns the ring.
	deadline := time.Now().Add(2 * time.Second)
	for m.Mode() != producer.ModeSource {
		if time.Now().After(deadline) {
			t.Fatal("source never took over")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for m.Mode() != producer.ModePlaylist {
		if time.Now().After(deadline) {
			t.Fatal("mux never returned to playlist after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndToEnd_SourceTimeout(t *testing.T) {
	s, m, _ := newTestServer(t)
	s.cfg.Timeout = 150 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := dialHarbor(t, s, ctx)
	defer conn.Close()

	handshake := "PUT /stream HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Authorization: " + basicAuth("source", "hackme") + "\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(handshake)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Mode() != producer.ModeSource {
		if time.Now().After(deadline) {
			t.Fatal("source never took over")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Send nothing: the idle timeout must end the session.
	deadline = time.Now().Add(3 * time.Second)
	for m.Mode() != producer.ModePlaylist {
		if time.Now().After(deadline) {
			t.Fatal("silent source was not timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleMetadataUpdate(t *testing.T) {
	s, m, _ := newTestServer(t)

	makeReq := func(target, auth string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		if auth != "" {
			r.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		s.handleMetadataUpdate(w, r)
		return w
	}

	if w := makeReq("/admin/metadata?mode=updinfo&song=x", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no auth status = %d, want 401", w.Code)
	}
	if w := makeReq("/admin/metadata?mode=bad&song=x", basicAuth("source", "hackme")); w.Code != http.StatusBadRequest {
		t.Errorf("bad mode status = %d, want 400", w.Code)
	}
	if w := makeReq("/admin/metadata?mode=updinfo", basicAuth("source", "hackme")); w.Code != http.StatusBadRequest {
		t.Errorf("missing song status = %d, want 400", w.Code)
	}
	if w := makeReq("/admin/metadata?mode=updinfo&song=x", basicAuth("source", "hackme")); w.Code != http.StatusNotFound {
		t.Errorf("no source status = %d, want 404", w.Code)
	}

	if err := m.AcquireSource(producer.Session{ID: "s1"}); err != nil {
		t.Fatalf("AcquireSource: %v", err)
	}
	song := "Artist - Title"
	if w := makeReq("/admin/metadata?mode=updinfo&song="+strings.ReplaceAll(song, " ", "+"), basicAuth("source", "hackme")); w.Code != http.StatusOK {
		t.Errorf("update status = %d, want 200", w.Code)
	}
	if got := m.NowPlaying(); got != song {
		t.Errorf("NowPlaying() = %q, want %q", got, song)
	}
}
