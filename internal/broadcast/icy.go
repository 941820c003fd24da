/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcast

import (
	"io"
	"strings"
)

// icyWriter interleaves Shoutcast metadata blocks into an audio stream: after
// every interval bytes of payload it emits a length byte followed by the
// padded "StreamTitle='…';" block, or a single zero byte when the title has
// not changed.
type icyWriter struct {
	w        io.Writer
	interval int
	titleFn  func() string

	count     int // payload bytes since the last metadata block
	lastTitle string
	sent      bool // a block has been emitted at least once
}

func newICYWriter(w io.Writer, interval int, titleFn func() string) *icyWriter {
	return &icyWriter{w: w, interval: interval, titleFn: titleFn}
}

// Write emits p with metadata blocks interleaved at the configured interval.
// The returned count covers only payload bytes, so callers can account audio
// bytes without seeing the metadata overhead.
func (iw *icyWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if iw.count == iw.interval {
			if err := iw.writeMetaBlock(); err != nil {
				return written, err
			}
			iw.count = 0
		}

		n := iw.interval - iw.count
		if n > len(p) {
			n = len(p)
		}
		if _, err := iw.w.Write(p[:n]); err != nil {
			return written, err
		}
		iw.count += n
		written += n
		p = p[n:]
	}
	return written, nil
}

func (iw *icyWriter) writeMetaBlock() error {
	title := iw.titleFn()
	if iw.sent && title == iw.lastTitle {
		_, err := iw.w.Write([]byte{0})
		return err
	}

	_, err := iw.w.Write(encodeMetaBlock(title))
	if err == nil {
		iw.lastTitle = title
		iw.sent = true
	}
	return err
}

// encodeMetaBlock renders one ICY metadata block: a length byte counting
// 16-byte units, the StreamTitle string, and zero padding up to the unit
// boundary. An empty title still produces a block so the client learns it.
func encodeMetaBlock(title string) []byte {
	metaStr := "StreamTitle='" + escapeMeta(title) + "';"

	// The length byte counts 16-byte units, capping the block at 255*16.
	if len(metaStr) > 255*16 {
		metaStr = metaStr[:255*16]
	}
	units := (len(metaStr) + 15) / 16

	block := make([]byte, 1+units*16)
	block[0] = byte(units)
	copy(block[1:], metaStr)
	return block
}

func escapeMeta(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
