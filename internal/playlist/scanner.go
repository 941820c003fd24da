/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlist implements the fallback producer: it enumerates a
// directory of audio files and feeds them into the ring whenever no live
// source is connected.
package playlist

import (
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
)

// Track is one playable file discovered by the scanner.
type Track struct {
	Path   string
	Size   int64
	Format string // lower-case extension without the dot
	Artist string
	Title  string
}

// DisplayTitle returns the human-readable title used for ICY metadata and the
// status page: "Artist - Title" when tags are present, the file name
// otherwise.
func (t Track) DisplayTitle() string {
	switch {
	case t.Artist != "" && t.Title != "":
		return t.Artist + " - " + t.Title
	case t.Title != "":
		return t.Title
	default:
		return strings.TrimSuffix(filepath.Base(t.Path), filepath.Ext(t.Path))
	}
}

// Scan walks dir and returns every regular file whose extension is in the
// allow-list. Tag metadata is read best-effort; a file with unreadable tags
// is still playable.
func Scan(dir string, extensions []string) ([]Track, error) {
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	var tracks []Track
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := allowed[ext]; !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil // file vanished between walk and stat
		}

		track := Track{
			Path:   path,
			Size:   info.Size(),
			Format: strings.TrimPrefix(ext, "."),
		}
		track.Artist, track.Title = readTags(path)
		tracks = append(tracks, track)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tracks, nil
}

// Shuffle permutes tracks in place.
func Shuffle(tracks []Track) {
	rand.Shuffle(len(tracks), func(i, j int) {
		tracks[i], tracks[j] = tracks[j], tracks[i]
	})
}

func readTags(path string) (artist, title string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return "", ""
	}
	return m.Artist(), m.Title()
}
