// Package library walks a music directory tree, extracts metadata, and
// persists the result as the music_library table.
package library

import (
	"crypto/md5"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"
)

// Track is one row of the music library, keyed by file path.
type Track struct {
	FilePath        string
	Artist          string
	Title           string
	Album           string
	Genre           string
	Year            string
	DurationSeconds int
	FileHash        string
	LastScanned     time.Time
}

// Extensions recognized as audio files during a scan.
var Extensions = map[string]bool{
	".mp3": true, ".flac": true, ".ogg": true, ".wav": true,
	".m4a": true, ".aac": true, ".opus": true, ".wma": true,
}

// IsAudioFile reports whether path has a recognized audio extension.
func IsAudioFile(path string) bool {
	return Extensions[strings.ToLower(filepath.Ext(path))]
}

// fingerprintPrefixBytes is how much of the file is hashed alongside its
// size, enough to detect most in-place edits without reading whole files on
// every rescan.
const fingerprintPrefixBytes = 8192

// Fingerprint returns an md5 hash over the file's size (as ASCII decimal)
// followed by its first 8 KiB, used to detect changes on rescan. This
// differs deliberately from a whole-file hash: large libraries would make a
// full rescan prohibitively slow, and a size+prefix hash already catches
// nearly all real edits (re-tagging, re-encoding, truncation).
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("library: fingerprint %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("library: fingerprint %s: %w", path, err)
	}

	buf := make([]byte, fingerprintPrefixBytes)
	n, err := f.Read(buf)
	if err != nil && n == 0 && info.Size() > 0 {
		return "", fmt.Errorf("library: fingerprint %s: %w", path, err)
	}

	h := md5.New()
	h.Write([]byte(strconv.FormatInt(info.Size(), 10)))
	h.Write(buf[:n])
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// NewTrackFromFile extracts metadata for the file at path: tags first, then
// a path-parsing fallback, per the documented extraction order. A tag-parse
// failure degrades to path-parsed metadata. A file that cannot be opened or
// read for its fingerprint yields an error and no Track; the path-parsing
// fallback does not apply to it.
func NewTrackFromFile(path string) (*Track, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	hash, err := Fingerprint(absPath)
	if err != nil {
		return nil, err
	}

	track := &Track{
		FilePath:    absPath,
		FileHash:    hash,
		LastScanned: time.Now(),
	}

	if !extractFromTags(track, absPath) {
		parseFromPath(track, absPath)
	}

	return track, nil
}

// extractFromTags reads ID3/Vorbis/etc. tags via dhowden/tag. Returns false
// if the file could not be opened or no tag reader recognized the format, so
// the caller can fall back to path parsing.
func extractFromTags(track *Track, path string) bool {
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("library: could not open file for tags", "path", path, "error", err)
		return false
	}
	defer func() { _ = f.Close() }()

	m, err := tag.ReadFrom(f)
	if err != nil {
		slog.Debug("library: no tags read", "path", path, "error", err)
		return false
	}

	track.Artist = m.Artist()
	track.Title = m.Title()
	track.Album = m.Album()
	track.Genre = m.Genre()
	if m.Year() != 0 {
		track.Year = strconv.Itoa(m.Year())
	}
	return track.Title != "" || track.Artist != ""
}

// leadingOrdinalAndPunct strips leading digits, dots, dashes, and spaces from
// a filename stem, e.g. "03. Song Title" -> "Song Title".
var leadingOrdinalAndPunct = regexp.MustCompile(`^[0-9.\-\s]+`)

// parseFromPath fills in Title/Artist from the filename and parent directory
// when no usable tags were found: (a) "artist - title" stems split on " - ",
// promoting the parent directory as artist when the left part is purely
// digits (a track number masquerading as an artist); (b) otherwise strip any
// leading ordinal/punctuation and use the parent directory as artist when
// nested.
func parseFromPath(track *Track, path string) {
	dir := filepath.Dir(path)
	filename := filepath.Base(path)
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))

	if artist, title, ok := strings.Cut(stem, " - "); ok {
		if isAllDigits(artist) && hasAtLeastTwoComponents(dir) {
			track.Artist = filepath.Base(dir)
			track.Title = strings.TrimSpace(title)
			return
		}
		track.Artist = strings.TrimSpace(artist)
		track.Title = strings.TrimSpace(title)
		return
	}

	track.Title = strings.TrimSpace(leadingOrdinalAndPunct.ReplaceAllString(stem, ""))
	if hasAtLeastTwoComponents(dir) {
		track.Artist = filepath.Base(dir)
	}
}

func isAllDigits(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hasAtLeastTwoComponents(dir string) bool {
	clean := filepath.Clean(dir)
	return clean != "." && clean != string(filepath.Separator) && filepath.Dir(clean) != clean
}
