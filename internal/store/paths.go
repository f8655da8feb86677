package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/TobiSchelling/wikicache/internal/title"
)

// On-disk names. Every path below is relative to the store's base directory.
const (
	sitesDir      = "sites"
	articlesDir   = "articles"
	sectionsDir   = "sections"
	imagesDir     = "images"
	listsDir      = "lists"
	articleFile   = "Article.json"
	sectionFile   = "Section.json"
	sectionText   = "Section.html"
	imageFile     = "Image.plist"
	imageDataFile = "Image.data"
	versionFile   = "Version.json"

	// maxSegmentLen bounds an escaped segment; longer keys are hashed.
	maxSegmentLen = 200
	hashedPrefix  = '@'
)

// EscapeSegment turns an arbitrary key into a single file-system-safe path
// segment. The mapping is injective: literal segments are reversible with
// UnescapeSegment, and oversized keys become '@' followed by a SHA-256 hex
// digest ('@' is always escaped in literal segments).
func EscapeSegment(raw string) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if segmentSafe(c) && !(i == 0 && c == '.') {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	if b.Len() > maxSegmentLen {
		sum := sha256.Sum256([]byte(raw))
		return string(hashedPrefix) + hex.EncodeToString(sum[:])
	}
	return b.String()
}

// UnescapeSegment reverses EscapeSegment. It returns false for hashed or
// malformed segments.
func UnescapeSegment(seg string) (string, bool) {
	if seg == "" || seg[0] == hashedPrefix {
		return "", false
	}
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(seg) {
			return "", false
		}
		v, err := strconv.ParseUint(seg[i+1:i+3], 16, 8)
		if err != nil {
			return "", false
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), true
}

func segmentSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("_.,()!'-", c) >= 0
}

func validateKey(t title.Title) error {
	key := t.PrefixedDBKey()
	switch {
	case t.IsZero() || t.Site().IsZero():
		return fmt.Errorf("%w: empty title", ErrInvalidTitle)
	case key == "." || key == "..":
		return fmt.Errorf("%w: reserved path segment %q", ErrInvalidTitle, key)
	case strings.HasPrefix(key, "./") || strings.HasPrefix(key, "../"):
		return fmt.Errorf("%w: relative path prefix in %q", ErrInvalidTitle, key)
	}
	return nil
}

// ArticleDir returns the directory holding everything stored for t. The
// fragment never takes part in the path.
func ArticleDir(t title.Title) (string, error) {
	if err := validateKey(t); err != nil {
		return "", err
	}
	return filepath.Join(sitesDir, EscapeSegment(t.Site().String()), articlesDir, EscapeSegment(t.PrefixedDBKey())), nil
}

// ArticlePath returns the metadata file of t.
func ArticlePath(t title.Title) (string, error) {
	dir, err := ArticleDir(t)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, articleFile), nil
}

// SectionDir returns the directory of one section of t.
func SectionDir(t title.Title, id int) (string, error) {
	dir, err := ArticleDir(t)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sectionsDir, strconv.Itoa(id)), nil
}

// SectionPath returns the metadata file of one section of t.
func SectionPath(t title.Title, id int) (string, error) {
	dir, err := SectionDir(t, id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sectionFile), nil
}

// SectionTextPath returns the HTML file of one section of t.
func SectionTextPath(t title.Title, id int) (string, error) {
	dir, err := SectionDir(t, id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sectionText), nil
}

// ImageDir returns the directory of an image of t, keyed by its source URL.
func ImageDir(t title.Title, sourceURL string) (string, error) {
	dir, err := ArticleDir(t)
	if err != nil {
		return "", err
	}
	key := imageKey(sourceURL)
	if key == "" {
		return "", fmt.Errorf("image of %s: empty source url", t)
	}
	return filepath.Join(dir, imagesDir, EscapeSegment(key)), nil
}

// ImagePath returns the metadata file of an image.
func ImagePath(t title.Title, sourceURL string) (string, error) {
	dir, err := ImageDir(t, sourceURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, imageFile), nil
}

// ImageDataPath returns the bytes file of an image.
func ImageDataPath(t title.Title, sourceURL string) (string, error) {
	dir, err := ImageDir(t, sourceURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, imageDataFile), nil
}

// ListPath returns the file a named list is persisted to.
func ListPath(name string) string {
	return filepath.Join(listsDir, EscapeSegment(name)+".plist")
}

// imageKey drops the scheme so http, https and protocol-relative forms of
// one URL share storage.
func imageKey(sourceURL string) string {
	u := strings.TrimSpace(sourceURL)
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	return strings.TrimPrefix(u, "//")
}
