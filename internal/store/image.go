package store

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/TobiSchelling/wikicache/internal/title"
)

// sizePrefix matches the resolution prefix of a thumbnail file name, as in
// "440px-Foo.jpg", "lossy-page1-220px-Doc.tif.jpg" or "page3-120px-Scan.pdf.jpg".
var sizePrefix = regexp.MustCompile(`^(?:lossy-|lossless-)?(?:page\d+-)?(\d+)px-`)

// imageRecord is the plist layout of Image.plist.
type imageRecord struct {
	SourceURL      string `plist:"sourceURL"`
	Width          int    `plist:"width,omitempty"`
	Height         int    `plist:"height,omitempty"`
	OriginalWidth  int    `plist:"originalWidth,omitempty"`
	OriginalHeight int    `plist:"originalHeight,omitempty"`
	MimeType       string `plist:"mimeType,omitempty"`
}

// Image is an image referenced by an article. Sizes are zero when unknown.
type Image struct {
	store   *Store
	article title.Title

	mu  sync.RWMutex
	rec imageRecord
}

// NewImage returns an image not attached to any article, e.g. to probe
// for variants. The width is taken from a size prefix when present.
func NewImage(sourceURL string) *Image {
	return newImage(nil, title.Title{}, sourceURL)
}

func newImage(s *Store, article title.Title, sourceURL string) *Image {
	img := &Image{store: s, article: article, rec: imageRecord{SourceURL: sourceURL}}
	if m := sizePrefix.FindStringSubmatch(lastComponent(sourceURL)); m != nil {
		img.rec.Width, _ = strconv.Atoi(m[1])
	}
	return img
}

func imageFromRecord(s *Store, article title.Title, rec imageRecord) *Image {
	return &Image{store: s, article: article, rec: rec}
}

// SourceURL returns the URL the image was fetched from.
func (i *Image) SourceURL() string { return i.rec.SourceURL }

// ArticleTitle returns the owning article's title.
func (i *Image) ArticleTitle() title.Title { return i.article }

// Size returns the rendered width and height.
func (i *Image) Size() (width, height int) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.rec.Width, i.rec.Height
}

// SetSize records the rendered size.
func (i *Image) SetSize(width, height int) {
	i.mu.Lock()
	i.rec.Width, i.rec.Height = width, height
	i.mu.Unlock()
}

// OriginalSize returns the size of the original file.
func (i *Image) OriginalSize() (width, height int) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.rec.OriginalWidth, i.rec.OriginalHeight
}

// SetOriginalSize records the size of the original file.
func (i *Image) SetOriginalSize(width, height int) {
	i.mu.Lock()
	i.rec.OriginalWidth, i.rec.OriginalHeight = width, height
	i.mu.Unlock()
}

// MimeType returns the MIME type, or "".
func (i *Image) MimeType() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.rec.MimeType
}

// SetMimeType records the MIME type.
func (i *Image) SetMimeType(mime string) {
	i.mu.Lock()
	i.rec.MimeType = mime
	i.mu.Unlock()
}

// CanonicalFilename returns the file name with any resolution prefix
// removed: ".../440px-Foo.jpg" and ".../Foo.jpg" both yield "Foo.jpg".
func (i *Image) CanonicalFilename() string {
	return CanonicalFilename(i.rec.SourceURL)
}

// IsVariantOf reports whether both images are renditions of the same file.
func (i *Image) IsVariantOf(other *Image) bool {
	if other == nil {
		return false
	}
	a, b := i.CanonicalFilename(), other.CanonicalFilename()
	return a != "" && a == b
}

// Data returns the stored image bytes; found is false if none were saved.
func (i *Image) Data(ctx context.Context) (data []byte, found bool, err error) {
	if i.store == nil {
		return nil, false, nil
	}
	return i.store.ImageData(ctx, i.article, i.rec.SourceURL)
}

// HasData reports whether image bytes are on disk, without reading them.
func (i *Image) HasData() bool {
	return i.store != nil && i.store.HasImageData(i.article, i.rec.SourceURL)
}

func (i *Image) record() imageRecord {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.rec
}

// CanonicalFilename strips the directory and any resolution prefix from an
// image URL.
func CanonicalFilename(sourceURL string) string {
	name := lastComponent(sourceURL)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if loc := sizePrefix.FindStringIndex(name); loc != nil {
		name = name[loc[1]:]
	}
	return name
}

func lastComponent(sourceURL string) string {
	u := sourceURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return path.Base(u)
}
