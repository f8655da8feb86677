package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"howett.net/plist"

	"github.com/TobiSchelling/wikicache/internal/title"
)

// importedArticle is the validated form of an import payload. Nothing
// loosely typed crosses this boundary.
type importedArticle struct {
	Metadata     Metadata
	ThumbnailURL string
	ImageURL     string
	Images       []importedImage
	Sections     []importedSection
}

type importedSection struct {
	Record sectionRecord
	Text   *string
}

type importedImage struct {
	URL      string
	Width    int
	Height   int
	MimeType string
}

// wire types mirror the mobileview JSON.
type (
	wireEnvelope struct {
		MobileView json.RawMessage `json:"mobileview"`
	}

	wireArticle struct {
		LastModified   string            `json:"lastmodified"`
		LastModifiedBy json.RawMessage   `json:"lastmodifiedby"`
		Revision       flexInt           `json:"revision"`
		LanguageCount  flexInt           `json:"languagecount"`
		Editable       json.RawMessage   `json:"editable"`
		Protection     json.RawMessage   `json:"protection"`
		DisplayTitle   string            `json:"displaytitle"`
		Description    string            `json:"description"`
		Thumb          *wireURL          `json:"thumb"`
		Image          *wireURL          `json:"image"`
		Images         []json.RawMessage `json:"images"`
		Sections       *[]wireSection    `json:"sections"`
	}

	wireURL struct {
		URL string `json:"url"`
	}

	wireImage struct {
		URL    string  `json:"url"`
		Width  flexInt `json:"width"`
		Height flexInt `json:"height"`
		Mime   string  `json:"mime"`
	}

	wireSection struct {
		ID       *flexInt `json:"id"`
		TOCLevel flexInt  `json:"toclevel"`
		Line     string   `json:"line"`
		Anchor   string   `json:"anchor"`
		Number   string   `json:"number"`
		Text     *string  `json:"text"`
	}
)

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	*f = flexInt(v)
	return nil
}

// parseImport validates an import payload: a bare article object or one
// wrapped in {"mobileview": ...}.
func parseImport(data []byte) (*importedArticle, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ImportError{Field: "(root)", Msg: err.Error()}
	}
	if len(env.MobileView) > 0 && string(env.MobileView) != "null" {
		data = env.MobileView
	}

	var w wireArticle
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ImportError{Field: "(root)", Msg: err.Error()}
	}

	imp := &importedArticle{}
	m := &imp.Metadata
	if w.LastModified != "" {
		ts, err := time.Parse(time.RFC3339, w.LastModified)
		if err != nil {
			return nil, &ImportError{Field: "lastmodified", Msg: err.Error()}
		}
		m.LastModified = ts.UTC()
	}
	by, err := parseLastModifiedBy(w.LastModifiedBy)
	if err != nil {
		return nil, err
	}
	m.LastModifiedBy = by
	m.RevisionID = int64(w.Revision)
	m.LanguageCount = int(w.LanguageCount)
	m.Editable = parseEditable(w.Editable)
	if m.Protection, err = parseProtection(w.Protection); err != nil {
		return nil, err
	}
	m.DisplayTitle = w.DisplayTitle
	m.Description = w.Description
	if w.Thumb != nil {
		imp.ThumbnailURL = w.Thumb.URL
	}
	if w.Image != nil {
		imp.ImageURL = w.Image.URL
	}

	for i, raw := range w.Images {
		img, err := parseImage(raw)
		if err != nil {
			return nil, &ImportError{Field: fmt.Sprintf("images[%d]", i), Msg: err.Error()}
		}
		if img.URL != "" {
			imp.Images = append(imp.Images, img)
		}
	}

	if w.Sections == nil {
		return nil, &ImportError{Field: "sections", Msg: "missing"}
	}
	seen := make(map[int]bool, len(*w.Sections))
	for i, ws := range *w.Sections {
		if ws.ID == nil {
			return nil, &ImportError{Field: fmt.Sprintf("sections[%d].id", i), Msg: "missing"}
		}
		id := int(*ws.ID)
		if id < 0 || seen[id] {
			return nil, &ImportError{Field: fmt.Sprintf("sections[%d].id", i), Msg: fmt.Sprintf("invalid or duplicate id %d", id)}
		}
		seen[id] = true
		imp.Sections = append(imp.Sections, importedSection{
			Record: sectionRecord{
				ID:       id,
				TOCLevel: int(ws.TOCLevel),
				Line:     ws.Line,
				Anchor:   ws.Anchor,
				Number:   ws.Number,
			},
			Text: ws.Text,
		})
	}
	slices.SortFunc(imp.Sections, func(a, b importedSection) int { return a.Record.ID - b.Record.ID })

	for _, sec := range imp.Sections {
		if sec.Text != nil {
			imp.Images = append(imp.Images, imagesInHTML(*sec.Text)...)
		}
	}
	imp.Images = dedupeImages(imp.Images)
	return imp, nil
}

func parseLastModifiedBy(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name, nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", &ImportError{Field: "lastmodifiedby", Msg: "want string or {\"name\": ...}"}
	}
	return obj.Name, nil
}

// parseEditable treats any present value other than false as editable;
// the older API sends an empty string for true.
func parseEditable(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "false" && s != "null"
}

func parseProtection(raw json.RawMessage) (map[string][]string, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == "[]" {
		return nil, nil
	}
	var p map[string][]string
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ImportError{Field: "protection", Msg: err.Error()}
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

func parseImage(raw json.RawMessage) (importedImage, error) {
	var u string
	if err := json.Unmarshal(raw, &u); err == nil {
		return importedImage{URL: u}, nil
	}
	var w wireImage
	if err := json.Unmarshal(raw, &w); err != nil {
		return importedImage{}, errors.New("want url string or image object")
	}
	return importedImage{URL: w.URL, Width: int(w.Width), Height: int(w.Height), MimeType: w.Mime}, nil
}

// imagesInHTML returns the images referenced by <img> tags.
func imagesInHTML(html string) []importedImage {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var out []importedImage
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src := strings.TrimSpace(sel.AttrOr("src", ""))
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		w, _ := strconv.Atoi(sel.AttrOr("width", ""))
		h, _ := strconv.Atoi(sel.AttrOr("height", ""))
		out = append(out, importedImage{URL: src, Width: w, Height: h})
	})
	return out
}

// dedupeImages keeps the first occurrence of each storage key, filling in
// sizes a later duplicate knows about. URLs with no storage key, such as
// a bare "https://", are dropped.
func dedupeImages(in []importedImage) []importedImage {
	var out []importedImage
	pos := make(map[string]int, len(in))
	for _, img := range in {
		k := imageKey(img.URL)
		if k == "" {
			continue
		}
		if i, ok := pos[k]; ok {
			if out[i].Width == 0 && out[i].Height == 0 {
				out[i].Width, out[i].Height = img.Width, img.Height
			}
			if out[i].MimeType == "" {
				out[i].MimeType = img.MimeType
			}
			continue
		}
		pos[k] = len(out)
		out = append(out, img)
	}
	return out
}

// ImportArticle replaces everything stored for t with the contents of an
// import payload, in a single write. Section files whose contents already
// match are left untouched, and sections absent from the payload are
// deleted. Image bytes are kept.
func (s *Store) ImportArticle(ctx context.Context, t title.Title, data []byte) (*Article, error) {
	dir, err := ArticleDir(t)
	if err != nil {
		return nil, err
	}
	imp, err := parseImport(data)
	if err != nil {
		return nil, err
	}

	a := newArticle(s, t)
	a.meta = imp.Metadata
	a.thumbnailURL = imp.ThumbnailURL
	a.imageURL = imp.ImageURL
	for _, is := range imp.Sections {
		sec := newSection(s, a.title, is.Record)
		if is.Text != nil {
			sec.setText(*is.Text)
		}
		a.sections = append(a.sections, sec)
	}
	for _, ii := range imp.Images {
		img := newImage(s, a.title, ii.URL)
		if ii.Width > 0 || ii.Height > 0 {
			img.rec.Width, img.rec.Height = ii.Width, ii.Height
		}
		img.rec.MimeType = ii.MimeType
		a.images = append(a.images, img)
	}
	rec := a.record()

	var written, skipped int
	err = s.submit(ctx, "import article", func() error {
		put := func(rel string, data []byte) error {
			if sameContents(s.abs(rel), data) {
				skipped++
				return nil
			}
			if err := writeFileAtomic(s.abs(rel), data); err != nil {
				return ioError("import article", rel, err)
			}
			written++
			return nil
		}

		keep := make(map[string]bool, len(imp.Sections))
		for _, is := range imp.Sections {
			secDir := filepath.Join(dir, sectionsDir, strconv.Itoa(is.Record.ID))
			keep[filepath.Base(secDir)] = true
			meta, err := json.MarshalIndent(is.Record, "", "  ")
			if err != nil {
				return corruptError("encode section", secDir, err)
			}
			if err := put(filepath.Join(secDir, sectionFile), meta); err != nil {
				return err
			}
			if is.Text != nil {
				if err := put(filepath.Join(secDir, sectionText), []byte(*is.Text)); err != nil {
					return err
				}
			}
		}
		if err := s.removeStaleSections(dir, keep); err != nil {
			return err
		}

		for _, img := range a.images {
			rel, err := ImagePath(a.title, img.rec.SourceURL)
			if err != nil {
				return err
			}
			meta, err := plist.Marshal(img.rec, plist.XMLFormat)
			if err != nil {
				return corruptError("encode image", rel, err)
			}
			if err := put(rel, meta); err != nil {
				return err
			}
		}

		// The metadata file goes last: an interrupted import leaves either
		// the previous article or none.
		meta, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return corruptError("encode article", dir, err)
		}
		if err := put(filepath.Join(dir, articleFile), meta); err != nil {
			return err
		}

		s.replace(a)
		s.notify(Event{Kind: ArticleUpdated, Title: a.title})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("article imported",
		"title", a.title.Key(),
		"sections", len(imp.Sections),
		"images", len(imp.Images),
		"written", written,
		"unchanged", skipped,
	)
	return a, nil
}

// caller holds s.mu
func (s *Store) removeStaleSections(dir string, keep map[string]bool) error {
	secRoot := filepath.Join(dir, sectionsDir)
	entries, err := os.ReadDir(s.abs(secRoot))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return ioError("list sections", secRoot, err)
	}
	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		stale := filepath.Join(secRoot, e.Name())
		if err := os.RemoveAll(s.abs(stale)); err != nil {
			return ioError("remove stale section", stale, err)
		}
	}
	return nil
}
