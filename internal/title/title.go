// Package title provides the normalized identity of a wiki page.
package title

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidTitle is returned when text cannot identify a page.
var ErrInvalidTitle = errors.New("invalid title")

// DefaultDomain is the project domain used when a host has no explicit one.
const DefaultDomain = "wikipedia.org"

// Site identifies a single wiki, e.g. the English Wikipedia.
type Site struct {
	Domain   string
	Language string
}

// NewSite returns the site for a language on a project domain.
func NewSite(language, domain string) Site {
	if domain == "" {
		domain = DefaultDomain
	}
	return Site{Domain: strings.ToLower(domain), Language: strings.ToLower(language)}
}

// ParseSite parses a host such as "en.wikipedia.org" or "en.m.wikipedia.org".
func ParseSite(host string) (Site, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	lang, rest, ok := strings.Cut(host, ".")
	if !ok || lang == "" || rest == "" {
		return Site{}, fmt.Errorf("parse site %q: missing language subdomain", host)
	}
	rest = strings.TrimPrefix(rest, "m.")
	return Site{Domain: rest, Language: lang}, nil
}

// String returns the host name of the site.
func (s Site) String() string {
	if s.Language == "" {
		return s.Domain
	}
	return s.Language + "." + s.Domain
}

// IsZero reports whether s is the zero Site.
func (s Site) IsZero() bool {
	return s.Domain == "" && s.Language == ""
}

// Title is the identity of a page on a site. The text is always normalized,
// so two Titles naming the same page compare equal with ==.
type Title struct {
	site     Site
	text     string
	fragment string
}

// New builds a Title from user or API supplied text. Underscores and
// percent-escapes are normalized; a "#fragment" suffix becomes the fragment.
func New(site Site, text string) (Title, error) {
	if site.IsZero() {
		return Title{}, fmt.Errorf("%w: missing site", ErrInvalidTitle)
	}
	raw, frag, _ := strings.Cut(text, "#")
	norm := Normalize(raw)
	if norm == "" {
		return Title{}, fmt.Errorf("%w: empty text %q", ErrInvalidTitle, text)
	}
	return Title{site: site, text: norm, fragment: normalizeFragment(frag)}, nil
}

// MustNew is New for literals known to be valid; it panics otherwise.
func MustNew(site Site, text string) Title {
	t, err := New(site, text)
	if err != nil {
		panic(err)
	}
	return t
}

// FromURL parses an article URL like "https://en.wikipedia.org/wiki/Foo_bar#History".
func FromURL(raw string) (Title, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Title{}, fmt.Errorf("%w: %v", ErrInvalidTitle, err)
	}
	site, err := ParseSite(u.Host)
	if err != nil {
		return Title{}, fmt.Errorf("%w: %v", ErrInvalidTitle, err)
	}
	return FromPath(site, u.EscapedPath()+fragmentSuffix(u.EscapedFragment()))
}

// FromPath parses a site-relative link like "/wiki/Foo_bar".
func FromPath(site Site, path string) (Title, error) {
	text, ok := strings.CutPrefix(path, "/wiki/")
	if !ok {
		return Title{}, fmt.Errorf("%w: %q is not an article path", ErrInvalidTitle, path)
	}
	return New(site, text)
}

// Normalize converts text into the canonical display form: percent-escapes
// decoded, underscores turned into spaces and runs of whitespace collapsed.
func Normalize(text string) string {
	if unescaped, err := url.PathUnescape(text); err == nil {
		text = unescaped
	}
	text = strings.ReplaceAll(text, "_", " ")
	return strings.Join(strings.Fields(text), " ")
}

func normalizeFragment(frag string) string {
	if unescaped, err := url.PathUnescape(frag); err == nil {
		frag = unescaped
	}
	return strings.ReplaceAll(strings.TrimSpace(frag), " ", "_")
}

func fragmentSuffix(frag string) string {
	if frag == "" {
		return ""
	}
	return "#" + frag
}

// Site returns the site the page lives on.
func (t Title) Site() Site { return t.site }

// Text returns the normalized, human readable text.
func (t Title) Text() string { return t.text }

// Fragment returns the section anchor, or "".
func (t Title) Fragment() string { return t.fragment }

// IsZero reports whether t is the zero Title.
func (t Title) IsZero() bool { return t.text == "" }

// WithFragment returns a copy of t pointing at a section anchor.
func (t Title) WithFragment(fragment string) Title {
	t.fragment = normalizeFragment(fragment)
	return t
}

// WithoutFragment returns t with the fragment dropped.
func (t Title) WithoutFragment() Title {
	t.fragment = ""
	return t
}

// PrefixedDBKey returns the database key form, spaces replaced by underscores.
func (t Title) PrefixedDBKey() string {
	return strings.ReplaceAll(t.text, " ", "_")
}

// PrefixedURL returns the canonical desktop URL of the page.
func (t Title) PrefixedURL() string {
	escaped := strings.ReplaceAll(url.PathEscape(t.PrefixedDBKey()), "%2F", "/")
	u := "https://" + t.site.String() + "/wiki/" + escaped
	if t.fragment != "" {
		u += "#" + url.PathEscape(t.fragment)
	}
	return u
}

// Key returns a string unique to the (site, text, fragment) triple,
// suitable for map keys.
func (t Title) Key() string {
	k := t.site.String() + "/" + t.PrefixedDBKey()
	if t.fragment != "" {
		k += "#" + t.fragment
	}
	return k
}

// Equal reports whether two titles identify the same page and anchor.
func (t Title) Equal(other Title) bool { return t == other }

func (t Title) String() string {
	if t.fragment == "" {
		return t.text
	}
	return t.text + "#" + t.fragment
}

// MarshalText encodes the title as its canonical URL.
func (t Title) MarshalText() ([]byte, error) {
	if t.IsZero() {
		return []byte{}, nil
	}
	return []byte(t.PrefixedURL()), nil
}

// UnmarshalText decodes a title produced by MarshalText.
func (t *Title) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*t = Title{}
		return nil
	}
	parsed, err := FromURL(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
