// Package featured reads a wiki's featured-article feed.
package featured

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/wikicache/internal/title"
)

const maxItems = 20

// namespaces are link prefixes that never name an article.
var namespaces = map[string]bool{
	"special": true, "file": true, "image": true, "help": true, "wikipedia": true,
	"category": true, "template": true, "portal": true, "talk": true, "user": true,
}

// Item is one featured article.
type Item struct {
	Title     title.Title
	Published time.Time
	Summary   string
}

// FeedURL returns the featured-article feed of site.
func FeedURL(site title.Site) string {
	return fmt.Sprintf("https://%s/w/api.php?action=featuredfeed&feed=featured&feedformat=atom", site)
}

// Parser turns feed entries into article titles on one site.
type Parser struct {
	site   title.Site
	parser *gofeed.Parser
	log    *slog.Logger
}

// NewParser returns a parser resolving relative links against site. A nil
// logger uses slog.Default.
func NewParser(site title.Site, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{site: site, parser: gofeed.NewParser(), log: logger}
}

// Parse downloads and parses the feed at feedURL.
func (p *Parser) Parse(ctx context.Context, feedURL string) ([]Item, error) {
	feed, err := p.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", feedURL, err)
	}
	items := p.items(feed)
	p.log.Info("parsed featured feed", "url", feedURL, "items", len(items))
	return items, nil
}

// ParseString parses a feed document.
func (p *Parser) ParseString(data string) ([]Item, error) {
	feed, err := p.parser.ParseString(data)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}
	return p.items(feed), nil
}

// items returns the newest entries first, skipping those that do not
// link to an article.
func (p *Parser) items(feed *gofeed.Feed) []Item {
	var items []Item
	for i := len(feed.Items) - 1; i >= 0 && len(items) < maxItems; i-- {
		item, ok := p.parseItem(feed.Items[i])
		if !ok {
			p.log.Debug("skipping feed entry without article link", "entry", feed.Items[i].Title)
			continue
		}
		items = append(items, item)
	}
	return items
}

func (p *Parser) parseItem(fi *gofeed.Item) (Item, bool) {
	var item Item
	if fi.PublishedParsed != nil {
		item.Published = fi.PublishedParsed.UTC()
	} else if fi.UpdatedParsed != nil {
		item.Published = fi.UpdatedParsed.UTC()
	}

	body := fi.Content
	if body == "" {
		body = fi.Description
	}
	var doc *goquery.Document
	if body != "" {
		d, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		if err == nil {
			doc = d
			item.Summary = strings.Join(strings.Fields(doc.Text()), " ")
		}
	}

	if t, err := title.FromURL(fi.Link); err == nil && isArticle(t) {
		item.Title = t
		return item, true
	}
	if doc == nil {
		return item, false
	}
	// The featured article is the first bold link; fall back to any link.
	for _, sel := range []string{"b a[href]", "a[href]"} {
		var found bool
		doc.Find(sel).EachWithBreak(func(_ int, a *goquery.Selection) bool {
			t, ok := p.resolve(a.AttrOr("href", ""))
			if ok {
				item.Title, found = t, true
			}
			return !ok
		})
		if found {
			return item, true
		}
	}
	return item, false
}

func (p *Parser) resolve(href string) (title.Title, bool) {
	var (
		t   title.Title
		err error
	)
	if strings.HasPrefix(href, "/wiki/") {
		t, err = title.FromPath(p.site, href)
	} else {
		if strings.HasPrefix(href, "//") {
			href = "https:" + href
		}
		t, err = title.FromURL(href)
	}
	if err != nil || !isArticle(t) {
		return title.Title{}, false
	}
	return t.WithoutFragment(), true
}

func isArticle(t title.Title) bool {
	ns, _, ok := strings.Cut(t.Text(), ":")
	return !ok || !namespaces[strings.ToLower(ns)]
}
