package legacy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout is what datetime('now') produces.
const sqliteTimeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, sqliteTimeLayout} {
		if t, err := time.Parse(layout, s.String); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func blob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Count returns the number of rows in every migratable table.
func (db *DB) Count(ctx context.Context) (Counts, error) {
	var c Counts
	for _, q := range []struct {
		table string
		dst   *int
	}{
		{"articles", &c.Articles},
		{"images", &c.Images},
		{"history", &c.History},
		{"saved_pages", &c.SavedPages},
	} {
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+q.table).Scan(q.dst); err != nil {
			return Counts{}, fmt.Errorf("counting %s: %w", q.table, err)
		}
	}
	return c, nil
}

// InsertArticle inserts an article and its sections. Returns the new ID.
func (db *DB) InsertArticle(ctx context.Context, a Article) (int64, error) {
	var protection *string
	if len(a.Protection) > 0 {
		b, err := json.Marshal(a.Protection)
		if err != nil {
			return 0, err
		}
		s := string(b)
		protection = &s
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO articles (site, title, last_modified, last_modified_by, revision,
			language_count, editable, protection, display_title, description, thumbnail_url, image_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Site, a.Title, formatTime(a.LastModified), nullable(a.LastModifiedBy), a.Revision,
		a.LanguageCount, a.Editable, protection, nullable(a.DisplayTitle), nullable(a.Description),
		nullable(a.ThumbnailURL), nullable(a.ImageURL),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting article %s/%s: %w", a.Site, a.Title, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, s := range a.Sections {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sections (article_id, section_id, toc_level, line, anchor, number, html)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, s.ID, s.TOCLevel, nullable(s.Line), nullable(s.Anchor), nullable(s.Number), s.HTML,
		); err != nil {
			return 0, fmt.Errorf("inserting section %d: %w", s.ID, err)
		}
	}
	return id, tx.Commit()
}

// Articles returns up to limit articles with an ID greater than afterID,
// ordered by ID, sections included.
func (db *DB) Articles(ctx context.Context, afterID int64, limit int) ([]Article, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, site, title, last_modified, last_modified_by, revision, language_count,
			editable, protection, display_title, description, thumbnail_url, image_url
		FROM articles WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		var (
			a                                     Article
			lastModified, by, protection, display sql.NullString
			description, thumbnail, image         sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Site, &a.Title, &lastModified, &by, &a.Revision, &a.LanguageCount,
			&a.Editable, &protection, &display, &description, &thumbnail, &image); err != nil {
			return nil, err
		}
		a.LastModified = parseTime(lastModified)
		a.LastModifiedBy = by.String
		a.DisplayTitle = display.String
		a.Description = description.String
		a.ThumbnailURL = thumbnail.String
		a.ImageURL = image.String
		if protection.Valid && protection.String != "" {
			if err := json.Unmarshal([]byte(protection.String), &a.Protection); err != nil {
				return nil, fmt.Errorf("article %d protection: %w", a.ID, err)
			}
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(articles) == 0 {
		return nil, nil
	}
	if err := db.attachSections(ctx, articles); err != nil {
		return nil, err
	}
	return articles, nil
}

func (db *DB) attachSections(ctx context.Context, articles []Article) error {
	byID := make(map[int64]int, len(articles))
	args := make([]any, len(articles))
	for i, a := range articles {
		byID[a.ID] = i
		args[i] = a.ID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(articles)), ",")

	rows, err := db.conn.QueryContext(ctx,
		`SELECT article_id, section_id, toc_level, line, anchor, number, html
		FROM sections WHERE article_id IN (`+placeholders+`) ORDER BY article_id, section_id`, args...,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			articleID         int64
			s                 Section
			line, anchor, num sql.NullString
			html              sql.NullString
		)
		if err := rows.Scan(&articleID, &s.ID, &s.TOCLevel, &line, &anchor, &num, &html); err != nil {
			return err
		}
		s.Line, s.Anchor, s.Number = line.String, anchor.String, num.String
		if html.Valid {
			text := html.String
			s.HTML = &text
		}
		i := byID[articleID]
		articles[i].Sections = append(articles[i].Sections, s)
	}
	return rows.Err()
}

// InsertImage inserts an image row for an existing article.
func (db *DB) InsertImage(ctx context.Context, img Image) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO images (article_id, source_url, width, height, original_width, original_height, mime_type, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		img.ArticleID, img.SourceURL, img.Width, img.Height, img.OriginalWidth, img.OriginalHeight,
		nullable(img.MimeType), blob(img.Data),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting image %s: %w", img.SourceURL, err)
	}
	return res.LastInsertId()
}

// Images returns up to limit images with an ID greater than afterID,
// ordered by ID, joined with their article's site and title.
func (db *DB) Images(ctx context.Context, afterID int64, limit int) ([]Image, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT i.id, i.article_id, a.site, a.title, i.source_url, i.width, i.height,
			i.original_width, i.original_height, i.mime_type, i.data
		FROM images i JOIN articles a ON a.id = i.article_id
		WHERE i.id > ? ORDER BY i.id LIMIT ?`, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var (
			img  Image
			mime sql.NullString
		)
		if err := rows.Scan(&img.ID, &img.ArticleID, &img.Site, &img.ArticleTitle, &img.SourceURL,
			&img.Width, &img.Height, &img.OriginalWidth, &img.OriginalHeight, &mime, &img.Data); err != nil {
			return nil, err
		}
		img.MimeType = mime.String
		if len(img.Data) == 0 {
			img.Data = nil
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// InsertHistory inserts a visit.
func (db *DB) InsertHistory(ctx context.Context, e HistoryEntry) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO history (site, title, fragment, visited_at, scroll_position, discovery_method)
		VALUES (?, ?, ?, COALESCE(?, datetime('now')), ?, ?)`,
		e.Site, e.Title, nullable(e.Fragment), formatTime(e.VisitedAt), e.ScrollPosition, nullable(e.DiscoveryMethod),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting history %s/%s: %w", e.Site, e.Title, err)
	}
	return res.LastInsertId()
}

// History returns up to limit visits with an ID greater than afterID,
// ordered by ID.
func (db *DB) History(ctx context.Context, afterID int64, limit int) ([]HistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, site, title, fragment, visited_at, scroll_position, discovery_method
		FROM history WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e                         HistoryEntry
			fragment, visited, method sql.NullString
			scroll                    sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &e.Site, &e.Title, &fragment, &visited, &scroll, &method); err != nil {
			return nil, err
		}
		e.Fragment = fragment.String
		e.VisitedAt = parseTime(visited)
		e.ScrollPosition = scroll.Float64
		e.DiscoveryMethod = method.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InsertSavedPage inserts a saved page.
func (db *DB) InsertSavedPage(ctx context.Context, p SavedPage) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO saved_pages (site, title, fragment, saved_at)
		VALUES (?, ?, ?, COALESCE(?, datetime('now')))`,
		p.Site, p.Title, nullable(p.Fragment), formatTime(p.SavedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting saved page %s/%s: %w", p.Site, p.Title, err)
	}
	return res.LastInsertId()
}

// SavedPages returns up to limit saved pages with an ID greater than
// afterID, ordered by ID.
func (db *DB) SavedPages(ctx context.Context, afterID int64, limit int) ([]SavedPage, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, site, title, fragment, saved_at
		FROM saved_pages WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []SavedPage
	for rows.Next() {
		var (
			p               SavedPage
			fragment, saved sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Site, &p.Title, &fragment, &saved); err != nil {
			return nil, err
		}
		p.Fragment = fragment.String
		p.SavedAt = parseTime(saved)
		pages = append(pages, p)
	}
	return pages, rows.Err()
}
