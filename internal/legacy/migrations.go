package legacy

import (
	"context"
	"database/sql"
)

// Migration is a single schema step.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// migrations is the ordered list of schema steps. Append new ones with
// incrementing versions.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS articles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site TEXT NOT NULL,
    title TEXT NOT NULL,
    last_modified TEXT,
    last_modified_by TEXT,
    revision INTEGER DEFAULT 0,
    language_count INTEGER DEFAULT 0,
    editable INTEGER DEFAULT 0,
    protection TEXT,
    display_title TEXT,
    thumbnail_url TEXT,
    image_url TEXT,
    UNIQUE(site, title)
);

CREATE TABLE IF NOT EXISTS sections (
    article_id INTEGER NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
    section_id INTEGER NOT NULL,
    toc_level INTEGER DEFAULT 0,
    line TEXT,
    anchor TEXT,
    number TEXT,
    html TEXT,
    PRIMARY KEY (article_id, section_id)
);

CREATE TABLE IF NOT EXISTS images (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    article_id INTEGER NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
    source_url TEXT NOT NULL,
    width INTEGER DEFAULT 0,
    height INTEGER DEFAULT 0,
    mime_type TEXT,
    data BLOB,
    UNIQUE(article_id, source_url)
);

CREATE TABLE IF NOT EXISTS history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site TEXT NOT NULL,
    title TEXT NOT NULL,
    fragment TEXT,
    visited_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS saved_pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site TEXT NOT NULL,
    title TEXT NOT NULL,
    fragment TEXT,
    saved_at TEXT DEFAULT (datetime('now'))
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "history scroll position and discovery method",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			for _, col := range []struct{ name, ddl string }{
				{"scroll_position", "ALTER TABLE history ADD COLUMN scroll_position REAL DEFAULT 0"},
				{"discovery_method", "ALTER TABLE history ADD COLUMN discovery_method TEXT"},
			} {
				ok, err := hasColumn(ctx, tx, "history", col.name)
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				if _, err := tx.ExecContext(ctx, col.ddl); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "article descriptions and original image sizes",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			for _, col := range []struct{ table, name, ddl string }{
				{"articles", "description", "ALTER TABLE articles ADD COLUMN description TEXT"},
				{"images", "original_width", "ALTER TABLE images ADD COLUMN original_width INTEGER DEFAULT 0"},
				{"images", "original_height", "ALTER TABLE images ADD COLUMN original_height INTEGER DEFAULT 0"},
			} {
				ok, err := hasColumn(ctx, tx, col.table, col.name)
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				if _, err := tx.ExecContext(ctx, col.ddl); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, `
CREATE INDEX IF NOT EXISTS idx_images_article ON images(article_id);
CREATE INDEX IF NOT EXISTS idx_history_visited ON history(visited_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
