package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/wikicache/internal/config"
	"github.com/TobiSchelling/wikicache/internal/featured"
	"github.com/TobiSchelling/wikicache/internal/fetch"
	"github.com/TobiSchelling/wikicache/internal/legacy"
	"github.com/TobiSchelling/wikicache/internal/list"
	"github.com/TobiSchelling/wikicache/internal/logging"
	"github.com/TobiSchelling/wikicache/internal/migrate"
	"github.com/TobiSchelling/wikicache/internal/server"
	"github.com/TobiSchelling/wikicache/internal/store"
	"github.com/TobiSchelling/wikicache/internal/title"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "wikicache",
	Short:   "Offline Wikipedia article store",
	Long:    "wikicache fetches Wikipedia articles into a local on-disk store and serves them for offline reading.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		switch {
		case err == nil:
			cfg, err = config.Load(path)
		case configPath == "":
			// No file anywhere: run on the embedded defaults.
			cfg, err = config.Default()
		}
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger = logging.New(os.Stderr, cfg.Logging, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(savedCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(featuredCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("wikicache", version, "store format", store.FormatVersion)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/wikicache/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to choose the wiki, data directory, and fetch limits.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		md, err := server.StatusMarkdown(cmd.Context(), s)
		if err != nil {
			return fmt.Errorf("reading status: %w", err)
		}
		fmt.Print(md)

		m := newMigrator(s)
		if m.Exists() {
			fmt.Println("\nLegacy data waiting for migration:", cfg.LegacyDir())
		}
		if m.BackupExists() {
			fmt.Printf("\nLegacy backup: %s (migration %s)\n", cfg.BackupDir(), completedLabel(m.Completed()))
		}
		return nil
	},
}

func completedLabel(done bool) string {
	if done {
		return "complete"
	}
	return "incomplete"
}

// --- article commands ---

var importCmd = &cobra.Command{
	Use:   "import [title] [file]",
	Short: "Import a mobileview API response from a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		t, err := parseTitle(args[0])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[1], err)
		}

		a, err := s.ImportArticle(cmd.Context(), t, data)
		if err != nil {
			return err
		}
		if err := s.Flush(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Imported %s: %d sections, %d images\n", a.Title(), len(a.Sections()), len(a.Images()))
		return nil
	},
}

var refresh bool

var fetchCmd = &cobra.Command{
	Use:   "fetch [title...]",
	Short: "Fetch articles and their images into the store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		loader := newLoader(s)
		failed := 0
		for _, arg := range args {
			t, err := parseTitle(arg)
			if err != nil {
				return err
			}
			if err := fetchOne(ctx, loader, t); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fmt.Printf("  %s: %v\n", t, err)
				failed++
			}
		}
		if err := s.Flush(ctx); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d articles failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&refresh, "refresh", false, "Refetch articles that are already cached")
}

func fetchOne(ctx context.Context, loader *fetch.Loader, t title.Title) error {
	var (
		a   *store.Article
		err error
	)
	if refresh {
		a, err = loader.Refresh(ctx, t)
	} else {
		a, err = loader.Load(ctx, t)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d sections\n", a.Title(), len(a.Sections()))

	if !cfg.Fetch.Images {
		return nil
	}
	res, err := loader.LoadImages(ctx, a)
	if err != nil {
		return err
	}
	fmt.Printf("  images: %d fetched, %d cached, %d failed\n", res.Fetched, res.AlreadyCached, res.Failed)
	return nil
}

var summaryLength int

var showCmd = &cobra.Command{
	Use:   "show [title]",
	Short: "Show a cached article",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		t, err := parseTitle(args[0])
		if err != nil {
			return err
		}
		a, err := s.FetchArticle(cmd.Context(), t)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("%s is not cached; run 'wikicache fetch %q'", t, args[0])
		}

		meta := a.Metadata()
		fmt.Println(a.Title())
		if meta.Description != "" {
			fmt.Println(meta.Description)
		}
		if !meta.LastModified.IsZero() {
			fmt.Printf("Last modified: %s", meta.LastModified.Format("2006-01-02 15:04"))
			if meta.LastModifiedBy != "" {
				fmt.Printf(" by %s", meta.LastModifiedBy)
			}
			fmt.Println()
		}
		fmt.Printf("Fully cached: %v\n", a.IsFullyCached())

		summary, err := a.Summary(cmd.Context(), summaryLength)
		if err != nil {
			return err
		}
		if summary != "" {
			fmt.Printf("\n%s\n", summary)
		}

		fmt.Println("\nSections:")
		for _, sec := range a.Sections() {
			if sec.IsLead() {
				continue
			}
			indent := strings.Repeat("  ", max(sec.TOCLevel(), 1))
			fmt.Printf("%s%s %s\n", indent, sec.Number(), sec.Line())
		}
		return nil
	},
}

func init() {
	showCmd.Flags().IntVar(&summaryLength, "summary", 400, "Maximum summary length in characters (0 = unlimited)")
}

var removeCmd = &cobra.Command{
	Use:   "remove [title]",
	Short: "Remove a cached article and its sections and images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		t, err := parseTitle(args[0])
		if err != nil {
			return err
		}
		if err := s.RemoveArticle(cmd.Context(), t); err != nil {
			return err
		}
		if err := s.Flush(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", t)
		return nil
	},
}

// --- featured command ---

var fetchFeatured bool

var featuredCmd = &cobra.Command{
	Use:   "featured",
	Short: "List featured articles from the wiki's feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		site, err := cfg.Site()
		if err != nil {
			return err
		}
		feedURL, err := cfg.FeedURL()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		items, err := featured.NewParser(site, logger).Parse(ctx, feedURL)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No featured articles in the feed.")
			return nil
		}

		for _, it := range items {
			fmt.Printf("%s  %s\n", it.Published.Format("2006-01-02"), it.Title)
		}
		if !fetchFeatured {
			return nil
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		loader := newLoader(s)
		for _, it := range items {
			if err := fetchOne(ctx, loader, it.Title); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fmt.Printf("  %s: %v\n", it.Title, err)
			}
		}
		return s.Flush(ctx)
	},
}

func init() {
	featuredCmd.Flags().BoolVar(&fetchFeatured, "fetch", false, "Fetch the featured articles into the store")
}

// --- migrate command ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate data from the legacy SQLite store",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		return runMigration(cmd.Context(), s)
	},
}

func newMigrator(s *store.Store, opts ...migrate.Option) *migrate.Migrator {
	opts = append([]migrate.Option{
		migrate.WithBatchSize(cfg.Migration.BatchSize),
		migrate.WithConcurrency(cfg.Migration.Concurrency),
		migrate.WithLogger(logger),
	}, opts...)
	return migrate.New(cfg.LegacyDir(), cfg.BackupDir(), migrate.NewStoreDelegate(s, logger), opts...)
}

// runMigration migrates legacy data if there is any, then drops a
// completed backup once it is past the grace period.
func runMigration(ctx context.Context, s *store.Store) error {
	m := newMigrator(s, migrate.WithProgress(func(p migrate.Progress) {
		if p.Total > 0 {
			fmt.Printf("\r  %d/%d records", p.Completed, p.Total)
		}
	}))

	if m.Exists() {
		fmt.Printf("Migrating legacy data from %s\n", legacy.Path(cfg.LegacyDir()))
	}
	result, err := m.MigrateData(ctx)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}

	if !result.Skipped {
		fmt.Println()
		for i, step := range result.Steps {
			fmt.Printf("Step %d/%d: %s\n", i+1, len(result.Steps), step.Name)
			fmt.Printf("  %s\n", step.Summary())
		}
		for _, f := range result.Failures {
			fmt.Printf("  failed: %s\n", f)
		}
	}

	removed, err := m.RemoveBackupIfOlderThan(cfg.Migration.BackupGracePeriod)
	if err != nil {
		return fmt.Errorf("removing backup: %w", err)
	}
	if removed {
		fmt.Println("Removed legacy backup:", cfg.BackupDir())
	}
	return nil
}

// --- serve command ---

var (
	servePort int
	offline   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local reader",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		if err := runMigration(ctx, s); err != nil {
			return err
		}

		site, err := cfg.Site()
		if err != nil {
			return err
		}
		opts := server.Options{Site: site, Logger: logger}
		if !offline {
			opts.Loader = newLoader(s)
		}
		srv, err := server.New(ctx, s, opts)
		if err != nil {
			return err
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		if err := server.Serve(ctx, srv, port); err != nil {
			return err
		}
		return s.Flush(context.Background())
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
	serveCmd.Flags().BoolVar(&offline, "offline", false, "Serve only cached articles")
}

// --- helpers ---

func openStore() (*store.Store, error) {
	return store.Open(cfg.GetDataDir(),
		store.WithLogger(logger),
		store.WithQueueSize(cfg.Store.WriteQueueSize),
		store.WithSubscriberBuffer(cfg.Store.SubscriberBuffer),
		store.WithRecentSearchLimit(cfg.Lists.RecentSearchLimit),
	)
}

func newLoader(s *store.Store) *fetch.Loader {
	f := fetch.NewHTTPFetcher(
		fetch.WithTimeout(cfg.Fetch.Timeout),
		fetch.WithUserAgent(cfg.Fetch.UserAgent),
		fetch.WithRateLimit(cfg.Fetch.RequestsPerSecond),
		fetch.WithLogger(logger),
	)
	return fetch.NewLoader(s, f, logger)
}

// parseTitle accepts an article URL or plain title text on the
// configured site.
func parseTitle(arg string) (title.Title, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return title.FromURL(arg)
	}
	site, err := cfg.Site()
	if err != nil {
		return title.Title{}, err
	}
	return title.New(site, arg)
}

func discoveryFlag(raw string) list.DiscoveryMethod {
	if raw == "" {
		return list.DiscoveryExternal
	}
	return list.DiscoveryMethod(raw)
}
