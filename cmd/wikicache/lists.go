package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// --- history command ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage the reading history",
}

var historyLimit int

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List visited articles, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		h, err := s.History(cmd.Context())
		if err != nil {
			return err
		}
		entries := h.Entries()
		if len(entries) == 0 {
			fmt.Println("History is empty.")
			return nil
		}

		shown := 0
		for i := len(entries) - 1; i >= 0; i-- {
			if historyLimit > 0 && shown == historyLimit {
				break
			}
			e := entries[i]
			fmt.Printf("  %s  %-40s %s\n", e.Date.Local().Format("2006-01-02 15:04"), e.Title, e.DiscoveryMethod)
			shown++
		}
		return nil
	},
}

var discoveredBy string

var historyAddCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Record a visit",
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
		h, err := s.History(cmd.Context())
		if err != nil {
			return err
		}
		h.Add(t, discoveryFlag(discoveredBy))
		if err := h.Save(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Added to history: %s\n", t)
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every history entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		h, err := s.History(cmd.Context())
		if err != nil {
			return err
		}
		n := h.Len()
		h.RemoveAll()
		if err := h.Save(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Cleared %d history entries\n", n)
		return nil
	},
}

func init() {
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to show (0 = all)")
	historyAddCmd.Flags().StringVar(&discoveredBy, "via", "", "How the article was reached (search, link, featured, ...)")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyAddCmd)
	historyCmd.AddCommand(historyClearCmd)
}

// --- saved command ---

var savedCmd = &cobra.Command{
	Use:   "saved",
	Short: "Manage saved pages",
}

var savedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		saved, err := s.SavedPages(cmd.Context())
		if err != nil {
			return err
		}
		if saved.Len() == 0 {
			fmt.Println("No saved pages. Save one with: wikicache saved toggle [title]")
			return nil
		}
		for _, e := range saved.Entries() {
			fmt.Printf("  %s  %s\n", e.Date.Local().Format("2006-01-02"), e.Title)
		}
		return nil
	},
}

var savedToggleCmd = &cobra.Command{
	Use:   "toggle [title]",
	Short: "Save a page, or unsave it if already saved",
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
		saved, err := s.SavedPages(cmd.Context())
		if err != nil {
			return err
		}
		added := saved.Toggle(t)
		if err := saved.Save(cmd.Context()); err != nil {
			return err
		}
		if added {
			fmt.Printf("Saved %s\n", t)
		} else {
			fmt.Printf("Unsaved %s\n", t)
		}
		return nil
	},
}

func init() {
	savedCmd.AddCommand(savedListCmd)
	savedCmd.AddCommand(savedToggleCmd)
}

// --- search command ---

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Manage recent searches",
}

var searchAddCmd = &cobra.Command{
	Use:   "add [term]",
	Short: "Record a search term",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		searches, err := s.RecentSearches(cmd.Context())
		if err != nil {
			return err
		}
		if _, ok := searches.Add(args[0]); !ok {
			return fmt.Errorf("empty search term")
		}
		return searches.Save(cmd.Context())
	},
}

var searchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent searches, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		searches, err := s.RecentSearches(cmd.Context())
		if err != nil {
			return err
		}
		entries := searches.Entries()
		for i := len(entries) - 1; i >= 0; i-- {
			fmt.Printf("  %s\n", entries[i].Term)
		}
		return nil
	},
}

func init() {
	searchCmd.AddCommand(searchAddCmd)
	searchCmd.AddCommand(searchListCmd)
}
