package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"rss_reader/internal/event"
	"rss_reader/internal/feed"
	"rss_reader/internal/filter"
	"rss_reader/internal/model"
	"rss_reader/internal/scheduler"
)

func newFeedsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Manage feed sources",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List feed sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := a.store.LoadFeeds(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(data.Feeds) == 0 {
				fmt.Fprintln(out, "No feeds yet. Add one with: reader feeds add <title> <url>...")
				return nil
			}
			names := lo.Associate(data.Categories, func(c model.Category) (string, string) { return c.ID, c.Name })
			for _, src := range data.Feeds {
				fmt.Fprintf(out, "%s\t%s", src.ID, src.Title)
				if name, ok := names[src.CategoryID]; ok {
					fmt.Fprintf(out, "\t[%s]", name)
				}
				fmt.Fprintln(out)
				for _, u := range src.URLs {
					fmt.Fprintf(out, "\t%s\n", u)
				}
			}
			return nil
		},
	}

	var category string
	add := &cobra.Command{
		Use:   "add <title> <url>...",
		Short: "Add a source federating one or more feed URLs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.store.AddSource(cmd.Context(), args[0], args[1:], category)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", src.Title, src.ID)
			return nil
		},
	}
	add.Flags().StringVar(&category, "category", "", "category id")

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a source and its filter rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.store.RemoveSource(cmd.Context(), args[0])
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.store.Source(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			src.Title = args[1]
			return a.store.UpdateSource(cmd.Context(), src)
		},
	}

	cmd.AddCommand(list, add, remove, rename)
	return cmd
}

func newCategoriesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "Manage source categories",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := a.store.LoadFeeds(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range data.Categories {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.ID, c.Name)
			}
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.store.AddCategory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", c.Name, c.ID)
			return nil
		},
	}

	cmd.AddCommand(list, add)
	return cmd
}

func newItemsCmd(a *app) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "items <source-id>",
		Short: "Show the merged items of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.store.Source(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			f, err := a.reader.LoadSource(cmd.Context(), src)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, c := range f.Categories {
				fmt.Fprintf(out, "%s (%d)  ", c.Name, c.Count)
			}
			fmt.Fprintln(out)

			items, ok := f.ByCategory[category]
			if !ok {
				return fmt.Errorf("unknown category %q", category)
			}
			for _, item := range items {
				printItem(out, item)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", feed.AllCategoryID, "category id to show")
	return cmd
}

func printItem(out io.Writer, item model.FeedItem) {
	date := item.ISODate()
	if date == "" {
		date = "-"
	}
	lock := ""
	if item.HasPaywall {
		lock = " [paywall]"
	}
	fmt.Fprintf(out, "%s  %s%s\n  %s\n", date, item.Title, lock, item.Link)
	if item.Snippet != "" {
		fmt.Fprintf(out, "  %s\n", item.Snippet)
	}
}

func newReadCmd(a *app) *cobra.Command {
	var text bool
	cmd := &cobra.Command{
		Use:   "read <source-id> <link>",
		Short: "Open an article with the source's filters applied",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			item := findItem(ctx, a, args[0], args[1])

			article, err := a.reader.Open(ctx, item, args[0])
			if err != nil {
				if isFetchFailure(err) {
					return fmt.Errorf("could not load the article, run the command again to retry: %w", err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, article.Title)
			if article.Byline != "" {
				fmt.Fprintln(out, article.Byline)
			}
			fmt.Fprintln(out)
			if !text {
				fmt.Fprintln(out, article.Content)
				return nil
			}
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
			if err != nil {
				return fmt.Errorf("render article: %w", err)
			}
			doc.Find("p, h1, h2, h3, h4, li, br").AfterHtml("\n")
			fmt.Fprintln(out, strings.TrimSpace(doc.Text()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&text, "text", false, "print plain text instead of HTML")
	return cmd
}

// findItem looks link up in the source's feeds so the lead image can be
// merged. A bare item is used when the source cannot be loaded.
func findItem(ctx context.Context, a *app, sourceID, link string) model.FeedItem {
	bare := model.FeedItem{Link: link}
	src, err := a.store.Source(ctx, sourceID)
	if err != nil {
		return bare
	}
	f, err := a.reader.LoadSource(ctx, src)
	if err != nil {
		a.log.Warn("load source for article", "source", sourceID, "error", err)
		return bare
	}
	item, ok := lo.Find(f.Items, func(i model.FeedItem) bool { return i.Link == link })
	if !ok {
		return bare
	}
	return item
}

func newAnalyzeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <source-id>",
		Short: "Rank recurring page elements across recent articles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.store.Source(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			report, err := a.reader.Analyze(cmd.Context(), src)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, line := range report.Log {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "Analyzed %d articles, %d failed\n\n", report.Analyzed, report.Failed)
			for _, c := range report.Candidates {
				mark := " "
				if c.Hidden {
					mark = "x"
				}
				fmt.Fprintf(out, "[%s] %4d  %s\n", mark, c.Count, c.Selector)
			}
			if len(report.Paywalled) > 0 {
				fmt.Fprintln(out, "\nPaywalled:")
				for _, item := range report.Paywalled {
					fmt.Fprintf(out, "  %s\n", item.Link)
				}
			}
			return nil
		},
	}
}

func newHideCmd(a *app, hide bool) *cobra.Command {
	use, short := "hide", "Hide an element in a source's articles"
	if !hide {
		use, short = "unhide", "Show a previously hidden element again"
	}

	var kind string
	cmd := &cobra.Command{
		Use:   use + " <source-id> <selector>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := args[1]
			if kind != "" {
				var err error
				if sel, err = filter.ManualSelector(filter.SelectorKind(kind), sel); err != nil {
					return err
				}
			}
			if hide {
				return a.reader.Hide(cmd.Context(), args[0], sel)
			}
			return a.reader.Unhide(cmd.Context(), args[0], sel)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "build the selector from a bare value: tag, class, id or attr")
	return cmd
}

func newFiltersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "filters <source-id>",
		Short: "List the hidden elements of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := a.store.FilterRule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, sel := range rule.HiddenElements {
				fmt.Fprintln(cmd.OutOrStdout(), sel)
			}
			return nil
		},
	}
}

func newPaywallCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paywall",
		Short: "Manage the paywall pattern library",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List paywall patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			patterns, err := a.store.PaywallPatterns(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range patterns {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", p.ID, p.Kind, p.Name, p.Pattern)
			}
			return nil
		},
	}

	var kind string
	add := &cobra.Command{
		Use:   "add <name> <pattern>",
		Short: "Add a selector or text pattern",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.reader.AddPaywallPattern(cmd.Context(), args[0], args[1], model.PatternKind(kind))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", p.Name, p.ID)
			return nil
		},
	}
	add.Flags().StringVar(&kind, "type", string(model.PatternSelector), "pattern type: selector or text")

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.reader.RemovePaywallPattern(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

type printSink struct {
	out io.Writer
}

func (p printSink) NewItems(src model.FeedSource, items []model.FeedItem) {
	fmt.Fprintf(p.out, "== %s: %d new\n", src.Title, len(items))
	for _, item := range items {
		printItem(p.out, item)
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Reload every source periodically and print new items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			filters, unsubFilters := a.hub.Subscribe(event.FilterUpdated)
			defer unsubFilters()
			paywalls, unsubPaywalls := a.hub.Subscribe(event.PaywallUpdated)
			defer unsubPaywalls()

			trigger := make(chan struct{}, 1)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case _, ok := <-filters:
						if !ok {
							return
						}
					case _, ok := <-paywalls:
						if !ok {
							return
						}
					}
					select {
					case trigger <- struct{}{}:
					default:
					}
				}
			}()

			sched := scheduler.New(a.store, a.reader, printSink{out: cmd.OutOrStdout()}, a.log)
			sched.SetTickInterval(a.cfg.RefreshInterval)
			sched.SetTrigger(trigger)

			a.log.Info("watching sources", "interval", a.cfg.RefreshInterval)
			sched.Run(ctx)
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
