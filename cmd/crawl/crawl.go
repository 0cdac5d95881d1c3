// Package crawl implements the crawl command, which runs one crawl of the
// configured site and reports a summary when it finishes.
package crawl

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcommon "github.com/mingzhi-chen/gospider/cmd/common"
	"github.com/mingzhi-chen/gospider/internal/engine"
)

// Command returns the crawl command.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the configured site once",
		Long: `Crawl the configured site: seed article links from its listing
pages, fetch and parse each article with the worker pool, and store the
results. Interrupting the run with Ctrl+C drains in-flight work and
writes a final checkpoint.`,
		RunE: run,
	}

	cmd.Flags().String("url", "", "seed listing URL (overrides base_url)")
	cmd.Flags().String("site", "", "site parser to use (see the sites command)")
	cmd.Flags().Int("max-articles", 0, "stop after collecting this many articles")
	cmd.Flags().Bool("incremental", false, "skip URLs visited by previous runs")

	_ = viper.BindPFlag("base_url", cmd.Flags().Lookup("url"))
	_ = viper.BindPFlag("site", cmd.Flags().Lookup("site"))
	_ = viper.BindPFlag("max_articles", cmd.Flags().Lookup("max-articles"))
	_ = viper.BindPFlag("incremental", cmd.Flags().Lookup("incremental"))

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	deps, err := cmdcommon.Build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), deps.Config.RequestTimeout)
		defer cancel()
		deps.Close(closeCtx)
	}()

	if deps.Pool != nil {
		deps.Pool.Start()
		if deps.Pool.Len() == 0 {
			deps.Logger.Info("proxy pool empty, replenishing from sources")
			deps.Pool.Replenish(ctx)
		}
	}

	eng, err := deps.NewEngine()
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		eng.Stop()
	}()

	articles, err := eng.Run(ctx)
	if err != nil && eng.State() == engine.StateFailed {
		return err
	}

	printSummary(eng, len(articles))

	return nil
}

// printSummary renders the run's counters as a table on stdout.
func printSummary(eng *engine.Engine, articles int) {
	snap := eng.Metrics().Snapshot()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Crawl %s", eng.RunID()))
	t.AppendRows([]table.Row{
		{"Articles", articles},
		{"Listing pages", snap.PagesSeeded},
		{"Fetches succeeded", snap.FetchSucceeded},
		{"Fetches failed", snap.FetchFailed},
		{"Proxied fetches", snap.ProxiedFetches},
		{"Parse errors", snap.ParseErrors},
		{"Elapsed", snap.Elapsed.Round(time.Millisecond)},
	})
	t.Render()
}
