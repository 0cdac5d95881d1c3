// Package proxy implements the proxy command group: replenishing the pool
// from configured sources, health-checking it, and listing its endpoints.
package proxy

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	cmdcommon "github.com/mingzhi-chen/gospider/cmd/common"
	"github.com/mingzhi-chen/gospider/internal/proxypool"
)

// Command returns the proxy command group.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Manage the proxy pool",
		Long: `The proxy command group manages the pool of outbound proxies:
fetch new endpoints from the configured sources, run a health sweep,
or list the pool with per-endpoint reliability scores.`,
	}

	cmd.AddCommand(
		newFetchCmd(),
		newCheckCmd(),
		newListCmd(),
	)

	return cmd
}

// buildPool loads config and constructs the pool without starting the
// background health loop; these commands run one operation and exit.
func buildPool() (*proxypool.Pool, context.Context, context.CancelFunc, error) {
	cfg, err := cmdcommon.LoadProxyConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	log := cmdcommon.NewLogger(cfg)
	pool := cmdcommon.NewPool(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return pool, ctx, stop, nil
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch new proxies from the configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, ctx, stop, err := buildPool()
			if err != nil {
				return err
			}
			defer stop()

			fetched := pool.Replenish(ctx)
			fmt.Printf("Fetched %d endpoints, pool now holds %d\n", fetched, pool.Len())

			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe every endpoint and prune the invalid ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, ctx, stop, err := buildPool()
			if err != nil {
				return err
			}
			defer stop()

			before := pool.Len()
			pool.Check(ctx)
			fmt.Printf("Checked %d endpoints, %d remain\n", before, pool.Len())

			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the pool's endpoints with reliability scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, _, stop, err := buildPool()
			if err != nil {
				return err
			}
			defer stop()

			renderEndpoints(pool.Snapshot())

			return nil
		},
	}
}

// renderEndpoints prints the endpoints as a table sorted the way Snapshot
// returns them.
func renderEndpoints(endpoints []proxypool.Endpoint) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Proxy", "Source", "Reliability", "Success", "Fail", "RTT", "Last Check", "Valid"})

	for i := range endpoints {
		e := &endpoints[i]

		lastCheck := "never"
		if !e.LastCheck.IsZero() {
			lastCheck = e.LastCheck.Format(time.DateTime)
		}

		t.AppendRow(table.Row{
			e.URL(),
			e.Source,
			fmt.Sprintf("%.2f", e.Reliability()),
			e.SuccessCount,
			e.FailCount,
			e.ResponseTime.Round(time.Millisecond),
			lastCheck,
			e.IsValid(),
		})
	}

	t.AppendFooter(table.Row{fmt.Sprintf("%d endpoints", len(endpoints))})
	t.Render()
}
