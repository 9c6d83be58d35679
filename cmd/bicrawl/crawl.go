package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/bicrawl/internal/api"
	"github.com/jonesrussell/bicrawl/internal/config"
	"github.com/jonesrussell/bicrawl/internal/domain"
	"github.com/jonesrussell/bicrawl/internal/logger"
	"github.com/jonesrussell/bicrawl/internal/supervisor"
)

func newCrawlCommand() *cobra.Command {
	var (
		jobID      string
		priority   int
		requiresJS bool
		isDynamic  bool
	)

	cmd := &cobra.Command{
		Use:   "crawl [seed urls...]",
		Short: "Crawl the given seed URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), args, jobID, priority, requiresJS, isDynamic)
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "job identifier grouping this crawl (generated if empty)")
	cmd.Flags().IntVar(&priority, "priority", domain.DefaultPriority, "seed priority (1-10, >=8 uses the priority lane)")
	cmd.Flags().BoolVar(&requiresJS, "requires-js", false, "force headless rendering for the seeds")
	cmd.Flags().BoolVar(&isDynamic, "dynamic", false, "hint that the seeds change frequently")

	return cmd
}

func runCrawl(ctx context.Context, seeds []string, jobID string, priority int, requiresJS, isDynamic bool) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	if jobID == "" {
		jobID = domain.NewJobID()
	}

	sup, err := supervisor.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("construct crawl engine: %w", err)
	}

	if err := sup.Start(); err != nil {
		return err
	}

	var server *api.Server

	if cfg.Server.Enabled {
		server = api.New(cfg.Server.Addr, sup, log)

		go func() {
			if serveErr := server.Start(); serveErr != nil {
				log.Error("ops server failed", "error", serveErr.Error())
			}
		}()
	}

	if _, err := sup.AddSeedURLs(ctx, seeds, jobID, priority, requiresJS, isDynamic); err != nil {
		_ = sup.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	if server != nil {
		if shutErr := server.Shutdown(context.Background()); shutErr != nil {
			log.Warn("ops server shutdown failed", "error", shutErr.Error())
		}
	}

	stats, statsErr := sup.Stats(context.Background())

	if err := sup.Stop(); err != nil {
		return err
	}

	if statsErr == nil {
		printStats(stats)
	}

	return nil
}

// printStats renders the final counters as a table on stdout.
func printStats(stats *supervisor.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Metric", "Value"})

	t.AppendRows([]table.Row{
		{"URLs crawled", stats.Crawl.URLsCrawled},
		{"URLs failed", stats.Crawl.URLsFailed},
		{"Conditional requests", stats.Crawl.ConditionalRequests},
		{"304 responses", stats.Crawl.NotModifiedResponses},
		{"Large pages skipped", stats.Crawl.LargePagesSkipped},
		{"JS-rendered pages", stats.Crawl.JSRenderedPages},
		{"Bytes downloaded", stats.Crawl.BytesDownloaded},
		{"Avg response time", stats.Crawl.AvgResponseTime.String()},
		{"Parse tasks completed", stats.Parse.TasksParsed},
		{"Parse tasks failed", stats.Parse.TasksFailed},
		{"Links extracted", stats.Parse.LinksExtracted},
		{"Links enqueued", stats.Parse.LinksEnqueued},
		{"Crawl records", stats.CrawlRecords},
	})

	for queue, depth := range stats.Broker.Depths {
		t.AppendRow(table.Row{"Queue " + queue, depth})
	}

	t.Render()
}
