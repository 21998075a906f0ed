package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/IliaW/site-cloner/internal/archive"
	cacheClient "github.com/IliaW/site-cloner/internal/cache"
	"github.com/IliaW/site-cloner/internal/collector"
	"github.com/IliaW/site-cloner/internal/model"
	"github.com/IliaW/site-cloner/internal/scheduler"
	"github.com/IliaW/site-cloner/internal/store"
	"github.com/IliaW/site-cloner/internal/telemetry"
	"github.com/spf13/cobra"
)

var cloneFlags struct {
	output        string
	maxPages      int
	includeAssets bool
	beautify      bool
	ignoreEmpty   bool
	mechanism     int
}

var cloneCmd = &cobra.Command{
	Use:   "clone <url>",
	Short: "Clone a website into a zip archive and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("mechanism") {
			cfg.CrawlerSettings.CrawlMechanism = cloneFlags.mechanism
		}
		opts := crawlDefaults()
		if flags.Changed("max-pages") {
			opts.MaxPages = cloneFlags.maxPages
		}
		if flags.Changed("include-assets") {
			opts.IncludeAssets = cloneFlags.includeAssets
		}
		archiveOpts := archiveOptions()
		if flags.Changed("beautify") {
			archiveOpts.Beautify = cloneFlags.beautify
		}
		if flags.Changed("ignore-empty") {
			archiveOpts.IgnoreEmpty = cloneFlags.ignoreEmpty
		}
		return cloneOnce(cmd.Context(), args[0], opts, archiveOpts, cloneFlags.output)
	},
}

func init() {
	flags := cloneCmd.Flags()
	flags.StringVarP(&cloneFlags.output, "output", "o", "", "archive path (defaults to <host>.zip)")
	flags.IntVar(&cloneFlags.maxPages, "max-pages", 0, "maximum number of pages to crawl")
	flags.BoolVar(&cloneFlags.includeAssets, "include-assets", true, "download images, stylesheets and scripts")
	flags.BoolVar(&cloneFlags.beautify, "beautify", false, "reformat html, css, js, json and xml files")
	flags.BoolVar(&cloneFlags.ignoreEmpty, "ignore-empty", true, "skip files without content")
	flags.IntVar(&cloneFlags.mechanism, "mechanism", 1, "0 - curl, 1 - headless browser")
}

func cloneOnce(ctx context.Context, seed string, opts scheduler.Options, archiveOpts archive.Options,
	output string) error {
	httpTransport := getHttpTransport()
	assetCache := cacheClient.NewLocalCache(cfg.CacheSettings)
	defer assetCache.Close()

	jobs := store.NewJobStore()
	sch := scheduler.New(jobs, newLauncher(httpTransport),
		collector.New(newAssetFetcher(httpTransport, assetCache), cfg.CrawlerSettings.AssetWorkers),
		scheduler.WithMetrics(telemetry.NoopCrawlMetrics()))

	id, err := sch.Submit(seed, opts)
	if err != nil {
		return err
	}
	if err = sch.Run(ctx, id); err != nil {
		return err
	}
	job, err := jobs.Get(id)
	if err != nil {
		return err
	}
	if job.Status == model.StatusFailed {
		return fmt.Errorf("clone failed: %s", job.Error)
	}
	for _, e := range job.Errors {
		slog.Warn("page was not cloned.", slog.String("url", e.URL), slog.String("err", e.Error))
	}

	data, err := archive.NewBuilder().Build(job, archiveOpts)
	if err != nil {
		return err
	}
	if output == "" {
		output = archive.Filename(job)
	}
	if err = os.WriteFile(output, data, 0o644); err != nil {
		return err
	}
	slog.Info("archive written.", slog.String("path", output), slog.Int("pages", len(job.Pages)),
		slog.Int("assets", len(job.Assets)), slog.Int("bytes", len(data)))

	return nil
}
