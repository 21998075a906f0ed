package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/IliaW/site-cloner/config"
	"github.com/IliaW/site-cloner/internal/archive"
	"github.com/IliaW/site-cloner/internal/aws_s3"
	"github.com/IliaW/site-cloner/internal/broker"
	cacheClient "github.com/IliaW/site-cloner/internal/cache"
	"github.com/IliaW/site-cloner/internal/collector"
	"github.com/IliaW/site-cloner/internal/fetcher"
	"github.com/IliaW/site-cloner/internal/model"
	"github.com/IliaW/site-cloner/internal/persistence"
	"github.com/IliaW/site-cloner/internal/scheduler"
	"github.com/IliaW/site-cloner/internal/server"
	"github.com/IliaW/site-cloner/internal/service"
	"github.com/IliaW/site-cloner/internal/store"
	"github.com/IliaW/site-cloner/internal/telemetry"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var (
	cfg *config.Config
	db  *sql.DB
)

var rootCmd = &cobra.Command{
	Use:          "site-cloner",
	Short:        "Crawl a website and package its pages and assets into a zip archive",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.MustLoad()
		setupLogger()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the clone service (http api and kafka intake)",
	Run: func(cmd *cobra.Command, args []string) {
		serve(cmd.Context())
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd.AddCommand(serveCmd, cloneCmd)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context) {
	metrics := telemetry.SetupMetrics(context.Background(), cfg)
	defer metrics.Close()
	httpTransport := getHttpTransport()
	launcher := newLauncher(httpTransport)
	assetCache := cacheClient.New(cfg.CacheSettings)
	if assetCache != nil {
		defer assetCache.Close()
	}
	slog.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env),
		slog.String("crawl mechanism", fetcher.CrawlMechanism(cfg.CrawlerSettings.CrawlMechanism).String()))

	jobs := store.NewJobStore()
	sch := scheduler.New(jobs, launcher,
		collector.New(newAssetFetcher(httpTransport, assetCache), cfg.CrawlerSettings.AssetWorkers),
		scheduler.WithMetrics(metrics.CrawlMetrics))

	opts := []service.Option{service.WithMetrics(metrics.CrawlMetrics)}
	if cfg.DbSettings.Enabled {
		db = setupDatabase()
		defer closeDatabase()
		opts = append(opts, service.WithJobStorage(persistence.NewJobRepository(db, cfg.Version)))
	}
	if cfg.ArchiveSettings.UploadToS3 {
		opts = append(opts, service.WithArchiveUpload(aws_s3.NewS3BucketClient(cfg), archiveOptions()))
	}
	var eventChan chan *model.JobEvent
	if cfg.KafkaSettings.Enabled {
		eventChan = make(chan *model.JobEvent, cfg.KafkaSettings.Producer.BatchSize)
		opts = append(opts, service.WithEvents(eventChan))
	}
	svc := service.NewCloneService(sch, jobs, archive.NewBuilder(), opts...)

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	consumerWg := &sync.WaitGroup{}
	producerWg := &sync.WaitGroup{}
	if cfg.KafkaSettings.Enabled {
		consumerWg.Add(1)
		go broker.NewKafkaConsumer(svc, crawlDefaults(), metrics.KafkaConsumerMetrics,
			cfg.KafkaSettings.Consumer, consumerWg).Run(consumerCtx)
		producerWg.Add(1)
		go broker.NewKafkaProducer(eventChan, metrics.KafkaProducerMetrics,
			cfg.KafkaSettings.Producer, producerWg).Run()
	}

	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.Handle("/", server.NewHandler(svc, crawlDefaults(), archiveOptions()))
	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error.", slog.String("err", err.Error()))
		}
	}()

	// Graceful shutdown.
	// 1. Stop accepting http requests and kafka tasks
	// 2. Cancel running jobs and wait for their completion hooks. Close eventChan
	// 3. Wait till the producer writes the remaining events to Kafka
	// 4. Close database and cache connections
	<-ctx.Done()
	slog.Info("stopping server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown http server.", slog.String("err", err.Error()))
	}
	stopConsumer()
	consumerWg.Wait()
	svc.Close()
	if eventChan != nil {
		close(eventChan)
		slog.Info("close eventChan.")
	}
	producerWg.Wait()
	slog.Info("server stopped.")
}

func newLauncher(transport http.RoundTripper) fetcher.Launcher {
	var launcher fetcher.Launcher
	switch mechanism := fetcher.CrawlMechanism(cfg.CrawlerSettings.CrawlMechanism); mechanism {
	case fetcher.Curl:
		launcher = fetcher.NewHTTPLauncher(cfg.CrawlerSettings, transport)
	case fetcher.HeadlessBrowser:
		launcher = fetcher.NewBrowserLauncher(cfg.CrawlerSettings)
	default:
		slog.Error("unknown crawl mechanism.", slog.Int("crawl_mechanism", int(mechanism)))
		os.Exit(1)
	}
	if cfg.CrawlerSettings.CommonCrawlFallback {
		launcher = &fetcher.FallbackLauncher{
			Launcher: launcher,
			Archive:  fetcher.NewCommonCrawlFetcher(cfg.CrawlerSettings),
		}
	}
	return launcher
}

func newAssetFetcher(transport http.RoundTripper, assetCache cacheClient.AssetCache) fetcher.AssetFetcher {
	var assets fetcher.AssetFetcher = fetcher.NewHTTPAssetFetcher(cfg.CrawlerSettings, transport)
	if assetCache != nil {
		assets = &fetcher.CachedAssetFetcher{Fetcher: assets, Store: assetCache}
	}
	return assets
}

func crawlDefaults() scheduler.Options {
	return scheduler.Options{
		MaxPages:      cfg.CrawlerSettings.MaxPages,
		IncludeAssets: cfg.CrawlerSettings.IncludeAssets,
	}
}

func archiveOptions() archive.Options {
	return archive.Options{
		Beautify:    cfg.ArchiveSettings.Beautify,
		IgnoreEmpty: cfg.ArchiveSettings.IgnoreEmpty,
	}
}

func setupLogger() *slog.Logger {
	envLogLevel := strings.ToLower(cfg.LogLevel)
	var slogLevel slog.Level
	err := slogLevel.UnmarshalText([]byte(envLogLevel))
	if err != nil {
		log.Printf("encountenred log level: '%s'. The package does not support custom log levels", envLogLevel)
		slogLevel = slog.LevelDebug
	}
	log.Printf("slog level overwritten to '%v'", slogLevel)
	slog.SetLogLoggerLevel(slogLevel)

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.LogType) == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs,
			NoColor:     cfg.Env != "local"}))
	}

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	slog.Info("connecting to the database...")
	connStr := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cfg.DbSettings.User,
		cfg.DbSettings.Password,
		cfg.DbSettings.Host,
		cfg.DbSettings.Port,
		cfg.DbSettings.Name,
	)
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		slog.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			slog.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				slog.Error("failed to establish database connection.")
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	slog.Info("connected to the database!")

	return database
}

func closeDatabase() {
	slog.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		slog.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}

func getHttpTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        cfg.HttpClientSettings.MaxIdleConnections,
		MaxIdleConnsPerHost: cfg.HttpClientSettings.MaxIdleConnectionsPerHost,
		MaxConnsPerHost:     cfg.HttpClientSettings.MaxConnectionsPerHost,
		IdleConnTimeout:     cfg.HttpClientSettings.IdleConnectionTimeout,
		TLSHandshakeTimeout: cfg.HttpClientSettings.TlsHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.HttpClientSettings.DialTimeout,
			KeepAlive: cfg.HttpClientSettings.DialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.HttpClientSettings.TlsInsecureSkipVerify,
		},
	}
}
