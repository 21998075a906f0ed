package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/detectors/aws/ecs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IliaW/site-cloner/config"
	"github.com/google/uuid"
)

var meter metric.Meter

type MetricsProvider struct {
	KafkaConsumerMetrics *KafkaConsumerMetrics
	KafkaProducerMetrics *KafkaProducerMetrics
	CrawlMetrics         *CrawlMetrics
	Close                func()
}

type KafkaConsumerMetrics struct {
	SuccessfullyReadMsgCnt func(count int64)
	FailedReadMsgCnt       func(count int64)
}

type KafkaProducerMetrics struct {
	SuccessfullySendMsgCnt func(count int64)
	FailedSendMsgCnt       func(count int64)
}

type CrawlMetrics struct {
	JobsStartedCnt      func(count int64)
	JobsCompletedCnt    func(count int64)
	JobsFailedCnt       func(count int64)
	PagesCrawledCnt     func(count int64)
	PageErrorsCnt       func(count int64)
	AssetsDownloadedCnt func(count int64)
	AssetErrorsCnt      func(count int64)
	ArchivesBuiltCnt    func(count int64)
}

func noop(int64) {}

// NoopCrawlMetrics is used when the crawl pipeline runs without a metrics provider.
func NoopCrawlMetrics() *CrawlMetrics {
	return &CrawlMetrics{
		JobsStartedCnt:      noop,
		JobsCompletedCnt:    noop,
		JobsFailedCnt:       noop,
		PagesCrawledCnt:     noop,
		PageErrorsCnt:       noop,
		AssetsDownloadedCnt: noop,
		AssetErrorsCnt:      noop,
		ArchivesBuiltCnt:    noop,
	}
}

func SetupMetrics(ctx context.Context, cfg *config.Config) *MetricsProvider {
	metricsProvider := new(MetricsProvider)
	var meterProvider *sdkmetric.MeterProvider

	if cfg.TelemetrySettings.Enabled {
		r, err := newResource(cfg)
		if err != nil {
			slog.Error("failed to get resource.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		exporter, err := newMetricExporter(ctx, cfg.TelemetrySettings)
		if err != nil {
			slog.Error("failed to get metric exporter.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		meterProvider = newMeterProvider(exporter, *r)
		otel.SetMeterProvider(meterProvider)
	}

	meter = otel.Meter(cfg.ServiceName)
	metricsProvider.Close = func() {
		if meterProvider != nil {
			err := meterProvider.Shutdown(ctx)
			if err != nil {
				slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
			}
		}
	}
	enabled := cfg.TelemetrySettings.Enabled
	counter := func(name, description, unit string) func(int64) {
		c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
		if err != nil {
			slog.Error("failed to create telemetry counter.", slog.String("name", name),
				slog.String("err", err.Error()))
			os.Exit(1)
		}
		return func(count int64) {
			if enabled {
				c.Add(ctx, count)
			}
		}
	}

	metricsProvider.KafkaConsumerMetrics = &KafkaConsumerMetrics{
		SuccessfullyReadMsgCnt: counter("site-cloner.kafka.read.success",
			"The number of clone tasks that the kafka consumer successfully processed", "{messages}"),
		FailedReadMsgCnt: counter("site-cloner.kafka.read.fail",
			"The number of clone tasks that the kafka consumer could not process", "{messages}"),
	}
	metricsProvider.KafkaProducerMetrics = &KafkaProducerMetrics{
		SuccessfullySendMsgCnt: counter("site-cloner.kafka.send.success",
			"The number of job events that the kafka producer successfully sent", "{messages}"),
		FailedSendMsgCnt: counter("site-cloner.kafka.send.fail",
			"The number of job events that the kafka producer could not send", "{messages}"),
	}
	metricsProvider.CrawlMetrics = &CrawlMetrics{
		JobsStartedCnt:      counter("site-cloner.jobs.started", "The number of clone jobs started", "{jobs}"),
		JobsCompletedCnt:    counter("site-cloner.jobs.completed", "The number of clone jobs completed", "{jobs}"),
		JobsFailedCnt:       counter("site-cloner.jobs.failed", "The number of clone jobs failed", "{jobs}"),
		PagesCrawledCnt:     counter("site-cloner.pages.crawled", "The number of pages crawled", "{pages}"),
		PageErrorsCnt:       counter("site-cloner.pages.fail", "The number of pages that could not be crawled", "{pages}"),
		AssetsDownloadedCnt: counter("site-cloner.assets.downloaded", "The number of assets downloaded", "{assets}"),
		AssetErrorsCnt:      counter("site-cloner.assets.fail", "The number of assets that could not be downloaded", "{assets}"),
		ArchivesBuiltCnt:    counter("site-cloner.archives.built", "The number of zip archives built", "{archives}"),
	}

	return metricsProvider
}

func newResource(cfg *config.Config) (*resource.Resource, error) {
	ecsResourceDetector := ecs.NewResourceDetector()
	ecsResource, err := ecsResourceDetector.Detect(context.Background())
	if err != nil {
		slog.Error("ecs detection failed", slog.String("err", err.Error()))
	}
	mergedResource, err := resource.Merge(ecsResource, resource.Default())
	if err != nil {
		slog.Error("failed to merge resources", slog.String("err", err.Error()))
	}
	keyValue, found := ecsResource.Set().Value("container.id")
	var serviceId string
	if found {
		serviceId = keyValue.AsString()
	} else {
		serviceId = uuid.New().String()
	}
	return resource.Merge(mergedResource,
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Env),
			semconv.ServiceInstanceID(serviceId),
		))
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (sdkmetric.Exporter, error) {
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorUrl),
		otlpmetrichttp.WithInsecure())
}

func newMeterProvider(meterExporter sdkmetric.Exporter, resource resource.Resource) *sdkmetric.MeterProvider {
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter)),
		sdkmetric.WithResource(&resource),
	)
	return meterProvider
}
