package telemetry

import (
	"context"
	"testing"

	"github.com/IliaW/site-cloner/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupMetrics_Disabled(t *testing.T) {
	cfg := &config.Config{
		ServiceName:       "site-cloner-test",
		TelemetrySettings: &config.TelemetryConfig{Enabled: false},
	}

	mp := SetupMetrics(context.Background(), cfg)
	defer mp.Close()

	require.NotNil(t, mp.CrawlMetrics)
	assert.NotPanics(t, func() {
		mp.CrawlMetrics.PagesCrawledCnt(1)
		mp.CrawlMetrics.JobsFailedCnt(1)
		mp.KafkaConsumerMetrics.FailedReadMsgCnt(1)
		mp.KafkaProducerMetrics.SuccessfullySendMsgCnt(1)
	})
}

func TestNoopCrawlMetrics(t *testing.T) {
	m := NoopCrawlMetrics()

	assert.NotPanics(t, func() {
		m.JobsStartedCnt(1)
		m.JobsCompletedCnt(1)
		m.JobsFailedCnt(1)
		m.PagesCrawledCnt(1)
		m.PageErrorsCnt(1)
		m.AssetsDownloadedCnt(1)
		m.AssetErrorsCnt(1)
		m.ArchivesBuiltCnt(1)
	})
}
