package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		HTTPAddr:              ":8080",
		BatchWindowMS:         100,
		MaxBatchSize:          50,
		MaxEventsPerUser:      100,
		CPURejectThreshold:    85,
		MemoryRejectThreshold: 90,
		LogLevel:              "info",
		LogFormat:             "json",
		FeedSource:            "nats",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingHTTPAddr(t *testing.T) {
	cfg := validConfig()
	cfg.HTTPAddr = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveBatchWindow(t *testing.T) {
	cfg := validConfig()
	cfg.BatchWindowMS = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeCPUThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.CPURejectThreshold = 150
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownFeedSource(t *testing.T) {
	cfg := validConfig()
	cfg.FeedSource = "rabbitmq"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresKafkaBrokersWhenFeedIsKafka(t *testing.T) {
	cfg := validConfig()
	cfg.FeedSource = "kafka"
	assert.Error(t, cfg.Validate())

	cfg.KafkaBrokers = "broker1:9092"
	assert.NoError(t, cfg.Validate())
}

func TestKafkaBrokerListSplitsAndTrims(t *testing.T) {
	cfg := &Config{KafkaBrokers: " broker1:9092, broker2:9092 ,"}
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokerList())
}

func TestKafkaBrokerListEmpty(t *testing.T) {
	cfg := &Config{KafkaBrokers: ""}
	assert.Equal(t, []string{}, cfg.KafkaBrokerList())
}

func TestBatchWindowRendersDuration(t *testing.T) {
	cfg := &Config{BatchWindowMS: 250}
	assert.Equal(t, 250*time.Millisecond, cfg.BatchWindow())
}
