package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsToInfoOnInvalidLevel(t *testing.T) {
	New(Config{Level: "not-a-level", Format: "json"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestNewParsesValidLevel(t *testing.T) {
	New(Config{Level: "debug", Format: "json"})
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestNewReturnsUsableLogger(t *testing.T) {
	logger := New(Config{Level: "info", Format: "json"})
	// Should not panic when emitting a line.
	logger.Info().Msg("test")
}
