package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedAlert struct {
	level   Level
	event   string
	message string
}

type fakeAlerter struct {
	alerts []recordedAlert
}

func (f *fakeAlerter) Alert(level Level, event, message string, metadata map[string]any) {
	f.alerts = append(f.alerts, recordedAlert{level, event, message})
}

func newTestLogger(minLevel Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	return New(zl, minLevel), &buf
}

func TestLoggerLogsAtOrAboveMinLevel(t *testing.T) {
	l, buf := newTestLogger(Info)
	l.Info("connection_rejected", "too many connections", map[string]any{"ip": "1.2.3.4"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connection_rejected", entry["event"])
	assert.Equal(t, "1.2.3.4", entry["ip"])
}

func TestLoggerDropsEventsBelowMinLevel(t *testing.T) {
	l, buf := newTestLogger(Warning)
	l.Info("noise", "should not appear", nil)

	assert.Empty(t, buf.Bytes())
}

func TestLoggerForwardsWarningAndAboveToAlerter(t *testing.T) {
	l, _ := newTestLogger(Debug)
	alerter := &fakeAlerter{}
	l.SetAlerter(alerter)

	l.Info("info_event", "no alert expected", nil)
	l.Warning("slow_client_disconnected", "buffer full", nil)
	l.Critical("system_down", "everything is on fire", nil)

	require.Len(t, alerter.alerts, 2)
	assert.Equal(t, "slow_client_disconnected", alerter.alerts[0].event)
	assert.Equal(t, "system_down", alerter.alerts[1].event)
}

func TestConnectionLoggerInjectsConnectionID(t *testing.T) {
	l, buf := newTestLogger(Info)
	connLogger := l.WithConnectionID(42)
	connLogger.Warning("slow_client_disconnected", "buffer full", map[string]any{"reason": "full_buffer"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.EqualValues(t, 42, entry["connection_id"])
	assert.Equal(t, "full_buffer", entry["reason"])
}

func TestNoAlerterConfiguredNeverPanics(t *testing.T) {
	l, _ := newTestLogger(Debug)
	l.Critical("system_down", "no alerter installed", nil)
}
