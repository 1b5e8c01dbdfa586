package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "medium", PriorityMedium.String())
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "unknown", Priority(99).String())
}

func TestPriorityOrdering(t *testing.T) {
	assert.True(t, PriorityCritical > PriorityHigh)
	assert.True(t, PriorityHigh > PriorityMedium)
	assert.True(t, PriorityMedium > PriorityLow)
}

func TestEventBatchTotalBytes(t *testing.T) {
	batch := &EventBatch{
		Events: []*EventMessage{
			{ByteEstimate: 120},
			{ByteEstimate: 340},
			{ByteEstimate: 10},
		},
	}
	assert.Equal(t, 470, batch.TotalBytes())
}

func TestEventBatchTotalBytesEmpty(t *testing.T) {
	batch := &EventBatch{}
	assert.Equal(t, 0, batch.TotalBytes())
}
