package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRiskFromConfidence(t *testing.T) {
	assert.Equal(t, RiskLow, RiskFromConfidence(0.95))
	assert.Equal(t, RiskLow, RiskFromConfidence(0.8))
	assert.Equal(t, RiskMedium, RiskFromConfidence(0.79))
	assert.Equal(t, RiskMedium, RiskFromConfidence(0.5))
	assert.Equal(t, RiskHigh, RiskFromConfidence(0.49))
	assert.Equal(t, RiskHigh, RiskFromConfidence(0))
}

func TestJobTerminal(t *testing.T) {
	for _, status := range []string{StatusCompleted, StatusFailed, StatusCanceled} {
		assert.True(t, Job{Status: status}.Terminal(), status)
	}
	for _, status := range []string{StatusQueued, StatusRunning} {
		assert.False(t, Job{Status: status}.Terminal(), status)
	}
}

func TestEventTerminalStatus(t *testing.T) {
	assert.True(t, JobEvent{Type: EventStatus, Message: StatusCompleted}.TerminalStatus())
	assert.True(t, JobEvent{Type: EventStatus, Message: StatusFailed}.TerminalStatus())
	assert.False(t, JobEvent{Type: EventStatus, Message: StatusRunning}.TerminalStatus())
	assert.False(t, JobEvent{Type: EventLog, Message: StatusCompleted}.TerminalStatus(),
		"a log line mentioning completed must not close the stream")
}
