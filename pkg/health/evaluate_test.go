package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// history builds records from a pattern such as "ssf", oldest first, one
// second apart and ending at end.
func history(pattern string, end time.Time) []types.HeartbeatRecord {
	records := make([]types.HeartbeatRecord, len(pattern))
	for i, c := range pattern {
		status := types.HeartbeatSuccess
		switch c {
		case 'f':
			status = types.HeartbeatError
		case 't':
			status = types.HeartbeatTimeout
		}
		records[i] = types.HeartbeatRecord{
			ServiceName: "api",
			Port:        4000,
			Status:      status,
			Timestamp:   end.Add(-time.Duration(len(pattern)-1-i) * time.Second),
		}
	}
	return records
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	old := now.Add(-10 * time.Minute)

	tests := []struct {
		name          string
		records       []types.HeartbeatRecord
		lastKnown     *time.Time
		status        types.HealthState
		consecutive   int
		needsRecovery bool
	}{
		{"three consecutive failures", history("ssfff", now), nil, types.HealthCritical, 3, true},
		{"timeouts count as failures", history("sftt", now), nil, types.HealthCritical, 3, true},
		{"failure then success", history("fs", now), nil, types.HealthWarning, 0, false},
		{"single failure", history("f", now), nil, types.HealthCritical, 1, true},
		{"two failures only", history("ff", now), nil, types.HealthCritical, 2, true},
		{"two consecutive failures", history("sff", now), nil, types.HealthWarning, 2, false},
		{"failure rate at threshold", history("ffsffsffsf", now), nil, types.HealthCritical, 1, true},
		{"critical failure rate", history("fffsffsffs", now), nil, types.HealthCritical, 0, true},
		{"half failing", history("sfsfsf", now), nil, types.HealthWarning, 1, false},
		{"success then failure", history("sf", now), nil, types.HealthWarning, 1, false},
		{"stale success", history("sss", old), nil, types.HealthCritical, 0, true},
		{"persisted success is stale", history("ff", now), &old, types.HealthCritical, 2, true},
		{"all healthy", history("ssssssssss", now), nil, types.HealthHealthy, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval, ok := Evaluate(tt.records, tt.lastKnown, cfg, now)
			assert.True(t, ok)
			assert.Equal(t, tt.status, eval.Status, eval.Reason)
			assert.Equal(t, tt.consecutive, eval.ConsecutiveFailures)
			assert.Equal(t, tt.needsRecovery, eval.NeedsRecovery)
		})
	}
}

func TestEvaluateMinSamples(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MinSamples = 3

	eval, ok := Evaluate(history("sf", now), nil, cfg, now)
	assert.True(t, ok)
	assert.Equal(t, types.HealthHealthy, eval.Status)

	eval, _ = Evaluate(history("fsf", now), nil, cfg, now)
	assert.Equal(t, types.HealthWarning, eval.Status)
	assert.False(t, eval.NeedsRecovery)
}

func TestEvaluateEmptyWindow(t *testing.T) {
	_, ok := Evaluate(nil, nil, DefaultConfig(), time.Now())
	assert.False(t, ok)
}

func TestEvaluateLastSuccess(t *testing.T) {
	now := time.Now()
	records := history("sfs", now)
	eval, _ := Evaluate(records, nil, DefaultConfig(), now)
	if assert.NotNil(t, eval.LastSuccess) {
		assert.Equal(t, records[2].Timestamp, *eval.LastSuccess)
	}
	assert.InDelta(t, 1.0/3, eval.FailureRate, 0.001)
}

func TestBackoffDelay(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.BackoffDelay(0))
	assert.Equal(t, 25*time.Second, cfg.BackoffDelay(2))
}
