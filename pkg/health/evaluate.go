package health

import (
	"fmt"
	"time"

	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// Evaluation is the outcome of one pass over a heartbeat window
type Evaluation struct {
	Status              types.HealthState
	ConsecutiveFailures int
	FailureRate         float64
	LastSuccess         *time.Time
	SinceLastSuccess    time.Duration
	NeedsRecovery       bool
	Reason              string
}

// Evaluate applies the health rules to records, oldest first. lastKnownSuccess
// is the persisted success time used when the window holds none. The boolean
// is false when there is nothing to evaluate.
func Evaluate(records []types.HeartbeatRecord, lastKnownSuccess *time.Time, cfg Config, now time.Time) (Evaluation, bool) {
	if len(records) == 0 {
		return Evaluation{}, false
	}

	var eval Evaluation
	failures := 0
	for _, r := range records {
		if r.Failed() {
			failures++
		}
	}
	for i := len(records) - 1; i >= 0 && records[i].Failed(); i-- {
		eval.ConsecutiveFailures++
	}
	eval.FailureRate = float64(failures) / float64(len(records))

	for i := len(records) - 1; i >= 0; i-- {
		if !records[i].Failed() {
			ts := records[i].Timestamp
			eval.LastSuccess = &ts
			break
		}
	}
	reference := records[0].Timestamp
	switch {
	case eval.LastSuccess != nil:
		reference = *eval.LastSuccess
	case lastKnownSuccess != nil:
		ts := *lastKnownSuccess
		eval.LastSuccess = &ts
		reference = ts
	}
	eval.SinceLastSuccess = now.Sub(reference)

	rates := len(records) >= cfg.MinSamples

	switch {
	case eval.ConsecutiveFailures >= cfg.ConsecutiveFailures:
		eval.Status, eval.NeedsRecovery = types.HealthCritical, true
		eval.Reason = fmt.Sprintf("%d consecutive heartbeat failures", eval.ConsecutiveFailures)
	case rates && eval.FailureRate >= cfg.FailureRate:
		eval.Status, eval.NeedsRecovery = types.HealthCritical, true
		eval.Reason = fmt.Sprintf("failure rate %.0f%%", eval.FailureRate*100)
	case cfg.MinSuccessInterval > 0 && eval.SinceLastSuccess > cfg.MinSuccessInterval:
		eval.Status, eval.NeedsRecovery = types.HealthCritical, true
		eval.Reason = fmt.Sprintf("no successful heartbeat for %s", eval.SinceLastSuccess.Truncate(time.Second))
	case eval.ConsecutiveFailures >= WarningConsecutiveFailures:
		eval.Status = types.HealthWarning
		eval.Reason = fmt.Sprintf("%d consecutive heartbeat failures", eval.ConsecutiveFailures)
	case rates && eval.FailureRate >= WarningFailureRate:
		eval.Status = types.HealthWarning
		eval.Reason = fmt.Sprintf("failure rate %.0f%%", eval.FailureRate*100)
	default:
		eval.Status = types.HealthHealthy
	}
	return eval, true
}
