/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package failover

import (
	"context"
	"fmt"

	"github.com/wso2/api-platform/resilience/pkg/metrics"
	"go.uber.org/zap"
)

type recoveryStep struct {
	step Step
	run  func(ctx context.Context) error
}

// PerformSystemRecovery reconnects, revalidates the session, resumes data
// sync and flushes queued mutations, strictly in that order. The first failing
// step aborts the run with RECOVERY_FAILED. A run that passes every step but
// exceeds the recovery budget reports FALLBACK.
//
// Only one recovery runs at a time; a concurrent call returns
// ErrRecoveryInProgress.
func (o *Orchestrator) PerformSystemRecovery(ctx context.Context) (*RecoveryResult, error) {
	if !o.recoverMu.TryLock() {
		return nil, ErrRecoveryInProgress
	}
	defer o.recoverMu.Unlock()

	o.mu.Lock()
	event, changed := o.setStatusLocked(StatusRecovering, "system recovery started")
	o.mu.Unlock()
	if changed {
		o.events.Publish(event)
	}

	steps := []recoveryStep{
		{step: StepNetwork, run: o.endpoints.Reconnect},
		{step: StepSession, run: o.session.Revalidate},
		{step: StepData, run: o.sync.Resume},
		{step: StepSync, run: o.flush},
	}

	result := &RecoveryResult{StartedAt: o.now()}
	o.logger.Info("Starting system recovery")

	for _, s := range steps {
		stepStart := o.now()
		err := s.run(ctx)
		sr := StepResult{Step: s.step, Duration: o.now().Sub(stepStart)}
		if err != nil {
			sr.Error = err.Error()
			result.Steps = append(result.Steps, sr)
			result.Outcome = OutcomeRecoveryFailed
			result.FailedStep = s.step
			result.Error = err.Error()
			result.Elapsed = o.now().Sub(result.StartedAt)
			o.finishRecovery(result, StatusFailed, fmt.Sprintf("recovery failed at %s step", s.step))
			o.logger.Error("System recovery failed",
				zap.String("step", string(s.step)),
				zap.Duration("elapsed", result.Elapsed),
				zap.Error(err))
			return result, nil
		}
		result.Steps = append(result.Steps, sr)
		o.logger.Debug("Recovery step completed",
			zap.String("step", string(s.step)),
			zap.Duration("duration", sr.Duration))
	}

	result.Elapsed = o.now().Sub(result.StartedAt)
	if o.cfg.RecoveryBudget > 0 && result.Elapsed > o.cfg.RecoveryBudget {
		result.Outcome = OutcomeFallback
		o.finishRecovery(result, StatusDegraded, "recovery exceeded its time budget")
		o.logger.Warn("System recovery completed over budget, degrading",
			zap.Duration("elapsed", result.Elapsed),
			zap.Duration("budget", o.cfg.RecoveryBudget))
	} else {
		result.Outcome = OutcomeSuccess
		o.finishRecovery(result, StatusHealthy, "recovery succeeded")
		o.logger.Info("System recovery completed", zap.Duration("elapsed", result.Elapsed))
	}

	if _, err := o.CaptureSnapshot(ctx); err != nil {
		o.logger.Warn("Failed to capture recovery snapshot", zap.Error(err))
	}
	return result, nil
}

func (o *Orchestrator) flush(ctx context.Context) error {
	res, err := o.sync.FlushQueue(ctx)
	if err != nil {
		return err
	}
	if res.Halted {
		return fmt.Errorf("queue flush halted with %d mutation(s) remaining: %s", res.Remaining, res.HaltReason)
	}
	return nil
}

func (o *Orchestrator) finishRecovery(result *RecoveryResult, status Status, message string) {
	metrics.RecoveriesTotal.WithLabelValues(string(result.Outcome)).Inc()
	metrics.RecoveryDurationSeconds.Observe(result.Elapsed.Seconds())

	o.mu.Lock()
	o.failures = 0
	event, changed := o.setStatusLocked(status, message)
	o.mu.Unlock()
	if changed {
		o.events.Publish(event)
	}
}
