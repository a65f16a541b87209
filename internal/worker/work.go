package worker

import (
	"context"
	"encoding/base64"
	"math"

	"github.com/nmxmxh/computeshare/internal/core"
	"github.com/nmxmxh/computeshare/internal/metrics"
)

// Skip reasons
const (
	skipInvalidTask     = "invalid_task"
	skipNonFiniteOutput = "non_finite_output"
	skipSigningFailed   = "signing_failed"
)

func (w *Worker) workLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := w.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("work loop stopped", "error", err)
			return err
		}
		if !worked && !sleep(ctx, w.config.IdleInterval) {
			return nil
		}
	}
}

// step runs one fetch/compute/submit cycle. worked is false when there was
// nothing to do and the loop should idle.
func (w *Worker) step(ctx context.Context) (worked bool, err error) {
	task, err := w.coord.FetchTask(ctx, w.config.Name)
	if err != nil {
		if core.IsCode(err, core.ErrCodeInvalidTask) {
			w.skip(skipInvalidTask)
			w.logger.Warn("discarding undecodable task", "error", err)
			return false, nil
		}
		if core.IsCode(err, core.ErrCodeCircuitOpen) {
			w.logger.Warn("coordinator circuit open, idling", "retry_in", w.config.IdleInterval)
			return false, nil
		}
		return false, err
	}
	if task == nil {
		w.idle.Add(1)
		metrics.TasksIdleTotal.Inc()
		w.logger.Debug("no task available", "retry_in", w.config.IdleInterval)
		return false, nil
	}

	logger := w.logger.With("task_id", task.ID, "operation", task.Operation.String())
	if missing := task.MissingCapabilities(w.config.Capabilities); len(missing) > 0 {
		logger.Warn("task requires capabilities this worker does not advertise", "missing", missing)
	}

	output, meta := core.Compute(task)
	if math.IsNaN(output) || math.IsInf(output, 0) {
		w.skip(skipNonFiniteOutput)
		logger.Warn("skipping task with non-finite output", "input", task.Input, "output", output)
		return true, nil
	}

	result := core.NewResult(task, w.config.Name, output, meta)
	sig, err := w.identity.SignResult(result)
	if err != nil {
		w.skip(skipSigningFailed)
		logger.Warn("skipping unsignable result", "error", err)
		return true, nil
	}
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	sub := core.NewSubmission(result, sigB64, w.identity.PublicKeyBase64())
	if err := w.coord.SubmitResult(ctx, sub); err != nil {
		metrics.SubmissionsFailedTotal.Inc()
		return true, err
	}
	w.processed.Add(1)
	metrics.TasksProcessedTotal.WithLabelValues(task.Operation.String()).Inc()
	logger.Info("result submitted", "input", task.Input, "output", output)

	payload, err := core.EncodeSignedResult(result, sigB64)
	if err == nil {
		err = w.queue.Push(payload)
	}
	if err != nil {
		logger.Warn("failed to hand off result for gossip", "error", err)
	}

	w.refreshBalance(ctx)
	return true, nil
}

func (w *Worker) refreshBalance(ctx context.Context) {
	balance, err := w.coord.Balance(ctx, w.config.Name)
	if err != nil {
		w.logger.Debug("balance unavailable", "error", err)
		return
	}
	var earned int64
	if prev := w.balance.Swap(&balance); prev != nil {
		earned = balance.Earned(*prev)
	}
	metrics.BalanceTrust.Set(float64(balance.Trust))
	metrics.BalanceTokens.Set(float64(balance.Tokens))
	w.logger.Info("balance", "trust", balance.Trust, "tokens", balance.Tokens, "earned", earned)
}

func (w *Worker) skip(reason string) {
	w.skipped.Add(1)
	metrics.TasksSkippedTotal.WithLabelValues(reason).Inc()
}
