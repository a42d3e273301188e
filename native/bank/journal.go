package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type compensation struct {
	step string
	undo func(ctx context.Context) error
}

// journal collects compensating actions for external effects taken during one
// operation. On abort they run newest first.
type journal struct {
	steps []compensation
}

func (j *journal) record(step string, undo func(ctx context.Context) error) {
	j.steps = append(j.steps, compensation{step: step, undo: undo})
}

func (j *journal) len() int {
	return len(j.steps)
}

// rollback runs every recorded compensation in reverse order. It keeps going
// after a failure so that as many effects as possible are undone, and reports
// all failures joined. Rollback uses a context detached from the caller's
// cancellation.
func (j *journal) rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(j.steps) - 1; i >= 0; i-- {
		step := j.steps[i]
		if err := step.undo(ctx); err != nil {
			slog.Error("bank/journal: compensation failed", "step", step.step, "error", err)
			errs = append(errs, fmt.Errorf("undo %s: %w", step.step, err))
		}
	}
	j.steps = nil
	return errors.Join(errs...)
}

// commit forgets every compensation once the operation is durable.
func (j *journal) commit() {
	j.steps = nil
}
