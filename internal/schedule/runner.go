package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"evigraph/internal/logging"
)

var tracer = otel.Tracer("evigraph.schedule")

// Executor performs one dispatched action. It should honor ctx.
type Executor interface {
	Execute(ctx context.Context, d *ActionDescriptor) Outcome
}

type ExecutorFunc func(ctx context.Context, d *ActionDescriptor) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, d *ActionDescriptor) Outcome {
	return f(ctx, d)
}

// Runner drives a scheduler against an executor until nothing is left that
// could become eligible.
type Runner struct {
	sched       *Scheduler
	parallelism int
	log         *slog.Logger
}

func NewRunner(s *Scheduler, parallelism int, logger *slog.Logger) *Runner {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Runner{sched: s, parallelism: parallelism, log: logging.OrDefault(logger, "runner")}
}

// Run dispatches actions concurrently, at most parallelism at a time. The
// scheduler never hands out two actions that share a target or alt-group.
// Run returns when no action is in flight and none is waiting for a retry,
// or when ctx is done.
func (r *Runner) Run(ctx context.Context, exec Executor) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	dispatched := 0
	for {
		d, err := r.sched.NextAction(gctx)
		if err == nil {
			dispatched++
			g.Go(func() error {
				r.dispatch(gctx, exec, d)
				return nil
			})
			continue
		}
		if !errors.Is(err, ErrEmpty) {
			_ = g.Wait()
			return fmt.Errorf("next action: %w", err)
		}

		wait, ok := r.sched.idleWait()
		if !ok {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-gctx.Done():
			timer.Stop()
			_ = g.Wait()
			return gctx.Err()
		case <-r.sched.wake:
		case <-timer.C:
		}
		timer.Stop()
	}

	err := g.Wait()
	r.log.Info("frontier drained", slog.Int("dispatched", dispatched))
	return err
}

func (r *Runner) dispatch(ctx context.Context, exec Executor, d *ActionDescriptor) {
	ctx, span := tracer.Start(ctx, "schedule.Dispatch", trace.WithAttributes(
		attribute.String("schedule.action", d.Action.ID),
		attribute.String("schedule.task", d.Action.Task),
		attribute.Int("schedule.attempt", d.Attempt),
	))
	defer span.End()

	dctx, cancel := context.WithTimeout(d.Context(), d.Timeout)
	defer cancel()
	out := exec.Execute(dctx, d)
	if out.Err == nil && dctx.Err() != nil {
		out.Err = dctx.Err()
	}

	rep, err := r.sched.ReportResult(ctx, d.Action.ID, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn("action outcome not committed",
			slog.String("action", d.Action.ID),
			slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.String("schedule.status", string(rep.Status)))
}
