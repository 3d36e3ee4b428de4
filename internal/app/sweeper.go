// Package app holds process-level runtime pieces shared by the server
// and worker binaries: the stalled-iteration sweeper and readiness
// probes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// StalledIterations lists running iterations whose heartbeat went
// silent; the Postgres repo implements it.
type StalledIterations interface {
	ListStalledRunning(ctx domain.Context, cutoff time.Time, limit int) ([]domain.IterationState, error)
	Update(ctx domain.Context, s domain.IterationState) error
}

// StalledSweeper fails deep-research iterations whose worker died
// mid-lease: the queue redelivers the job itself, but an iteration that
// exhausted its attempts would otherwise sit in running forever with
// the chain's credit hold unresolved.
type StalledSweeper struct {
	iterations StalledIterations
	bus        domain.Notifier
	credits    domain.CreditService
	stalledAge time.Duration
	interval   time.Duration
}

// NewStalledSweeper constructs the sweeper. Zero durations fall back to
// a 30 minute age and a 10 minute cadence.
func NewStalledSweeper(iters StalledIterations, bus domain.Notifier, credits domain.CreditService, stalledAge, interval time.Duration) *StalledSweeper {
	if iters == nil {
		return nil
	}
	if stalledAge <= 0 {
		stalledAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &StalledSweeper{
		iterations: iters,
		bus:        bus,
		credits:    credits,
		stalledAge: stalledAge,
		interval:   interval,
	}
}

// Run sweeps until ctx is done.
func (s *StalledSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stalled iteration sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce fails every iteration whose heartbeat is older than the
// stalled age.
func (s *StalledSweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "StalledSweeper.SweepOnce")
	defer span.End()

	const pageSize = 100
	cutoff := time.Now().Add(-s.stalledAge)
	span.SetAttributes(attribute.Float64("sweeper.stalled_age_seconds", s.stalledAge.Seconds()))

	stalled, err := s.iterations.ListStalledRunning(ctx, cutoff, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("stalled sweep listing failed", slog.Any("error", err))
		return
	}
	for _, iter := range stalled {
		msg := fmt.Sprintf("iteration heartbeat silent for more than %v; failed by sweeper", s.stalledAge)
		iter.Status = domain.IterationFailed
		iter.Error = msg
		if err := s.iterations.Update(ctx, iter); err != nil {
			slog.Error("stalled sweep update failed",
				slog.String("iteration_state_id", iter.ID), slog.Any("error", err))
			continue
		}
		slog.Warn("stalled iteration failed by sweeper",
			slog.String("iteration_state_id", iter.ID),
			slog.String("message_id", iter.MessageID))

		if s.bus != nil {
			if err := s.bus.Publish(ctx, iter.ConversationID, domain.Event{
				Type:      domain.EventJobFailed,
				JobID:     iter.MessageID,
				MessageID: iter.MessageID,
				StateID:   iter.ID,
				Error:     msg,
			}); err != nil {
				slog.Warn("stalled sweep publish failed", slog.Any("error", err))
			}
		}
		if s.credits != nil {
			if rootJobID, ok := iter.Values["root_job_id"].(string); ok && rootJobID != "" {
				if err := s.credits.Refund(ctx, rootJobID); err != nil {
					slog.Error("stalled sweep refund failed",
						slog.String("root_job_id", rootJobID), slog.Any("error", err))
				}
			}
		}
	}
	span.SetAttributes(attribute.Int("sweeper.failed", len(stalled)))
}
