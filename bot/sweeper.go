package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/snie2012/family-chat-local-ai/metrics"
)

// A SweepStore finds and closes abandoned placeholders.
type SweepStore interface {
	StaleStreams(ctx context.Context, cutoff time.Time) ([]api.Message, error)
	FailStream(ctx context.Context, id string) (api.Message, bool, error)
}

// Sweeper marks assistant messages that stayed in the streaming state for too
// long as failed, so clients stop showing them as in progress. Messages still
// being streamed by this process are left alone.
type Sweeper struct {
	Logger  *slog.Logger
	Store   SweepStore
	Out     Broadcaster
	Active  interface{ IsActive(messageID string) bool }
	Metrics *metrics.Metrics

	// After is the age at which a streaming message counts as stalled.
	After time.Duration
	// Interval between sweeps.
	Interval time.Duration

	now func() time.Time
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.Logger.Error("Could not sweep stalled streams", "error", err.Error())
			}
		}
	}
}

// Sweep closes every stalled placeholder once and returns how many it closed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	stale, err := s.Store.StaleStreams(ctx, now().Add(-s.After))
	if err != nil {
		return 0, fmt.Errorf("stale streams: %w", err)
	}

	n := 0
	for _, m := range stale {
		if s.Active != nil && s.Active.IsActive(m.ID) {
			continue
		}
		// The snapshot may be stale: the stream can have finished since.
		updated, ok, err := s.Store.FailStream(ctx, m.ID)
		if err != nil {
			s.Logger.Error("Could not close stalled stream", "messageID", m.ID, "error", err.Error())
			continue
		}
		if !ok {
			continue
		}
		s.Out.Broadcast(updated.ConversationID, api.EventStreamEnd, api.StreamEndEvent{
			MessageID: updated.ID,
			Body:      updated.Body,
			Failed:    true,
		})
		n++
	}
	if n > 0 {
		s.Logger.Warn("Closed stalled streams", "count", n)
		s.Metrics.StaleStreamsSwept(n)
	}
	return n, nil
}
