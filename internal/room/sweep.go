package room

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Sweeper periodically closes rooms whose host has gone silent, hard-deletes
// rooms past the retention window, and purges any orphaned sub-state.
type Sweeper struct {
	service   *Service
	interval  time.Duration
	timeout   time.Duration
	retention time.Duration
	logger    *log.Logger

	// OnEvict cascades a room close into in-memory eviction (connection
	// registry, vote ledger, playback cache).
	OnEvict func(roomID uuid.UUID)
}

func NewSweeper(service *Service, interval, timeout, retention time.Duration, logger *log.Logger) *Sweeper {
	return &Sweeper{
		service:   service,
		interval:  interval,
		timeout:   timeout,
		retention: retention,
		logger:    logger.WithPrefix("sweep"),
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.Sweep()
		}
	}
}

// Sweep performs one pass: stale close, retention delete, orphan purge.
func (sw *Sweeper) Sweep() {
	now := sw.service.now()

	stale, err := sw.service.store.StaleActiveRooms(now.Add(-sw.timeout))
	if err != nil {
		sw.logger.Error("failed to query stale rooms", "err", err)
	} else {
		for _, r := range stale {
			if err := sw.service.CloseRoom(r.ID); err != nil {
				sw.logger.Error("failed to close stale room", "room", r.ID, "err", err)
				continue
			}
			if sw.OnEvict != nil {
				sw.OnEvict(r.ID)
			}
		}
		if len(stale) > 0 {
			sw.logger.Info("closed stale rooms", "count", len(stale))
		}
	}

	expired, err := sw.service.store.ExpiredInactiveRoomIDs(now.Add(-sw.retention))
	if err != nil {
		sw.logger.Error("failed to query expired rooms", "err", err)
	} else if len(expired) > 0 {
		sw.purge(expired)
		if err := sw.service.store.DeleteRooms(expired); err != nil {
			sw.logger.Error("failed to delete expired rooms", "err", err)
		} else {
			sw.logger.Info("deleted expired rooms", "count", len(expired))
		}
	}

	orphans, err := sw.service.store.OrphanPlaybackRoomIDs()
	if err != nil {
		sw.logger.Error("failed to query orphaned state", "err", err)
	} else if len(orphans) > 0 {
		sw.purge(orphans)
		sw.logger.Info("purged orphaned room state", "count", len(orphans))
	}
}

func (sw *Sweeper) purge(ids []uuid.UUID) {
	if err := sw.service.store.DeletePlayback(ids); err != nil {
		sw.logger.Error("failed to purge playback rows", "err", err)
	}
	if err := sw.service.store.DeleteVotes(ids); err != nil {
		sw.logger.Error("failed to purge vote rows", "err", err)
	}
}
