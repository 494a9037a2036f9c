package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/common/logging"
	"github.com/argonne-lcf/balsam/internal/metrics"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store"
)

// Heartbeat keeps a lease alive by periodically refreshing its heartbeat in the store.
// A failed tick is logged and retried on the next period; the lease only dies if enough consecutive
// ticks fail for the expiration period to elapse.
type Heartbeat struct {
	leases  store.LeaseStore
	lease   *model.Lease
	mu      sync.Mutex
	lastHit time.Time
	lost    bool
}

func NewHeartbeat(leases store.LeaseStore, lease *model.Lease) *Heartbeat {
	return &Heartbeat{
		leases:  leases,
		lease:   lease,
		lastHit: lease.Heartbeat,
	}
}

// Tick refreshes the lease once.
func (h *Heartbeat) Tick(ctx *balsamcontext.Context) {
	ticked, err := h.leases.TickLease(ctx, h.lease.ID)
	if err != nil {
		metrics.HeartbeatFailures.WithLabelValues(strconv.FormatInt(h.lease.SiteID, 10)).Inc()
		if balsamerrors.IsNotFound(err) {
			h.mu.Lock()
			h.lost = true
			h.mu.Unlock()
			logging.WithStacktrace(ctx.Log, err).Errorf("Lease %s no longer exists; its jobs have been handed to other launchers", h.lease.ID)
			return
		}
		logging.WithStacktrace(ctx.Log, err).Warnf("Failed to refresh heartbeat of lease %s", h.lease.ID)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastHit = ticked.Heartbeat
}

// LastHeartbeat returns the last heartbeat successfully written to the store.
func (h *Heartbeat) LastHeartbeat() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHit
}

// Lost returns true once the store has reported that the lease no longer exists.
func (h *Heartbeat) Lost() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}
