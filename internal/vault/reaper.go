package vault

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vaultmesh/vaultmesh/internal/notify"
)

// Expired describes one object removed by a reaper pass.
type Expired struct {
	Owner    string
	Filename string
	Code     string
	FreedMB  float64
}

// Reaper evicts objects whose age has reached their TTL. One shared poll
// loop scans all tracked objects each wake, so expiry lands within one poll
// interval of the deadline.
type Reaper struct {
	store    *Store
	links    *Links
	notifier notify.Notifier
	interval time.Duration
	metrics  *Metrics
	now      func() time.Time
}

// NewReaper creates a reaper over the store and link resolver. notifier and
// metrics may be nil.
func NewReaper(store *Store, links *Links, notifier notify.Notifier, interval time.Duration, metrics *Metrics) *Reaper {
	return &Reaper{
		store:    store,
		links:    links,
		notifier: notifier,
		interval: interval,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Tick runs one expiration pass and returns what it removed. Errors on
// individual objects are logged and the pass continues; one bad object must
// not stall eviction of the rest. Objects already gone (racing with a
// manual delete) are skipped without a ledger commit or notification.
func (r *Reaper) Tick(now time.Time) []Expired {
	var expired []Expired

	for _, obj := range r.store.Objects() {
		if obj.TTL <= 0 || now.Sub(obj.CreatedAt) < obj.TTL {
			continue
		}

		freed, found, err := r.store.Delete(obj.Owner, obj.Filename)
		if err != nil {
			log.Warn().Err(err).Str("owner", obj.Owner).Str("filename", obj.Filename).
				Msg("expiration delete failed")
		}
		if !found {
			continue // manually deleted between snapshot and now
		}
		code := r.links.RevokeObject(obj.Owner, obj.Filename)

		ev := Expired{
			Owner:    obj.Owner,
			Filename: obj.Filename,
			Code:     code,
			FreedMB:  freed,
		}
		expired = append(expired, ev)

		if r.metrics != nil {
			r.metrics.ExpiredTotal.Inc()
		}
		if r.notifier != nil {
			r.notifier.Notify(notify.Event{
				Type:     notify.EventExpired,
				Owner:    obj.Owner,
				Filename: obj.Filename,
				Code:     code,
				SizeMB:   freed,
				Time:     now,
			})
		}

		log.Info().Str("owner", obj.Owner).Str("filename", obj.Filename).
			Float64("freed_mb", freed).Msg("object expired")
	}

	return expired
}

// Run polls until ctx is cancelled. An in-flight pass always completes; the
// loop only checks for cancellation between wakes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Msg("expiration reaper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("expiration reaper stopped")
			return
		case <-ticker.C:
			r.Tick(r.now())
		}
	}
}
