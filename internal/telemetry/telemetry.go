// Package telemetry keeps the key inventory gauges on /metrics current. It
// never sends data anywhere; everything it gathers is exported through the
// Prometheus registry.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marqueeapi/marquee/internal/metrics"
	"github.com/marqueeapi/marquee/internal/model"
)

const (
	DefaultInterval = time.Minute
	countTimeout    = 5 * time.Second
)

// InventoryStore is what the Tracker needs from the credential store.
type InventoryStore interface {
	CountAPIKeys(ctx context.Context) (map[model.KeyStatus]int, error)
}

// Tracker periodically refreshes the inventory gauges.
type Tracker struct {
	store      InventoryStore
	instanceID string
	version    string
	interval   time.Duration
	logger     *slog.Logger
	startedAt  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker. Returns nil when disabled through
// MARQUEE_TELEMETRY=0 (or false/off); a nil Tracker is safe to use.
func New(store InventoryStore, version string, interval time.Duration, logger *slog.Logger) *Tracker {
	if envVal := os.Getenv("MARQUEE_TELEMETRY"); envVal == "0" || envVal == "false" || envVal == "off" {
		return nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:      store,
		instanceID: resolveInstanceID(),
		version:    version,
		interval:   interval,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// InstanceID returns the id exported on marquee_instance_info.
func (t *Tracker) InstanceID() string {
	if t == nil {
		return ""
	}
	return t.instanceID
}

// Start refreshes the gauges immediately and then every interval.
// Non-blocking.
func (t *Tracker) Start() {
	if t == nil {
		return
	}
	metrics.InstanceInfo.WithLabelValues(t.instanceID, t.version).Set(1)

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		t.flush(ctx)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.flush(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the background loop.
func (t *Tracker) Shutdown() {
	if t == nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) flush(ctx context.Context) {
	metrics.UptimeSeconds.Set(time.Since(t.startedAt).Seconds())

	ctx, cancel := context.WithTimeout(ctx, countTimeout)
	defer cancel()
	counts, err := t.store.CountAPIKeys(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("api key inventory failed", "error", err)
		}
		return
	}
	for _, s := range []model.KeyStatus{model.KeyStatusActive, model.KeyStatusRevoked, model.KeyStatusExpired} {
		metrics.APIKeys.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// resolveInstanceID prefers the host name and falls back to a random id.
func resolveInstanceID() string {
	if id := os.Getenv("MARQUEE_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.New().String()
}
