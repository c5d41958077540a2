package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/bus"
	"github.com/omnisupport/omnisupport-server/internal/event"
)

// AnalyticsWorker tallies message and conversation activity per tenant and
// periodically flushes the counters to broker hashes, where the reporting
// side reads them. Counting in memory keeps the hot path off the broker;
// losing an unflushed interval on crash is acceptable for metrics.
type AnalyticsWorker struct {
	Base

	sub       *bus.Subscriber
	rdb       *redis.Client
	namespace string
	interval  time.Duration

	mu       sync.Mutex
	counters map[uuid.UUID]map[string]int64
}

// NewAnalyticsWorker builds the analytics aggregation worker.
func NewAnalyticsWorker(sub *bus.Subscriber, rdb *redis.Client, queue *bus.Queue, namespace string, interval time.Duration, logger *zerolog.Logger) *AnalyticsWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	w := &AnalyticsWorker{
		sub:       sub,
		rdb:       rdb,
		namespace: namespace,
		interval:  interval,
		counters:  make(map[uuid.UUID]map[string]int64),
	}
	w.Log = logger
	w.Queue = queue
	return w
}

func (w *AnalyticsWorker) Name() string { return "analytics" }

func (w *AnalyticsWorker) Init(ctx context.Context) error { return nil }

func (w *AnalyticsWorker) Process(ctx context.Context) error {
	go w.flushLoop(ctx)

	patterns := []string{
		w.namespace + ":*:message.*",
		w.namespace + ":*:conversation.*",
	}
	return w.ConsumeEvents(ctx, w.sub, patterns, w.count)
}

// Close flushes the last interval before releasing the subscription.
func (w *AnalyticsWorker) Close() error {
	w.flush(context.Background())
	return w.sub.Close()
}

func (w *AnalyticsWorker) count(ctx context.Context, ev event.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	byType := w.counters[ev.TenantID]
	if byType == nil {
		byType = make(map[string]int64)
		w.counters[ev.TenantID] = byType
	}
	byType[string(ev.Type)]++
	return nil
}

func (w *AnalyticsWorker) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// flush drains the in-memory counters into per-tenant broker hashes.
func (w *AnalyticsWorker) flush(ctx context.Context) {
	w.mu.Lock()
	pending := w.counters
	w.counters = make(map[uuid.UUID]map[string]int64)
	w.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	for tenantID, byType := range pending {
		key := "analytics:" + tenantID.String() + ":counters"
		for eventType, n := range byType {
			if err := w.rdb.HIncrBy(ctx, key, eventType, n).Err(); err != nil {
				w.Log.Error().Err(err).
					Str("tenant_id", tenantID.String()).
					Str("type", eventType).
					Msg("counter flush failed")
			}
		}
	}

	w.Log.Debug().Int("tenants", len(pending)).Msg("analytics counters flushed")
}
