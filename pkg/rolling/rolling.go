// Package rolling maintains time bounded windows of calibrated values per
// sensor and reading type, used to derive the daily average field emitted on
// each reading. Windows are held in memory for speed, with an optional
// durable store behind them so windows survive process restarts.
package rolling

import (
	"context"
	"fmt"
	"sync"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/thingful/agripipe/pkg/ingest"
)

// Entry is a single timestamped value held within a window.
type Entry struct {
	Timestamp time.Time
	Value     float64
}

// Store is an interface for a type that can durably persist window entries
// between runs. Implementations must be safe for concurrent use across
// distinct keys.
type Store interface {
	// Load returns all persisted entries for the given key in timestamp order.
	Load(ctx context.Context, key string) ([]Entry, error)

	// Append persists a new entry for the given key, discarding any persisted
	// entries older than evictBefore.
	Append(ctx context.Context, key string, e Entry, evictBefore time.Time) error
}

// Aggregator is an interface for a type that can fold a new calibrated value
// into the rolling window for a sensor, returning the updated window mean.
type Aggregator interface {
	// Add appends the value observed at ts for the given sensor and reading
	// type, evicts entries that have aged out of the window, and returns the
	// mean of the remaining entries including the new value.
	Add(ctx context.Context, sensorID string, readingType ingest.ReadingType, ts time.Time, value float64) (float64, error)
}

// BuildKey generates the key under which we hold the window for a
// sensor/reading type combination.
func BuildKey(sensorID string, readingType ingest.ReadingType) string {
	return fmt.Sprintf("%s:%s", sensorID, readingType)
}

// window holds the in-memory entries for a single key. Each window carries
// its own lock so concurrent batches touching disjoint sensors never block
// each other; only batches updating the same sensor serialize here.
type window struct {
	sync.Mutex
	hydrated bool
	entries  []Entry
}

// aggregator is our implementation of the Aggregator interface. The map of
// windows is guarded by its own mutex, held only long enough to find or
// create a window; all per-key work happens under the window's lock.
type aggregator struct {
	mu      sync.Mutex
	windows map[string]*window

	size    time.Duration
	store   Store
	logger  kitlog.Logger
	verbose bool
}

// New returns an Aggregator maintaining windows of the given duration. The
// store may be nil, in which case windows are purely in-memory and do not
// survive restarts.
func New(size time.Duration, store Store, verbose bool, logger kitlog.Logger) Aggregator {
	logger = kitlog.With(logger, "module", "rolling")

	logger.Log("msg", "creating aggregator", "window", size.String(), "durable", store != nil)

	return &aggregator{
		windows: make(map[string]*window),
		size:    size,
		store:   store,
		logger:  logger,
		verbose: verbose,
	}
}

// Add is our implementation of the Aggregator interface method.
func (a *aggregator) Add(ctx context.Context, sensorID string, readingType ingest.ReadingType, ts time.Time, value float64) (float64, error) {
	key := BuildKey(sensorID, readingType)

	a.mu.Lock()
	w, ok := a.windows[key]
	if !ok {
		w = &window{}
		a.windows[key] = w
	}
	a.mu.Unlock()

	w.Lock()
	defer w.Unlock()

	if !w.hydrated && a.store != nil {
		entries, err := a.store.Load(ctx, key)
		if err != nil {
			return 0, errors.Wrap(err, "failed to load persisted window")
		}
		w.entries = entries
	}
	w.hydrated = true

	cutoff := ts.Add(-a.size)

	// evict entries that have aged out, then fold in the new value
	retained := w.entries[:0]
	for _, e := range w.entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		retained = append(retained, e)
	}

	entry := Entry{Timestamp: ts, Value: value}
	w.entries = append(retained, entry)

	if a.store != nil {
		if err := a.store.Append(ctx, key, entry, cutoff); err != nil {
			return 0, errors.Wrap(err, "failed to persist window entry")
		}
	}

	var acc float64
	for _, e := range w.entries {
		acc += e.Value
	}
	mean := acc / float64(len(w.entries))

	if a.verbose {
		a.logger.Log("key", key, "entries", len(w.entries), "mean", mean, "msg", "updated window")
	}

	return mean, nil
}
