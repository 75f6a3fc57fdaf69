// Package sync implements the bidirectional reconciliation loop (C4)
// between the upstream system-of-record and the local store: delta
// discovery, conflict detection via internal/conflict, and conflict
// resolution.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexusops/ticketsync/internal/cache"
	"github.com/nexusops/ticketsync/internal/changelog"
	"github.com/nexusops/ticketsync/internal/conflict"
	"github.com/nexusops/ticketsync/internal/logger"
	"github.com/nexusops/ticketsync/internal/metrics"
	"github.com/nexusops/ticketsync/internal/store"
	"github.com/nexusops/ticketsync/internal/upstream"
)

const (
	defaultBatchSize      = 50
	interBatchDelay       = 500 * time.Millisecond
	interTableDelay       = 1 * time.Second
	deltaWindow           = 24 * time.Hour
	fullWindow            = 168 * time.Hour
)

// ErrConflictManual is returned by processRecord when a conflict falls
// under the manual policy: the conflict is memoised pending an operator
// decision (POST /tasks/conflicts/{key}/resolve) and the stored record is
// left untouched. It is deliberately not wrapped in worker.RetryableError —
// retrying without operator input would just reproduce the same conflict.
var ErrConflictManual = errors.New("conflict requires manual resolution")

// Opts configures one sync_table invocation (§4.4).
type Opts struct {
	Full   bool   // true selects the 168h full-scan window; false the 24h delta window
	Policy conflict.Policy
}

// Result is returned by sync_table (§4.4 contract).
type Result struct {
	Processed     int
	Created       int
	Updated       int
	Errors        int
	Conflicts     int
	Duration      time.Duration
	LastSyncTime  time.Time
}

// Engine is the C4 Sync Engine.
type Engine struct {
	upstreamClient upstream.Client
	store          *store.Store
	changelog      *changelog.Log
	conflictCache  *cache.Cache
	log            *logger.Logger
	metrics        *metrics.Registry

	pendingConflicts map[string]*conflict.Conflict
}

// New constructs an Engine.
func New(uc upstream.Client, st *store.Store, cl *changelog.Log, log *logger.Logger, m *metrics.Registry) *Engine {
	if log == nil {
		log = logger.NewDefault("sync")
	}
	return &Engine{
		upstreamClient:   uc,
		store:            st,
		changelog:        cl,
		conflictCache:    cache.New(cache.DefaultConfig()),
		log:              log,
		metrics:          m,
		pendingConflicts: make(map[string]*conflict.Conflict),
	}
}

// Close stops the engine's background resources.
func (e *Engine) Close() { e.conflictCache.Stop() }

// Conflicts returns the currently pending conflicts (supplemented conflict
// inspection API, SPEC_FULL §C).
func (e *Engine) Conflicts() []*conflict.Conflict {
	out := make([]*conflict.Conflict, 0, len(e.pendingConflicts))
	for _, c := range e.pendingConflicts {
		if c.Status == conflict.StatusPending {
			out = append(out, c)
		}
	}
	return out
}

// SyncTable pulls changed records for table in bounded batches, upserting or
// routing through the conflict resolver (§4.4 batch discovery).
func (e *Engine) SyncTable(ctx context.Context, table string, opts Opts) (Result, error) {
	start := time.Now()
	window := deltaWindow
	if opts.Full {
		window = fullWindow
	}
	since := start.Add(-window)

	var result Result
	offset := 0
	for {
		batch, err := e.upstreamClient.Query(ctx, upstream.Query{
			Table: table, Since: since, Limit: defaultBatchSize, Offset: offset,
		})
		if err != nil {
			result.Errors++
			e.log.WithField("table", table).WithError(err).Error("batch query failed")
			break
		}
		for _, rec := range batch {
			outcome, err := e.processRecord(ctx, table, rec, opts.Policy)
			result.Processed++
			switch {
			case errors.Is(err, ErrConflictManual):
				result.Conflicts++
				result.Errors++
				e.log.WithField("table", table).WithField("sys_id", upstream.SysID(rec)).Warn("conflict pending manual resolution")
			case err != nil:
				result.Errors++
				e.log.WithField("table", table).WithField("sys_id", upstream.SysID(rec)).WithError(err).Error("process record failed")
			case outcome == outcomeCreated:
				result.Created++
			case outcome == outcomeUpdated:
				result.Updated++
			case outcome == outcomeConflictUpdated:
				result.Conflicts++
				result.Updated++
			}
		}
		if e.metrics != nil {
			e.metrics.SyncRecordsProcessed.WithLabelValues(table, "batch").Add(float64(len(batch)))
		}
		if len(batch) < defaultBatchSize {
			break
		}
		offset += len(batch)

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(interBatchDelay):
		}
	}

	e.pruneResolvedConflicts()

	result.Duration = time.Since(start)
	result.LastSyncTime = start.UTC()
	if e.metrics != nil {
		e.metrics.SyncDuration.WithLabelValues(table).Observe(result.Duration.Seconds())
	}
	return result, nil
}

// SyncAll runs SyncTable sequentially over every tracked entity table,
// respecting upstream rate limits via an inter-table delay (§4.4).
func (e *Engine) SyncAll(ctx context.Context, tables []string, opts Opts) (map[string]Result, error) {
	results := make(map[string]Result, len(tables))
	for i, table := range tables {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := e.SyncTable(ctx, table, opts)
		results[table] = res
		if err != nil {
			return results, err
		}
		if i < len(tables)-1 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(interTableDelay):
			}
		}
	}
	return results, nil
}

// ForceSync bypasses the batch loop and performs one record fetch (§4.4).
func (e *Engine) ForceSync(ctx context.Context, table, sysID string) (bool, error) {
	rec, err := e.upstreamClient.Get(ctx, table, sysID)
	if err != nil {
		return false, fmt.Errorf("force_sync fetch %s/%s: %w", table, sysID, err)
	}
	if _, err := e.processRecord(ctx, table, rec, conflict.PolicyNewestWins); err != nil {
		return false, err
	}
	return true, nil
}

// HandleStreamChange re-runs per-record processing for a single sys_id when
// a ChangeEvent arrives on the change-log (§4.4 stream-driven sync).
func (e *Engine) HandleStreamChange(ctx context.Context, change changelog.ChangeEvent) error {
	rec, err := e.upstreamClient.Get(ctx, change.Table, change.SysID)
	if err != nil {
		return fmt.Errorf("stream-driven fetch %s/%s: %w", change.Table, change.SysID, err)
	}
	_, err = e.processRecord(ctx, change.Table, rec, conflict.PolicyNewestWins)
	return err
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeConflictUpdated
	outcomeConflictManual
	outcomeUnchanged
)

// processRecord implements §4.4's three-step per-record algorithm:
// look up, create-if-absent, or detect/resolve conflict and overwrite.
func (e *Engine) processRecord(ctx context.Context, table string, upstreamRec upstream.Record, policy conflict.Policy) (outcome, error) {
	sysID := upstream.SysID(upstreamRec)
	collection := store.CollectionFor(table)

	existing, err := e.store.Get(ctx, sysID)
	if err != nil && err != store.ErrRecordNotFound {
		return outcomeUnchanged, err
	}

	normalized := upstream.Normalize(upstreamRec)
	syncTS, _ := upstream.SysUpdatedOn(upstreamRec)
	if syncTS.IsZero() {
		syncTS = time.Now().UTC()
	}

	if existing == nil {
		number, _ := normalized["number"].(string)
		rec := store.EntityRecord{
			SysID:           sysID,
			Number:          number,
			EntityPayload:   normalized,
			SyncTimestamp:   syncTS,
			SchemaVersion:   store.CurrentSchemaVersion,
			CreatedAt:       time.Now().UTC(),
			UpdatedAt:       time.Now().UTC(),
			PartitionPrefix: store.PartitionPrefixOf(sysID),
		}
		if err := e.store.Upsert(ctx, collection, rec); err != nil {
			return outcomeUnchanged, err
		}
		e.publishChange(ctx, table, sysID, "created", normalized)
		return outcomeCreated, nil
	}

	storedRec := upstream.Record(existing.EntityPayload)
	memoKey := conflict.MemoKey(table, sysID)

	c := conflict.Detect(table, sysID, storedRec, upstreamRec)
	if c == nil {
		// No divergence on critical fields; upstream still always wins on
		// refresh to pick up non-critical drift (§4.4).
		rec := *existing
		rec.EntityPayload = normalized
		rec.Number, _ = normalized["number"].(string)
		rec.SyncTimestamp = maxTime(existing.SyncTimestamp, syncTS)
		rec.UpdatedAt = time.Now().UTC()
		if err := e.store.Upsert(ctx, collection, rec); err != nil {
			return outcomeUnchanged, err
		}
		e.publishChange(ctx, table, sysID, "updated", normalized)
		return outcomeUpdated, nil
	}

	e.pendingConflicts[memoKey] = c
	if e.metrics != nil {
		e.metrics.SyncConflicts.WithLabelValues(table).Inc()
	}

	winner := conflict.Resolve(c, policy)
	if winner == nil {
		// Manual policy: leave stored state untouched until an operator acts
		// via POST /tasks/conflicts/{key}/resolve.
		return outcomeConflictManual, ErrConflictManual
	}

	rec := *existing
	rec.EntityPayload = winner
	rec.Number, _ = winner["number"].(string)
	rec.SyncTimestamp = maxTime(existing.SyncTimestamp, syncTS)
	rec.UpdatedAt = time.Now().UTC()
	if err := e.store.Upsert(ctx, collection, rec); err != nil {
		return outcomeUnchanged, err
	}
	e.publishChange(ctx, table, sysID, "conflict", winner)
	return outcomeConflictUpdated, nil
}

func (e *Engine) publishChange(ctx context.Context, table, sysID, kind string, rec upstream.Record) {
	if e.changelog == nil {
		return
	}
	_, err := e.changelog.Append(ctx, changelog.TopicFor(table), changelog.ChangeEvent{
		SysID: sysID, Table: table, Kind: kind, Record: rec, Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.log.WithField("sys_id", sysID).WithError(err).Error("publish change event failed")
	}
}

// pruneResolvedConflicts discards resolved entries after a full cycle to
// bound memory (§4.4).
func (e *Engine) pruneResolvedConflicts() {
	for k, c := range e.pendingConflicts {
		if c.Status == conflict.StatusResolved {
			delete(e.pendingConflicts, k)
		}
	}
	e.conflictCache.Prune()
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
