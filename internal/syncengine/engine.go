package syncengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/config"
	"github.com/posbridge/posbridge/internal/driver"
	"github.com/posbridge/posbridge/internal/observability"
	"github.com/posbridge/posbridge/internal/storage"
)

const (
	defaultBatchSize = 250
	defaultFeedLimit = 1000

	maxRecordedErrors = 10
	summaryErrors     = 3
)

// Engine drives batched upserts and change feeds against one database.
type Engine struct {
	source                 storage.Source
	logger                 observability.Logger
	batchSize              int
	feedLimit              int
	continueOnBatchFailure bool
}

// Option tunes the engine.
type Option func(*Engine)

// WithBatchSize overrides the upsert batch size.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithFeedLimit overrides the change-feed row cap.
func WithFeedLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.feedLimit = n
		}
	}
}

// WithContinueOnBatchFailure controls whether later batches still run after
// one batch rolls back. On by default; turned off, the first lost batch
// stops the sync and leaves the remaining items untouched.
func WithContinueOnBatchFailure(v bool) Option {
	return func(e *Engine) {
		e.continueOnBatchFailure = v
	}
}

// New creates a sync engine over the given session source.
func New(source storage.Source, logger observability.Logger, opts ...Option) *Engine {
	e := &Engine{
		source:                 source,
		logger:                 logger,
		batchSize:              defaultBatchSize,
		feedLimit:              defaultFeedLimit,
		continueOnBatchFailure: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result accumulates the outcome of one Sync call. It never goes on the
// wire directly; the HTTP layer maps it onto its own response shape.
type Result struct {
	TotalProcessed int
	SuccessCount   int
	FailCount      int
	Errors         []string
}

// OK reports whether every item was applied.
func (r *Result) OK() bool { return r.FailCount == 0 }

func (r *Result) recordError(msg string) {
	if len(r.Errors) < maxRecordedErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// ErrorSummary renders the first few error messages verbatim, with a count
// of the rest.
func (r *Result) ErrorSummary() string {
	if len(r.Errors) == 0 {
		return ""
	}
	shown := r.Errors
	if len(shown) > summaryErrors {
		shown = shown[:summaryErrors]
	}
	summary := strings.Join(shown, "; ")
	if extra := r.FailCount - len(shown); extra > 0 {
		summary += fmt.Sprintf(" (and %d more)", extra)
	}
	return summary
}

// Sync applies a client payload to the entity's table in batches. Each batch
// runs in its own transaction and commits only when none of its statements
// failed; items that fail payload validation are counted but do not poison
// the batch, since nothing was written for them.
func (e *Engine) Sync(ctx context.Context, entityName string, payload map[string]any) (*Result, error) {
	entity, err := EntityFor(entityName)
	if err != nil {
		return nil, err
	}

	raw, ok := payload[entity.PayloadKey]
	if !ok {
		return nil, apperr.Newf(apperr.KindMissingParameter,
			"payload must carry a %q array", entity.PayloadKey)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, apperr.Newf(apperr.KindMissingParameter,
			"payload key %q must be an array", entity.PayloadKey)
	}

	conn, release, err := e.source.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &Result{}
	for start := 0; start < len(items); start += e.batchSize {
		end := start + e.batchSize
		if end > len(items) {
			end = len(items)
		}
		lost, err := e.syncBatch(ctx, conn, entity, items[start:end], start, result)
		if err != nil {
			return nil, err
		}
		if lost && !e.continueOnBatchFailure {
			e.logger.Warn("sync stopped after lost batch",
				observability.String("entity", entity.Name),
				observability.Int("remaining", len(items)-end))
			break
		}
	}

	e.logger.Info("sync finished",
		observability.String("entity", entity.Name),
		observability.Int("processed", result.TotalProcessed),
		observability.Int("success", result.SuccessCount),
		observability.Int("failed", result.FailCount))
	return result, nil
}

// syncBatch applies one slice of items inside a single transaction. The
// returned bool reports whether the batch's writes were lost, either to a
// rollback or to a failed commit.
func (e *Engine) syncBatch(ctx context.Context, conn driver.Conn, entity Entity, items []any, offset int, result *Result) (bool, error) {
	if err := conn.StartTransaction(ctx); err != nil {
		return false, apperr.Wrap(apperr.KindCommand, "starting sync batch", err)
	}

	batchSuccess := 0
	dirty := false
	for i, item := range items {
		result.TotalProcessed++

		m, ok := item.(map[string]any)
		if !ok {
			result.FailCount++
			result.recordError(fmt.Sprintf("item %d: not an object", offset+i))
			continue
		}
		id, err := parseItemID(m["id"])
		if err != nil {
			result.FailCount++
			result.recordError(fmt.Sprintf("item %d: %v", offset+i, err))
			continue
		}

		if err := e.upsertItem(ctx, conn, entity, id, m); err != nil {
			dirty = true
			result.FailCount++
			result.recordError(fmt.Sprintf("item %d (id %d): %v", offset+i, id, err))
			continue
		}
		batchSuccess++
		result.SuccessCount++
	}

	if dirty {
		if err := conn.Rollback(); err != nil {
			return true, apperr.Wrap(apperr.KindCommand, "rolling back sync batch", err)
		}
		// The rollback also undoes the items that had applied cleanly.
		result.SuccessCount -= batchSuccess
		result.FailCount += batchSuccess
		e.logger.Warn("sync batch rolled back",
			observability.String("entity", entity.Name),
			observability.Int("offset", offset),
			observability.Int("undone", batchSuccess))
		return true, nil
	}

	if err := conn.Commit(); err != nil {
		// The writes of this batch are lost; move their successes over to
		// the failure column.
		result.SuccessCount -= batchSuccess
		result.FailCount += batchSuccess
		result.recordError(fmt.Sprintf("batch at offset %d: commit failed: %v", offset, err))
		e.logger.Error("sync batch commit failed",
			observability.String("entity", entity.Name),
			observability.Error(err))
		return true, nil
	}
	return false, nil
}

// upsertItem writes one item: UPDATE when the id exists, INSERT otherwise.
// Both paths refresh LastSync server-side.
func (e *Engine) upsertItem(ctx context.Context, conn driver.Conn, entity Entity, id int64, item map[string]any) error {
	engine := conn.Engine()
	table := driver.QuoteIdentifier(engine, entity.Table)
	idCol := driver.QuoteIdentifier(engine, "id")
	lastSync := driver.QuoteIdentifier(engine, "LastSync")

	existing, err := conn.ExecuteScalar(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE %s = :id", table, idCol),
		driver.Params{"id": id})
	if err != nil {
		return err
	}

	params := driver.Params{"id": id}
	for _, f := range entity.Fields {
		raw, present := item[f.Name]
		params[f.Name] = coerce(f, raw, present, e.logger)
	}

	var query string
	if existing != nil {
		assignments := make([]string, 0, len(entity.Fields)+1)
		for _, f := range entity.Fields {
			assignments = append(assignments,
				driver.QuoteIdentifier(engine, f.Name)+" = :"+f.Name)
		}
		assignments = append(assignments, lastSync+" = CURRENT_TIMESTAMP")
		query = fmt.Sprintf("UPDATE %s SET %s WHERE %s = :id",
			table, strings.Join(assignments, ", "), idCol)
	} else {
		columns := []string{idCol}
		binds := []string{":id"}
		for _, f := range entity.Fields {
			columns = append(columns, driver.QuoteIdentifier(engine, f.Name))
			binds = append(binds, ":"+f.Name)
		}
		columns = append(columns, lastSync)
		binds = append(binds, "CURRENT_TIMESTAMP")
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(columns, ", "), strings.Join(binds, ", "))
	}

	_, err = conn.Execute(ctx, query, params)
	return err
}

// GetChanges returns the rows whose LastSync is strictly after the given
// watermark, oldest first, as a JSON array. The row count is capped so one
// call never drags a whole table over the wire.
func (e *Engine) GetChanges(ctx context.Context, entityName, since string) (string, error) {
	entity, err := EntityFor(entityName)
	if err != nil {
		return "", err
	}
	watermark, err := parseSince(since)
	if err != nil {
		return "", err
	}

	conn, release, err := e.source.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	return conn.ExecuteJSON(ctx, changeFeedSQL(conn.Engine(), entity, e.feedLimit),
		driver.Params{"since": watermark})
}

// changeFeedSQL renders the engine-appropriate bounded feed query.
func changeFeedSQL(engine config.Engine, entity Entity, limit int) string {
	cols := make([]string, 0, len(entity.Fields)+2)
	for _, c := range entity.Columns() {
		cols = append(cols, driver.QuoteIdentifier(engine, c))
	}
	table := driver.QuoteIdentifier(engine, entity.Table)
	lastSync := driver.QuoteIdentifier(engine, "LastSync")

	if engine == config.EngineMSSQL {
		return fmt.Sprintf("SELECT TOP (%d) %s FROM %s WHERE %s > :since ORDER BY %s ASC",
			limit, strings.Join(cols, ", "), table, lastSync, lastSync)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s > :since ORDER BY %s ASC LIMIT %d",
		strings.Join(cols, ", "), table, lastSync, lastSync, limit)
}
