package driver

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/config"
	"github.com/posbridge/posbridge/internal/observability"
)

const tracerName = "posbridge/driver"

// sqlConn implements Conn on top of database/sql. It pins a single
// *sql.Conn so session settings survive for the lifetime of the session.
type sqlConn struct {
	cfg     config.ConnectionConfig
	dialect dialect
	logger  observability.Logger
	tracer  trace.Tracer

	db   *sql.DB
	sess *sql.Conn
	tx   *sql.Tx

	queryTimeout time.Duration

	// external is set when the *sql.DB was handed to us; we must not close it.
	external bool
}

// Open builds an unconnected Conn for the given endpoint. No I/O happens
// until Connect.
func Open(cfg config.ConnectionConfig, logger observability.Logger) (Conn, error) {
	d, err := dialectFor(cfg.Engine)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "selecting dialect", err)
	}
	timeout := time.Duration(cfg.CommandTimeoutSec) * time.Second
	return &sqlConn{
		cfg:          cfg,
		dialect:      d,
		logger:       logger.With(observability.String("pool", cfg.Name)),
		tracer:       otel.Tracer(tracerName),
		queryTimeout: timeout,
	}, nil
}

// NewFromDB wraps an existing *sql.DB. Session initialization is skipped;
// the caller owns the session settings and the database handle. Used by
// tests and embedded callers that manage their own connectivity.
func NewFromDB(db *sql.DB, engine config.Engine, logger observability.Logger) (Conn, error) {
	d, err := dialectFor(engine)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "selecting dialect", err)
	}
	return &sqlConn{
		cfg:          config.ConnectionConfig{Engine: engine},
		dialect:      d,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		queryTimeout: time.Hour,
		db:           db,
		external:     true,
	}, nil
}

func (c *sqlConn) Engine() config.Engine { return c.dialect.engine() }

func (c *sqlConn) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	if c.db == nil {
		db, err := sql.Open(c.dialect.driverName(), c.dialect.dsn(c.cfg))
		if err != nil {
			return apperr.Wrap(apperr.KindConnection, "opening database handle", err)
		}
		// One pinned session per Conn; the pool above does the pooling.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		c.db = db
	}

	connectTimeout := time.Duration(c.cfg.ConnectTimeoutSec) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}

	attempt := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		sess, err := c.db.Conn(dialCtx)
		if err != nil {
			return err
		}
		if err := sess.PingContext(dialCtx); err != nil {
			_ = sess.Close()
			return err
		}
		c.sess = sess
		return nil
	}

	policy := c.retryPolicy(ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if !c.external {
			_ = c.db.Close()
			c.db = nil
		}
		return apperr.Wrap(apperr.KindConnection,
			"connecting to "+c.cfg.Name, err)
	}

	if !c.external {
		if err := c.applySessionInit(ctx); err != nil {
			_ = c.Disconnect()
			return err
		}
	}

	return nil
}

func (c *sqlConn) retryPolicy(ctx context.Context) backoff.BackOff {
	delay := time.Duration(c.cfg.Retry.DelayMs) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}
	var policy backoff.BackOff = backoff.NewConstantBackOff(delay)
	policy = backoff.WithMaxRetries(policy, uint64(c.cfg.Retry.Attempts))
	return backoff.WithContext(policy, ctx)
}

// applySessionInit runs the engine's session settings. Failures are logged
// and swallowed unless the transport itself is broken.
func (c *sqlConn) applySessionInit(ctx context.Context) error {
	for _, stmt := range c.dialect.sessionInit(c.cfg) {
		if _, err := c.sess.ExecContext(ctx, stmt); err != nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			pingErr := c.sess.PingContext(pingCtx)
			cancel()
			if pingErr != nil {
				return apperr.Wrap(apperr.KindConnection, "session init broke the transport", err)
			}
			c.logger.Warn("session init statement failed",
				observability.String("statement", stmt),
				observability.Error(err))
		}
	}
	return nil
}

func (c *sqlConn) Disconnect() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	if c.sess != nil {
		_ = c.sess.Close()
		c.sess = nil
	}
	if c.db != nil && !c.external {
		err := c.db.Close()
		c.db = nil
		if err != nil {
			return apperr.Wrap(apperr.KindConnection, "closing database handle", err)
		}
	}
	return nil
}

func (c *sqlConn) IsConnected() bool {
	return c.sess != nil
}

// session returns the pinned *sql.Conn, lazily acquiring one for external
// database handles.
func (c *sqlConn) session(ctx context.Context) (*sql.Conn, error) {
	if c.sess != nil {
		return c.sess, nil
	}
	if c.db == nil {
		return nil, apperr.New(apperr.KindConnection, "not connected")
	}
	sess, err := c.db.Conn(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnection, "acquiring session", err)
	}
	c.sess = sess
	return sess, nil
}

func (c *sqlConn) StartTransaction(ctx context.Context) error {
	if c.tx != nil {
		return apperr.New(apperr.KindCommand, "transaction already active")
	}
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}
	tx, err := sess.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindCommand, "beginning transaction", err)
	}
	c.tx = tx
	return nil
}

func (c *sqlConn) Commit() error {
	if c.tx == nil {
		return apperr.New(apperr.KindCommand, "no active transaction")
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return apperr.Wrap(apperr.KindCommand, "committing transaction", err)
	}
	return nil
}

func (c *sqlConn) Rollback() error {
	if c.tx == nil {
		return apperr.New(apperr.KindCommand, "no active transaction")
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		return apperr.Wrap(apperr.KindCommand, "rolling back transaction", err)
	}
	return nil
}

func (c *sqlConn) InTransaction() bool {
	return c.tx != nil
}

func (c *sqlConn) SetQueryTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.queryTimeout = timeout
	}
}

func (c *sqlConn) QueryTimeout() time.Duration {
	return c.queryTimeout
}

// execer is satisfied by both *sql.Conn and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (c *sqlConn) runner(ctx context.Context) (execer, error) {
	if c.tx != nil {
		return c.tx, nil
	}
	return c.session(ctx)
}

func (c *sqlConn) startSpan(ctx context.Context, name, query string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", string(c.dialect.engine())),
			attribute.String("db.operation", statementOperation(query)),
		))
}

func (c *sqlConn) Execute(ctx context.Context, query string, params Params) (int64, error) {
	bound, args, err := bindNamed(c.dialect, query, params)
	if err != nil {
		return 0, err
	}
	run, err := c.runner(ctx)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	ctx, span := c.startSpan(ctx, "db.execute", query)
	defer span.End()

	c.logger.Debug("executing statement",
		observability.String("operation", statementOperation(query)),
		observability.Int("params", len(args)))

	result, err := run.ExecContext(ctx, bound, args...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, apperr.Wrap(apperr.KindCommand, "executing statement", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		// Callers branch on the affected-row count; faking a zero here would
		// turn a successful write into a reported miss.
		span.SetStatus(codes.Error, err.Error())
		return 0, apperr.Wrap(apperr.KindCommand, "reading affected rows", err)
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", affected))
	return affected, nil
}

func (c *sqlConn) ExecuteScalar(ctx context.Context, query string, params Params) (any, error) {
	rs, err := c.ExecuteReader(ctx, query, params)
	if err != nil {
		return nil, err
	}
	if rs.Len() == 0 || len(rs.Columns) == 0 {
		return nil, nil
	}
	return rs.Rows[0][0], nil
}

func (c *sqlConn) ExecuteReader(ctx context.Context, query string, params Params) (*ResultSet, error) {
	bound, args, err := bindNamed(c.dialect, query, params)
	if err != nil {
		return nil, err
	}
	run, err := c.runner(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	ctx, span := c.startSpan(ctx, "db.query", query)
	defer span.End()

	c.logger.Debug("executing query",
		observability.String("operation", statementOperation(query)),
		observability.Int("params", len(args)))

	rows, err := run.QueryContext(ctx, bound, args...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, apperr.Wrap(apperr.KindCommand, "executing query", err)
	}
	defer rows.Close()

	rs, err := materialize(rows)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, apperr.Wrap(apperr.KindCommand, "reading result set", err)
	}
	span.SetAttributes(attribute.Int("db.rows_returned", rs.Len()))
	return rs, nil
}

func (c *sqlConn) ExecuteJSON(ctx context.Context, query string, params Params) (string, error) {
	rs, err := c.ExecuteReader(ctx, query, params)
	if err != nil {
		return "", err
	}
	return encodeRows(rs)
}

func (c *sqlConn) Version(ctx context.Context) (string, error) {
	value, err := c.ExecuteScalar(ctx, c.dialect.versionQuery(), nil)
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}
	if s, ok := value.(string); ok {
		return s, nil
	}
	return "", apperr.New(apperr.KindCommand, "version query returned a non-string value")
}

func (c *sqlConn) GetTables(ctx context.Context) ([]string, error) {
	query, params := c.dialect.tablesQuery(c.cfg)
	return c.stringColumn(ctx, query, params)
}

func (c *sqlConn) GetFields(ctx context.Context, table string) ([]string, error) {
	query, params := c.dialect.fieldsQuery(c.cfg, table)
	return c.stringColumn(ctx, query, params)
}

func (c *sqlConn) stringColumn(ctx context.Context, query string, params Params) ([]string, error) {
	rs, err := c.ExecuteReader(ctx, query, params)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, rs.Len())
	for _, row := range rs.Rows {
		if len(row) == 0 {
			continue
		}
		if s, ok := row[0].(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// statementOperation classifies a statement for tracing and debug logs.
func statementOperation(query string) string {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "UNKNOWN"
	}
	first, _, _ := strings.Cut(trimmed, " ")
	op := strings.ToUpper(first)
	switch op {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "SET":
		return op
	case "CREATE", "DROP", "ALTER", "TRUNCATE":
		return "DDL"
	case "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT":
		return "TRANSACTION"
	case "WITH":
		return "SELECT"
	default:
		return "OTHER"
	}
}
