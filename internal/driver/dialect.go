package driver

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/posbridge/posbridge/internal/config"
)

// dialect captures everything that differs between engines: driver
// registration name, DSN construction, placeholder syntax, identifier
// quoting, session initialization and catalog queries.
type dialect interface {
	engine() config.Engine
	driverName() string
	dsn(cfg config.ConnectionConfig) string
	placeholder(index int) string
	quote(identifier string) string
	sessionInit(cfg config.ConnectionConfig) []string
	versionQuery() string
	tablesQuery(cfg config.ConnectionConfig) (sql string, params Params)
	fieldsQuery(cfg config.ConnectionConfig, table string) (sql string, params Params)
}

func dialectFor(engine config.Engine) (dialect, error) {
	switch engine {
	case config.EngineMSSQL:
		return mssqlDialect{}, nil
	case config.EnginePostgres:
		return postgresDialect{}, nil
	case config.EngineMySQL:
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("no dialect for engine %q", engine)
	}
}

// QuoteIdentifier quotes identifier for the given engine. Identifiers must
// already have passed a whitelist check; quoting is the second line of
// defense, never the first.
func QuoteIdentifier(engine config.Engine, identifier string) string {
	switch engine {
	case config.EngineMSSQL:
		return "[" + strings.ReplaceAll(identifier, "]", "]]") + "]"
	case config.EngineMySQL:
		return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
	}
}

type mssqlDialect struct{}

func (mssqlDialect) engine() config.Engine { return config.EngineMSSQL }
func (mssqlDialect) driverName() string    { return "sqlserver" }

func (mssqlDialect) dsn(cfg config.ConnectionConfig) string {
	query := url.Values{}
	query.Set("database", cfg.Database)
	query.Set("dial timeout", fmt.Sprintf("%d", cfg.ConnectTimeoutSec))
	if cfg.ApplicationName != "" {
		query.Set("app name", cfg.ApplicationName)
	}
	if cfg.TLS.Enabled {
		query.Set("encrypt", "true")
		if cfg.TLS.RootCert != "" {
			query.Set("certificate", cfg.TLS.RootCert)
		}
	} else {
		query.Set("encrypt", "disable")
	}
	applyExtraParams(query, cfg.ExtraParams)

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (mssqlDialect) placeholder(index int) string { return fmt.Sprintf("@p%d", index) }

func (d mssqlDialect) quote(identifier string) string {
	return QuoteIdentifier(config.EngineMSSQL, identifier)
}

func (mssqlDialect) sessionInit(_ config.ConnectionConfig) []string {
	return []string{
		"SET ANSI_NULLS ON",
		"SET ANSI_PADDING ON",
		"SET ANSI_WARNINGS ON",
		"SET ARITHABORT ON",
		"SET CONCAT_NULL_YIELDS_NULL ON",
		"SET QUOTED_IDENTIFIER ON",
		"SET NUMERIC_ROUNDABORT OFF",
		"SET DATEFORMAT ymd",
	}
}

func (mssqlDialect) versionQuery() string { return "SELECT @@VERSION" }

func (mssqlDialect) tablesQuery(cfg config.ConnectionConfig) (string, Params) {
	schema := cfg.Schema
	if schema == "" {
		schema = "dbo"
	}
	return "SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES " +
			"WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = :schema ORDER BY TABLE_NAME",
		Params{"schema": schema}
}

func (mssqlDialect) fieldsQuery(cfg config.ConnectionConfig, table string) (string, Params) {
	schema := cfg.Schema
	if schema == "" {
		schema = "dbo"
	}
	return "SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS " +
			"WHERE TABLE_SCHEMA = :schema AND TABLE_NAME = :table ORDER BY ORDINAL_POSITION",
		Params{"schema": schema, "table": table}
}

type postgresDialect struct{}

func (postgresDialect) engine() config.Engine { return config.EnginePostgres }
func (postgresDialect) driverName() string    { return "pgx" }

func (postgresDialect) dsn(cfg config.ConnectionConfig) string {
	parts := []string{
		"host=" + pgValue(cfg.Server),
		fmt.Sprintf("port=%d", cfg.Port),
		"user=" + pgValue(cfg.Username),
		"dbname=" + pgValue(cfg.Database),
		fmt.Sprintf("connect_timeout=%d", cfg.ConnectTimeoutSec),
	}
	if cfg.Password != "" {
		parts = append(parts, "password="+pgValue(cfg.Password))
	}
	if cfg.ApplicationName != "" {
		parts = append(parts, "application_name="+pgValue(cfg.ApplicationName))
	}
	if cfg.TLS.Enabled {
		parts = append(parts, "sslmode=verify-full")
		if cfg.TLS.RootCert != "" {
			parts = append(parts, "sslrootcert="+pgValue(cfg.TLS.RootCert))
		}
		if cfg.TLS.Cert != "" {
			parts = append(parts, "sslcert="+pgValue(cfg.TLS.Cert))
		}
		if cfg.TLS.Key != "" {
			parts = append(parts, "sslkey="+pgValue(cfg.TLS.Key))
		}
	} else {
		parts = append(parts, "sslmode=disable")
	}
	for _, extra := range cfg.ExtraParams {
		if strings.Contains(extra, "=") {
			parts = append(parts, extra)
		}
	}
	return strings.Join(parts, " ")
}

// pgValue quotes a keyword/value DSN value when it contains spaces.
func pgValue(v string) string {
	if strings.ContainsAny(v, " '\\") {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `'`, `\'`)
		return "'" + v + "'"
	}
	return v
}

func (postgresDialect) placeholder(index int) string { return fmt.Sprintf("$%d", index) }

func (d postgresDialect) quote(identifier string) string {
	return QuoteIdentifier(config.EnginePostgres, identifier)
}

func (d postgresDialect) sessionInit(cfg config.ConnectionConfig) []string {
	stmts := []string{
		"SET client_encoding TO 'UTF8'",
		"SET TIME ZONE 'UTC'",
	}
	if cfg.Schema != "" {
		stmts = append([]string{"SET search_path TO " + d.quote(cfg.Schema)}, stmts...)
	}
	return stmts
}

func (postgresDialect) versionQuery() string { return "SELECT version()" }

func (postgresDialect) tablesQuery(cfg config.ConnectionConfig) (string, Params) {
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return "SELECT table_name FROM information_schema.tables " +
			"WHERE table_type = 'BASE TABLE' AND table_schema = :schema ORDER BY table_name",
		Params{"schema": schema}
}

func (postgresDialect) fieldsQuery(cfg config.ConnectionConfig, table string) (string, Params) {
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return "SELECT column_name FROM information_schema.columns " +
			"WHERE table_schema = :schema AND table_name = :table ORDER BY ordinal_position",
		Params{"schema": schema, "table": table}
}

type mysqlDialect struct{}

func (mysqlDialect) engine() config.Engine { return config.EngineMySQL }
func (mysqlDialect) driverName() string    { return "mysql" }

func (mysqlDialect) dsn(cfg config.ConnectionConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)
	mc.DBName = cfg.Database
	mc.Timeout = time.Duration(cfg.ConnectTimeoutSec) * time.Second
	mc.ParseTime = true
	if cfg.TLS.Enabled {
		mc.TLSConfig = "true"
	}
	for _, extra := range cfg.ExtraParams {
		if key, value, ok := strings.Cut(extra, "="); ok {
			if mc.Params == nil {
				mc.Params = make(map[string]string)
			}
			mc.Params[key] = value
		}
	}
	return mc.FormatDSN()
}

func (mysqlDialect) placeholder(_ int) string { return "?" }

func (d mysqlDialect) quote(identifier string) string {
	return QuoteIdentifier(config.EngineMySQL, identifier)
}

const defaultMySQLSQLMode = "STRICT_TRANS_TABLES,NO_ZERO_IN_DATE,NO_ZERO_DATE," +
	"ERROR_FOR_DIVISION_BY_ZERO,NO_ENGINE_SUBSTITUTION"

func (mysqlDialect) sessionInit(cfg config.ConnectionConfig) []string {
	sqlMode := defaultMySQLSQLMode
	for _, extra := range cfg.ExtraParams {
		if value, ok := strings.CutPrefix(extra, "sql_mode="); ok {
			sqlMode = value
		}
	}
	return []string{
		"SET NAMES utf8mb4 COLLATE utf8mb4_unicode_ci",
		"SET SESSION time_zone = '+00:00'",
		"SET SESSION sql_mode = '" + strings.ReplaceAll(sqlMode, "'", "''") + "'",
	}
}

func (mysqlDialect) versionQuery() string { return "SELECT VERSION()" }

func (mysqlDialect) tablesQuery(_ config.ConnectionConfig) (string, Params) {
	return "SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES " +
		"WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = DATABASE() ORDER BY TABLE_NAME", nil
}

func (mysqlDialect) fieldsQuery(_ config.ConnectionConfig, table string) (string, Params) {
	return "SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS " +
			"WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = :table ORDER BY ORDINAL_POSITION",
		Params{"table": table}
}

func applyExtraParams(query url.Values, extras []string) {
	for _, extra := range extras {
		if key, value, ok := strings.Cut(extra, "="); ok {
			query.Set(key, value)
		}
	}
}
