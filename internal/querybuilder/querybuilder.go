// Package querybuilder translates list-endpoint request parameters into SQL
// fragments with named bind parameters. Field names are checked against a
// caller-provided whitelist before they ever reach SQL text; values only
// travel as bind parameters.
package querybuilder

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/config"
	"github.com/posbridge/posbridge/internal/driver"
	"github.com/posbridge/posbridge/internal/observability"
)

// Reserved parameter names that steer the query instead of filtering it.
const (
	paramSort   = "_sort"
	paramLimit  = "_limit"
	paramOffset = "_offset"
)

var operators = map[string]string{
	"eq":   "=",
	"ne":   "<>",
	"lt":   "<",
	"le":   "<=",
	"gt":   ">",
	"ge":   ">=",
	"like": "LIKE",
}

// Builder turns request parameters into WHERE/ORDER BY/pagination fragments
// for one whitelisted field set and one engine dialect.
type Builder struct {
	engine    config.Engine
	whitelist map[string]struct{}
	logger    observability.Logger
}

// New creates a builder for the given engine and field whitelist.
func New(engine config.Engine, fields []string, logger observability.Logger) *Builder {
	wl := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		wl[f] = struct{}{}
	}
	return &Builder{engine: engine, whitelist: wl, logger: logger}
}

// Query is the built SQL tail. Fragments are empty when not requested.
type Query struct {
	Where      string
	OrderBy    string
	Pagination string
	Params     driver.Params
}

// Clauses joins the non-empty fragments in clause order, ready to append to
// a SELECT statement.
func (q *Query) Clauses() string {
	var parts []string
	for _, f := range []string{q.Where, q.OrderBy, q.Pagination} {
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}

// Build parses the request parameters. Fields outside the whitelist are
// dropped with a warning; malformed pagination or sort values fail with an
// invalid-parameter error.
func (b *Builder) Build(values url.Values) (*Query, error) {
	q := &Query{Params: driver.Params{}}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conditions []string
	bindSeq := 0

	for _, key := range keys {
		value := values.Get(key)
		switch key {
		case paramSort, paramLimit, paramOffset:
			continue
		}

		field, op := splitOperator(key)
		if _, ok := b.whitelist[field]; !ok {
			b.logger.Warn("dropping filter on non-whitelisted field",
				observability.String("field", field))
			continue
		}

		quoted := driver.QuoteIdentifier(b.engine, field)
		switch op {
		case "nn":
			conditions = append(conditions, quoted+" IS NOT NULL")
		case "in":
			items := strings.Split(value, ",")
			binds := make([]string, 0, len(items))
			for _, item := range items {
				bindSeq++
				name := fmt.Sprintf("p%d", bindSeq)
				q.Params[name] = strings.TrimSpace(item)
				binds = append(binds, ":"+name)
			}
			conditions = append(conditions, quoted+" IN ("+strings.Join(binds, ", ")+")")
		default:
			sqlOp, ok := operators[op]
			if !ok {
				b.logger.Warn("dropping filter with unknown operator",
					observability.String("field", field),
					observability.String("op", op))
				continue
			}
			bindSeq++
			name := fmt.Sprintf("p%d", bindSeq)
			q.Params[name] = value
			conditions = append(conditions, fmt.Sprintf("%s %s :%s", quoted, sqlOp, name))
		}
	}

	if len(conditions) > 0 {
		q.Where = "WHERE " + strings.Join(conditions, " AND ")
	}

	if err := b.buildOrderBy(q, values.Get(paramSort)); err != nil {
		return nil, err
	}
	if err := b.buildPagination(q, values); err != nil {
		return nil, err
	}
	return q, nil
}

// splitOperator parses "field[op]" into its parts; a bare field means
// equality.
func splitOperator(key string) (field, op string) {
	open := strings.IndexByte(key, '[')
	if open > 0 && strings.HasSuffix(key, "]") {
		return key[:open], strings.ToLower(key[open+1 : len(key)-1])
	}
	return key, "eq"
}

func (b *Builder) buildOrderBy(q *Query, spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}

	var terms []string
	for _, raw := range strings.Split(spec, ",") {
		field := strings.TrimSpace(raw)
		if field == "" {
			continue
		}

		direction := "ASC"
		switch {
		case strings.HasPrefix(field, "-"):
			direction = "DESC"
			field = field[1:]
		case strings.HasPrefix(field, "+"):
			field = field[1:]
		case strings.HasSuffix(strings.ToLower(field), "_desc"):
			direction = "DESC"
			field = field[:len(field)-len("_desc")]
		case strings.HasSuffix(strings.ToLower(field), "_asc"):
			field = field[:len(field)-len("_asc")]
		}

		if _, ok := b.whitelist[field]; !ok {
			b.logger.Warn("dropping sort on non-whitelisted field",
				observability.String("field", field))
			continue
		}
		terms = append(terms, driver.QuoteIdentifier(b.engine, field)+" "+direction)
	}

	if len(terms) > 0 {
		q.OrderBy = "ORDER BY " + strings.Join(terms, ", ")
	}
	return nil
}

func (b *Builder) buildPagination(q *Query, values url.Values) error {
	rawLimit := values.Get(paramLimit)
	rawOffset := values.Get(paramOffset)
	if rawLimit == "" && rawOffset == "" {
		return nil
	}

	limit, err := nonNegativeInt(paramLimit, rawLimit, -1)
	if err != nil {
		return err
	}
	offset, err := nonNegativeInt(paramOffset, rawOffset, 0)
	if err != nil {
		return err
	}

	// An offset without a limit still pages on MSSQL; LIMIT dialects need a
	// bound, so an absent limit means "everything after the offset".
	switch b.engine {
	case config.EngineMSSQL:
		if limit == 0 {
			// SQL Server rejects FETCH NEXT 0 ROWS; an always-false guard
			// yields the same empty result.
			if q.Where == "" {
				q.Where = "WHERE 1 = 0"
			} else {
				q.Where += " AND 1 = 0"
			}
			return nil
		}
		if q.OrderBy == "" {
			// OFFSET/FETCH is only legal after an ORDER BY.
			q.OrderBy = "ORDER BY (SELECT 1)"
		}
		q.Pagination = fmt.Sprintf("OFFSET %d ROWS", offset)
		if limit > 0 {
			q.Pagination += fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit)
		}
	default:
		if limit >= 0 {
			q.Pagination = fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
		} else {
			q.Pagination = fmt.Sprintf("OFFSET %d", offset)
		}
	}
	return nil
}

func nonNegativeInt(name, raw string, absent int) (int, error) {
	if raw == "" {
		return absent, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Newf(apperr.KindInvalidParameter,
			"%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}
