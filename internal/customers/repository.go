// Package customers implements the customer record store: CRUD with soft
// delete over whichever engine backs the configured pool. Rows are never
// physically removed; DELETE flips the active flag and reads filter on it.
package customers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/config"
	"github.com/posbridge/posbridge/internal/driver"
	"github.com/posbridge/posbridge/internal/observability"
	"github.com/posbridge/posbridge/internal/querybuilder"
	"github.com/posbridge/posbridge/internal/storage"
)

// FilterFields is the whitelist for list-endpoint filters and sorts.
var FilterFields = []string{"id", "name", "email", "phone", "active", "created_at"}

var selectColumns = []string{"id", "name", "email", "phone", "address", "active", "created_at", "updated_at"}

// Input is the payload accepted by create and update.
type Input struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// Validate checks the required fields.
func (in *Input) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return apperr.New(apperr.KindMissingParameter, "name is required")
	}
	if strings.TrimSpace(in.Email) == "" {
		return apperr.New(apperr.KindMissingParameter, "email is required")
	}
	if !strings.Contains(in.Email, "@") {
		return apperr.Newf(apperr.KindInvalidParameter, "email %q is not an address", in.Email)
	}
	return nil
}

// Repository is the customer data access layer.
type Repository struct {
	source storage.Source
	logger observability.Logger
}

// NewRepository builds a repository over the given session source.
func NewRepository(source storage.Source, logger observability.Logger) *Repository {
	return &Repository{source: source, logger: logger}
}

func selectList(engine config.Engine) string {
	cols := make([]string, len(selectColumns))
	for i, c := range selectColumns {
		cols[i] = driver.QuoteIdentifier(engine, c)
	}
	return strings.Join(cols, ", ")
}

// List returns matching customers as a JSON array. Unless the caller
// filters on active explicitly, soft-deleted rows are hidden.
func (r *Repository) List(ctx context.Context, params url.Values) (string, error) {
	conn, release, err := r.source.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	engine := conn.Engine()
	builder := querybuilder.New(engine, FilterFields, r.logger)
	q, err := builder.Build(params)
	if err != nil {
		return "", err
	}

	if !filtersOnActive(params) {
		activeCond := driver.QuoteIdentifier(engine, "active") + " = :listActive"
		if q.Where == "" {
			q.Where = "WHERE " + activeCond
		} else {
			q.Where += " AND " + activeCond
		}
		q.Params["listActive"] = true
	}

	query := fmt.Sprintf("SELECT %s FROM %s %s",
		selectList(engine),
		driver.QuoteIdentifier(engine, "customers"),
		q.Clauses())
	return conn.ExecuteJSON(ctx, strings.TrimSpace(query), q.Params)
}

func filtersOnActive(params url.Values) bool {
	for key := range params {
		if key == "active" || strings.HasPrefix(key, "active[") {
			return true
		}
	}
	return false
}

// Get returns one active customer as a JSON object.
func (r *Repository) Get(ctx context.Context, id int64) (string, error) {
	conn, release, err := r.source.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	engine := conn.Engine()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = :id AND %s = :active",
		selectList(engine),
		driver.QuoteIdentifier(engine, "customers"),
		driver.QuoteIdentifier(engine, "id"),
		driver.QuoteIdentifier(engine, "active"))

	out, err := conn.ExecuteJSON(ctx, query, driver.Params{"id": id, "active": true})
	if err != nil {
		return "", err
	}
	if out == "[]" {
		return "", apperr.Newf(apperr.KindNotFound, "customer %d not found", id)
	}
	// Single-row query; unwrap the array.
	return strings.TrimSuffix(strings.TrimPrefix(out, "["), "]"), nil
}

// Create inserts a customer and returns its new id.
func (r *Repository) Create(ctx context.Context, in Input) (int64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}

	conn, release, err := r.source.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	engine := conn.Engine()
	table := driver.QuoteIdentifier(engine, "customers")
	cols := fmt.Sprintf("%s, %s, %s, %s, %s, %s, %s",
		driver.QuoteIdentifier(engine, "name"),
		driver.QuoteIdentifier(engine, "email"),
		driver.QuoteIdentifier(engine, "phone"),
		driver.QuoteIdentifier(engine, "address"),
		driver.QuoteIdentifier(engine, "active"),
		driver.QuoteIdentifier(engine, "created_at"),
		driver.QuoteIdentifier(engine, "updated_at"))
	params := driver.Params{
		"name":    in.Name,
		"email":   in.Email,
		"phone":   in.Phone,
		"address": in.Address,
		"active":  true,
	}

	// Each engine has its own way of handing back the generated key.
	switch engine {
	case config.EnginePostgres:
		query := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (:name, :email, :phone, :address, :active, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP) RETURNING %s",
			table, cols, driver.QuoteIdentifier(engine, "id"))
		value, err := conn.ExecuteScalar(ctx, query, params)
		if err != nil {
			return 0, err
		}
		return scalarID(value)
	case config.EngineMSSQL:
		query := fmt.Sprintf(
			"INSERT INTO %s (%s) OUTPUT INSERTED.%s VALUES (:name, :email, :phone, :address, :active, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)",
			table, cols, driver.QuoteIdentifier(engine, "id"))
		value, err := conn.ExecuteScalar(ctx, query, params)
		if err != nil {
			return 0, err
		}
		return scalarID(value)
	default:
		query := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (:name, :email, :phone, :address, :active, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)",
			table, cols)
		if _, err := conn.Execute(ctx, query, params); err != nil {
			return 0, err
		}
		value, err := conn.ExecuteScalar(ctx, "SELECT LAST_INSERT_ID()", nil)
		if err != nil {
			return 0, err
		}
		return scalarID(value)
	}
}

// Update rewrites the mutable fields of an active customer.
func (r *Repository) Update(ctx context.Context, id int64, in Input) error {
	if err := in.Validate(); err != nil {
		return err
	}

	conn, release, err := r.source.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	engine := conn.Engine()
	query := fmt.Sprintf(
		"UPDATE %s SET %s = :name, %s = :email, %s = :phone, %s = :address, %s = CURRENT_TIMESTAMP WHERE %s = :id AND %s = :active",
		driver.QuoteIdentifier(engine, "customers"),
		driver.QuoteIdentifier(engine, "name"),
		driver.QuoteIdentifier(engine, "email"),
		driver.QuoteIdentifier(engine, "phone"),
		driver.QuoteIdentifier(engine, "address"),
		driver.QuoteIdentifier(engine, "updated_at"),
		driver.QuoteIdentifier(engine, "id"),
		driver.QuoteIdentifier(engine, "active"))

	affected, err := conn.Execute(ctx, query, driver.Params{
		"name":    in.Name,
		"email":   in.Email,
		"phone":   in.Phone,
		"address": in.Address,
		"id":      id,
		"active":  true,
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.Newf(apperr.KindNotFound, "customer %d not found", id)
	}
	return nil
}

// SoftDelete deactivates a customer. The row stays in place; reads skip it.
func (r *Repository) SoftDelete(ctx context.Context, id int64) error {
	conn, release, err := r.source.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	engine := conn.Engine()
	query := fmt.Sprintf(
		"UPDATE %s SET %s = :inactive, %s = CURRENT_TIMESTAMP WHERE %s = :id AND %s = :active",
		driver.QuoteIdentifier(engine, "customers"),
		driver.QuoteIdentifier(engine, "active"),
		driver.QuoteIdentifier(engine, "updated_at"),
		driver.QuoteIdentifier(engine, "id"),
		driver.QuoteIdentifier(engine, "active"))

	affected, err := conn.Execute(ctx, query, driver.Params{
		"inactive": false,
		"id":       id,
		"active":   true,
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.Newf(apperr.KindNotFound, "customer %d not found", id)
	}
	return nil
}

func scalarID(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		var id int64
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
			return id, nil
		}
	}
	return 0, apperr.Newf(apperr.KindInternal, "generated id has unexpected type %T", value)
}
