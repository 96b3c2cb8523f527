// Package syncengine implements the batched upsert driver and the change
// feeds that keep offline clients and the central database in step. Every
// synchronized table carries a LastSync timestamp column maintained by the
// server on each write.
package syncengine

import (
	"github.com/posbridge/posbridge/internal/apperr"
)

// FieldType selects the coercion applied to a payload value.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt
	FieldFloat
	FieldBool
	FieldDatetime
)

// FieldDef describes one synchronized column and its payload coercion.
// Default is applied when the payload omits the field or the value cannot
// be coerced.
type FieldDef struct {
	Name    string
	Type    FieldType
	Default any
}

// Entity describes one synchronized table: its endpoint name, the top-level
// payload key carrying the item array, and the columns beyond id/LastSync.
type Entity struct {
	Name       string
	Table      string
	PayloadKey string
	Fields     []FieldDef
}

// Columns returns the full select list for the change feed, id first and
// LastSync last.
func (e Entity) Columns() []string {
	cols := make([]string, 0, len(e.Fields)+2)
	cols = append(cols, "id")
	for _, f := range e.Fields {
		cols = append(cols, f.Name)
	}
	return append(cols, "LastSync")
}

var entities = map[string]Entity{
	"tables": {
		Name:       "tables",
		Table:      "tables",
		PayloadKey: "tables",
		Fields: []FieldDef{
			{Name: "Number", Type: FieldInt, Default: int64(0)},
			{Name: "Capacity", Type: FieldInt, Default: int64(0)},
			{Name: "Status", Type: FieldString, Default: "free"},
			{Name: "QRCode", Type: FieldString, Default: ""},
		},
	},
	"orders": {
		Name:       "orders",
		Table:      "orders",
		PayloadKey: "orders",
		Fields: []FieldDef{
			{Name: "TableId", Type: FieldInt, Default: int64(0)},
			{Name: "CustomerId", Type: FieldInt, Default: int64(0)},
			{Name: "Total", Type: FieldFloat, Default: float64(0)},
			{Name: "Status", Type: FieldString, Default: "open"},
			{Name: "OpenedAt", Type: FieldDatetime, Default: nil},
		},
	},
	"orderitems": {
		Name:       "orderitems",
		Table:      "orderitems",
		PayloadKey: "items",
		Fields: []FieldDef{
			{Name: "OrderId", Type: FieldInt, Default: int64(0)},
			{Name: "ProductId", Type: FieldInt, Default: int64(0)},
			{Name: "Quantity", Type: FieldInt, Default: int64(1)},
			{Name: "Price", Type: FieldFloat, Default: float64(0)},
			{Name: "Notes", Type: FieldString, Default: ""},
		},
	},
	"products": {
		Name:       "products",
		Table:      "products",
		PayloadKey: "products",
		Fields: []FieldDef{
			{Name: "Name", Type: FieldString, Default: ""},
			{Name: "Price", Type: FieldFloat, Default: float64(0)},
			{Name: "Category", Type: FieldString, Default: ""},
			{Name: "Available", Type: FieldBool, Default: true},
		},
	},
}

// EntityFor resolves a sync endpoint name to its entity definition.
func EntityFor(name string) (Entity, error) {
	e, ok := entities[name]
	if !ok {
		return Entity{}, apperr.Newf(apperr.KindInvalidParameter, "unknown sync entity %q", name)
	}
	return e, nil
}

// EntityNames lists the known sync endpoints.
func EntityNames() []string {
	return []string{"tables", "orders", "orderitems", "products"}
}
