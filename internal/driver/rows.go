package driver

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// materialize drains rows into memory and normalizes driver-specific value
// types. There is no streaming path; result sets must fit in memory.
func materialize(rows *sql.Rows) (*ResultSet, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	rs := &ResultSet{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i := range values {
			values[i] = normalizeValue(values[i])
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// normalizeValue maps driver cell types onto the small set the rest of the
// system understands: nil, bool, int64, float64, string, time.Time (UTC).
func normalizeValue(v any) any {
	switch value := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(value)
	case time.Time:
		return value.UTC()
	default:
		return value
	}
}

// encodeRows renders a result set as a JSON array of objects. Column names
// become keys, NULL cells become JSON null and datetimes are ISO-8601 UTC.
func encodeRows(rs *ResultSet) (string, error) {
	objects := make([]map[string]any, 0, rs.Len())
	for _, row := range rs.Rows {
		obj := make(map[string]any, len(rs.Columns))
		for i, col := range rs.Columns {
			obj[col] = jsonValue(row[i])
		}
		objects = append(objects, obj)
	}
	encoded, err := json.Marshal(objects)
	if err != nil {
		return "", fmt.Errorf("encoding rows: %w", err)
	}
	return string(encoded), nil
}

func jsonValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}
