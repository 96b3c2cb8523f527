package syncengine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/observability"
)

// Accepted datetime layouts for payload values, most specific first.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseItemID extracts the item id, which clients send as a string-encoded
// integer. Bare JSON numbers are tolerated when they are integral.
func parseItemID(raw any) (int64, error) {
	switch v := raw.(type) {
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, apperr.Newf(apperr.KindInvalidParameter, "id %q is not an integer", v)
		}
		return id, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, apperr.Newf(apperr.KindInvalidParameter, "id %v is not an integer", v)
		}
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, apperr.Newf(apperr.KindInvalidParameter, "id is missing or has unsupported type")
	}
}

// coerce converts a payload value into the field's storage type. Absent or
// unconvertible values fall back to the field default with a warning; the
// sync protocol prefers a lossy import over a rejected row.
func coerce(def FieldDef, raw any, present bool, logger observability.Logger) any {
	if !present || raw == nil {
		return def.Default
	}

	switch def.Type {
	case FieldInt:
		if n, ok := toInt(raw); ok {
			return n
		}
	case FieldFloat:
		if f, ok := toFloat(raw); ok {
			return f
		}
	case FieldBool:
		if b, ok := toBool(raw); ok {
			return b
		}
	case FieldDatetime:
		if ts, ok := toDatetime(raw); ok {
			return ts
		}
	case FieldString:
		switch v := raw.(type) {
		case string:
			return v
		case float64, bool:
			return fmt.Sprintf("%v", v)
		}
	}

	logger.Warn("sync field value not coercible, using default",
		observability.String("field", def.Name),
		observability.Any("value", raw))
	return def.Default
}

func toInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b, true
		}
	}
	return false, false
}

func toDatetime(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), true
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range datetimeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// parseSince parses the change-feed watermark sent by clients.
func parseSince(since string) (time.Time, error) {
	if strings.TrimSpace(since) == "" {
		return time.Time{}, apperr.New(apperr.KindMissingParameter, "lastSync parameter is required")
	}
	if ts, ok := toDatetime(since); ok {
		return ts, nil
	}
	return time.Time{}, apperr.Newf(apperr.KindInvalidParameter,
		"lastSync %q is not an ISO-8601 datetime", since)
}
