package tools

import "encoding/json"

// DefaultResultCap is the serialized size in bytes above which a tool result
// is truncated before being replayed into the voice model's context.
const DefaultResultCap = 2048

// Truncate enforces a serialized-size cap on a tool result value. Values at
// or under the cap are returned unchanged; oversize values are replaced by a
// marker object carrying the original size and a preview of the serialized
// payload. Values that cannot be serialized are returned unchanged — the
// backend that produced them decides how they go on the wire.
func Truncate(value any, limit int) any {
	if limit <= 0 {
		limit = DefaultResultCap
	}
	raw, err := json.Marshal(value)
	if err != nil || len(raw) <= limit {
		return value
	}
	return map[string]any{
		"truncated":    true,
		"originalSize": len(raw),
		"preview":      string(raw[:limit]),
	}
}
