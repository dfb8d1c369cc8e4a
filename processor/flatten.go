package processor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FieldSeparator joins nested field names: {"price":{"last":1}} -> price_last.
const FieldSeparator = "_"

var errNoNumericFields = errors.New("no numeric fields")

// decodeValue turns a raw snapshot value into either a scalar or a flat map
// of numeric sub-fields. Exactly one of the two results is meaningful: fields
// is nil for scalar values.
func decodeValue(raw json.RawMessage) (float64, map[string]float64, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, nil, fmt.Errorf("decode value: %w", err)
	}

	switch val := v.(type) {
	case float64:
		return val, nil, nil
	case map[string]interface{}:
		fields := make(map[string]float64)
		flattenInto(fields, "", val)
		if len(fields) == 0 {
			return 0, nil, errNoNumericFields
		}
		return 0, fields, nil
	default:
		return 0, nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// flattenInto copies numeric leaves of a nested object into dst. Strings,
// booleans, nulls and arrays are skipped.
func flattenInto(dst map[string]float64, prefix string, obj map[string]interface{}) {
	for name, v := range obj {
		key := name
		if prefix != "" {
			key = prefix + FieldSeparator + name
		}
		switch val := v.(type) {
		case float64:
			dst[key] = val
		case map[string]interface{}:
			flattenInto(dst, key, val)
		}
	}
}
