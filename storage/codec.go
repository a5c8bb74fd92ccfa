package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

func encodeValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return data, nil
}

func decodeValue(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return v, nil
}

// counterValue reads a stored counter. Anything that is not an integral
// JSON number, or a string holding one, counts as 0.
func counterValue(data []byte) int64 {
	if len(data) == 0 {
		return 0
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil && !math.IsInf(f, 0) && f == math.Trunc(f) {
			return int64(f)
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func asHash(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
