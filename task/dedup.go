package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strconv"
)

// Domain identifier lookups, in precedence order.
var dedupKwargs = []string{"accession_number", "filing_id"}

// DeduplicationID derives the content-based deduplication key for m.
//
// The key is SHA-256 over the task name and a domain identifier: the first of
// kwargs accession_number, kwargs filing_id or metadata dedup_key that is
// present, else the task id. Resends after a failure also mix in RetryCount
// so a retry is not swallowed as a duplicate of its own first attempt.
func DeduplicationID(m *Message) string {
	ident, ok := domainIdentifier(m)
	if !ok {
		ident = m.ID
	}

	canonical, err := canonicalize(ident)
	if err != nil {
		canonical = []byte(m.ID)
	}

	h := sha256.New()
	h.Write([]byte(m.Name))
	h.Write([]byte{0})
	h.Write(canonical)
	if m.RetryCount > 0 {
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(m.RetryCount)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func domainIdentifier(m *Message) (any, bool) {
	for _, k := range dedupKwargs {
		if v, ok := m.Kwargs[k]; ok && v != nil {
			return v, true
		}
	}
	if v, ok := m.Metadata[MetaDedupKey]; ok && v != nil {
		return v, true
	}
	return nil, false
}

// canonicalize produces deterministic JSON: object keys sorted at every level.
func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := canonicalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			b, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}
