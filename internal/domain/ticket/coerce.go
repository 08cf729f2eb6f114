package ticket

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CoerceCoupleID normalizes a couple identifier to its string form.
// The backend has historically typed the field as a number, so numeric values are accepted.
func CoerceCoupleID(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", fmt.Errorf("%w: coupleId is missing", ErrMalformedBalance)
	case string:
		s := strings.TrimSpace(id)
		if s == "" {
			return "", fmt.Errorf("%w: coupleId is empty", ErrMalformedBalance)
		}
		return s, nil
	case json.Number:
		return coerceNumericID(id.String())
	case float64:
		if id != math.Trunc(id) || math.IsInf(id, 0) || math.IsNaN(id) {
			return "", fmt.Errorf("%w: coupleId %v is not an integer", ErrMalformedBalance, id)
		}
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	case float32:
		return CoerceCoupleID(float64(id))
	case int:
		return strconv.Itoa(id), nil
	case int32:
		return strconv.FormatInt(int64(id), 10), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case uint64:
		return strconv.FormatUint(id, 10), nil
	default:
		return "", fmt.Errorf("%w: coupleId has unsupported type %T", ErrMalformedBalance, v)
	}
}

func coerceNumericID(s string) (string, error) {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return s, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return "", fmt.Errorf("%w: coupleId %q is not an integer", ErrMalformedBalance, s)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// CoerceCount normalizes a ticket count. Numeric strings are accepted; negatives are rejected.
func CoerceCount(v any) (int, error) {
	var n int64
	switch c := v.(type) {
	case nil:
		return 0, fmt.Errorf("%w: ticket count is missing", ErrMalformedBalance)
	case json.Number:
		parsed, err := parseCount(c.String())
		if err != nil {
			return 0, err
		}
		n = parsed
	case string:
		parsed, err := parseCount(strings.TrimSpace(c))
		if err != nil {
			return 0, err
		}
		n = parsed
	case float64:
		if c != math.Trunc(c) || math.IsInf(c, 0) || math.IsNaN(c) {
			return 0, fmt.Errorf("%w: ticket count %v is not an integer", ErrMalformedBalance, c)
		}
		n = int64(c)
	case int:
		n = int64(c)
	case int64:
		n = c
	default:
		return 0, fmt.Errorf("%w: ticket count has unsupported type %T", ErrMalformedBalance, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: ticket count %d is negative", ErrMalformedBalance, n)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: ticket count %d is out of range", ErrMalformedBalance, n)
	}
	return int(n), nil
}

func parseCount(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: ticket count %q is not an integer", ErrMalformedBalance, s)
	}
	return int64(f), nil
}
