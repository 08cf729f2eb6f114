// Package ticket models per-couple ticket balances and the admission decisions made on them.
package ticket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the wire layout of lastSyncedAt: RFC3339 with a numeric or Z offset.
const TimeLayout = time.RFC3339Nano

// countFields lists the names the count has been published under, in order of preference.
var countFields = []string{"ticket", "ticketCount", "tickat"}

// Balance is the consumable ticket balance shared by a couple.
type Balance struct {
	CoupleID     string
	TicketCount  int
	LastSyncedAt time.Time
}

// NewBalance creates a balance, validating the invariants.
func NewBalance(coupleID string, count int, syncedAt time.Time) (Balance, error) {
	id, err := CoerceCoupleID(coupleID)
	if err != nil {
		return Balance{}, err
	}
	if count < 0 {
		return Balance{}, fmt.Errorf("%w: ticket count %d is negative", ErrMalformedBalance, count)
	}
	return Balance{CoupleID: id, TicketCount: count, LastSyncedAt: syncedAt}, nil
}

// HasTickets reports whether at least one ticket remains.
func (b Balance) HasTickets() bool {
	return b.TicketCount > 0
}

// Consume returns a copy with one ticket removed and LastSyncedAt set to now.
func (b Balance) Consume(now time.Time) (Balance, error) {
	if !b.HasTickets() {
		return b, ErrNoTicketsRemaining
	}
	b.TicketCount--
	b.LastSyncedAt = now
	return b, nil
}

// WithCoupleID returns a copy keyed by id.
func (b Balance) WithCoupleID(id string) Balance {
	b.CoupleID = id
	return b
}

type balanceWire struct {
	CoupleID     string  `json:"coupleId"`
	Ticket       int     `json:"ticket"`
	LastSyncedAt *string `json:"lastSyncedAt,omitempty"`
}

// MarshalJSON encodes the balance in the cache layout shared with the backend.
func (b Balance) MarshalJSON() ([]byte, error) {
	w := balanceWire{CoupleID: b.CoupleID, Ticket: b.TicketCount}
	if !b.LastSyncedAt.IsZero() {
		s := b.LastSyncedAt.Format(TimeLayout)
		w.LastSyncedAt = &s
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a balance leniently; see DecodeBalance.
func (b *Balance) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeBalance(data)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// DecodeBalance decodes a balance from any of the shapes seen in the cache or from the backend.
// coupleId may be numeric, the count may be named ticket, ticketCount or tickat,
// and lastSyncedAt may be an RFC3339 string or epoch milliseconds.
func DecodeBalance(data []byte) (Balance, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrMalformedBalance, err)
	}
	if raw == nil {
		return Balance{}, fmt.Errorf("%w: null payload", ErrMalformedBalance)
	}
	return BalanceFromMap(raw)
}

// BalanceFromMap coerces a generic key-value payload into a Balance.
func BalanceFromMap(raw map[string]any) (Balance, error) {
	id, err := CoerceCoupleID(raw["coupleId"])
	if err != nil {
		return Balance{}, err
	}

	var countValue any
	for _, name := range countFields {
		if v, ok := raw[name]; ok && v != nil {
			countValue = v
			break
		}
	}
	count, err := CoerceCount(countValue)
	if err != nil {
		return Balance{}, err
	}

	syncedAt, err := parseSyncedAt(raw["lastSyncedAt"])
	if err != nil {
		return Balance{}, err
	}

	return Balance{CoupleID: id, TicketCount: count, LastSyncedAt: syncedAt}, nil
}

func parseSyncedAt(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, nil
		}
		// Offset-less local date-times are read as UTC.
		if ts, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
			return ts.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("%w: lastSyncedAt %q is not a timestamp", ErrMalformedBalance, s)
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: lastSyncedAt %q is not epoch millis", ErrMalformedBalance, t)
		}
		return time.UnixMilli(ms).UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: lastSyncedAt has unsupported type %T", ErrMalformedBalance, v)
	}
}
