package ticket

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event metadata written on every change record.
const (
	EventSourceGateway    = "gateway"
	EventTypeTicketUpdate = "ticket-update"
)

// ChangeEvent records one balance mutation for the backend's synchronization consumer.
// Consumers deduplicate by (CoupleID, Timestamp) or EventID.
type ChangeEvent struct {
	EventID   string
	CoupleID  string
	Balance   Balance
	Timestamp time.Time
	Source    string
	EventType string
}

// NewChangeEvent creates the change record for an updated balance.
func NewChangeEvent(updated Balance, now time.Time) ChangeEvent {
	return ChangeEvent{
		EventID:   uuid.NewString(),
		CoupleID:  updated.CoupleID,
		Balance:   updated,
		Timestamp: now,
		Source:    EventSourceGateway,
		EventType: EventTypeTicketUpdate,
	}
}

// Fields returns the flat record appended to the ticket stream.
func (e ChangeEvent) Fields() (map[string]any, error) {
	data, err := json.Marshal(e.Balance)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"eventId":    e.EventID,
		"coupleId":   e.CoupleID,
		"ticketData": string(data),
		"timestamp":  strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
		"source":     e.Source,
		"eventType":  e.EventType,
	}, nil
}

type changeEventWire struct {
	EventID    string  `json:"eventId"`
	CoupleID   string  `json:"coupleId"`
	TicketData Balance `json:"ticketData"`
	Timestamp  int64   `json:"timestamp"`
	Source     string  `json:"source"`
	EventType  string  `json:"eventType"`
}

// MarshalJSON encodes the event as a single document with the same content as Fields.
func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(changeEventWire{
		EventID:    e.EventID,
		CoupleID:   e.CoupleID,
		TicketData: e.Balance,
		Timestamp:  e.Timestamp.UnixMilli(),
		Source:     e.Source,
		EventType:  e.EventType,
	})
}

// UnmarshalJSON decodes an event written by MarshalJSON.
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var w changeEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = ChangeEvent{
		EventID:   w.EventID,
		CoupleID:  w.CoupleID,
		Balance:   w.TicketData,
		Timestamp: time.UnixMilli(w.Timestamp),
		Source:    w.Source,
		EventType: w.EventType,
	}
	return nil
}
