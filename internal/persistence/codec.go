package persistence

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/petrijr/trailhead/pkg/api"
)

var codec = sonic.ConfigStd

// EncodeValue serializes a value to JSON. nil encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return codec.Marshal(v)
}

// DecodeValue decodes JSON into T. Empty input yields the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := codec.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// sessionRecord is the stored shape of a session for the key-value backend.
type sessionRecord struct {
	ID             string         `json:"id"`
	JourneyID      string         `json:"journey_id"`
	JourneyVersion int            `json:"journey_version"`
	UserID         string         `json:"user_id"`
	CurrentStep    string         `json:"current_step"`
	Status         string         `json:"status"`
	Variant        string         `json:"variant"`
	StartedAt      time.Time      `json:"started_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	StepEnteredAt  time.Time      `json:"step_entered_at"`
	Data           map[string]any `json:"data,omitempty"`
	Revision       int64          `json:"revision"`
}

func toSessionRecord(s *api.Session) sessionRecord {
	return sessionRecord{
		ID:             s.ID,
		JourneyID:      s.JourneyID,
		JourneyVersion: s.JourneyVersion,
		UserID:         s.UserID,
		CurrentStep:    s.CurrentStep,
		Status:         string(s.Status),
		Variant:        s.Variant,
		StartedAt:      s.StartedAt,
		LastActivityAt: s.LastActivityAt,
		StepEnteredAt:  s.StepEnteredAt,
		Data:           s.Data,
		Revision:       s.Revision,
	}
}

func (r sessionRecord) session() *api.Session {
	data := r.Data
	if data == nil {
		data = map[string]any{}
	}
	return &api.Session{
		ID:             r.ID,
		JourneyID:      r.JourneyID,
		JourneyVersion: r.JourneyVersion,
		UserID:         r.UserID,
		CurrentStep:    r.CurrentStep,
		Status:         api.Status(r.Status),
		Variant:        r.Variant,
		StartedAt:      r.StartedAt,
		LastActivityAt: r.LastActivityAt,
		StepEnteredAt:  r.StepEnteredAt,
		Data:           data,
		Revision:       r.Revision,
	}
}

// eventRecord is the stored shape of an event body; Seq and Position are
// kept outside of it by the backends that assign them.
type eventRecord struct {
	SessionID      string         `json:"session_id"`
	Kind           string         `json:"kind"`
	StepID         string         `json:"step_id,omitempty"`
	At             time.Time      `json:"at"`
	JourneyID      string         `json:"journey_id"`
	JourneyVersion int            `json:"journey_version"`
	Variant        string         `json:"variant"`
	Payload        map[string]any `json:"payload,omitempty"`
}

func toEventRecord(ev api.Event) eventRecord {
	return eventRecord{
		SessionID:      ev.SessionID,
		Kind:           string(ev.Kind),
		StepID:         ev.StepID,
		At:             ev.At,
		JourneyID:      ev.JourneyID,
		JourneyVersion: ev.JourneyVersion,
		Variant:        ev.Variant,
		Payload:        ev.Payload,
	}
}

func (r eventRecord) event(seq, pos int64) api.Event {
	return api.Event{
		Position:       pos,
		SessionID:      r.SessionID,
		Seq:            seq,
		Kind:           api.EventKind(r.Kind),
		StepID:         r.StepID,
		At:             r.At,
		JourneyID:      r.JourneyID,
		JourneyVersion: r.JourneyVersion,
		Variant:        r.Variant,
		Payload:        r.Payload,
	}
}
