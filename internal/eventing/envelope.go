package eventing

import (
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an event payload with routing metadata.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	DeviceID      string          `json:"device_id"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID       string
	CorrelationID string
}

// NewEventID generates a random event identifier.
func NewEventID() string {
	return uuid.NewString()
}

// BuildEnvelope serializes event and fills metadata, reading DeviceID and
// OccurredAt from the event struct when present.
func BuildEnvelope(event any, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, ErrNilEvent
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	value := reflect.ValueOf(event)
	for value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return Envelope{}, errors.New("eventing: nil event pointer")
		}
		value = value.Elem()
	}

	env := Envelope{
		EventID:       meta.EventID,
		EventType:     EventType(event),
		CorrelationID: meta.CorrelationID,
		SchemaVersion: 1,
		Payload:       payload,
	}
	if value.Kind() == reflect.Struct {
		if field := value.FieldByName("DeviceID"); field.IsValid() && field.Kind() == reflect.String {
			env.DeviceID = field.String()
		}
		if field := value.FieldByName("OccurredAt"); field.IsValid() {
			if t, ok := field.Interface().(time.Time); ok {
				env.OccurredAt = t.UTC()
			}
		}
	}
	if env.EventID == "" {
		env.EventID = NewEventID()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.EventID
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	return env, nil
}
