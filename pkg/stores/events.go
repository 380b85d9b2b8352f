package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/nixh/nixh/pkg/telemetry"
)

// PersistedEventTypes are the bus events kept in the event log. Progress
// events are too chatty to keep.
var PersistedEventTypes = []string{
	telemetry.EventTypeExecutionFailed,
	telemetry.EventTypeTierDegraded,
	telemetry.EventTypeReprobe,
	telemetry.EventTypePolicyViolation,
}

// PersistEvents subscribes st to the publisher for PersistedEventTypes.
func PersistEvents(pub *telemetry.EventPublisher, st Store, logger zerolog.Logger) {
	pub.Subscribe(func(ev telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.AppendEvent(ctx, fromTelemetry(ev)); err != nil {
			logger.Warn().Err(err).Str("type", ev.Type).Msg("Failed to persist event")
		}
	}, telemetry.FilterByType(PersistedEventTypes...))
}

func fromTelemetry(ev telemetry.Event) *Event {
	e := &Event{
		EventID:   ev.ID,
		Type:      ev.Type,
		Source:    ev.Source,
		Level:     ev.Level,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if ev.RequestID != "" {
		id := ev.RequestID
		e.RequestID = &id
	}
	if len(ev.Data) > 0 {
		if data, err := json.Marshal(ev.Data); err == nil {
			s := string(data)
			e.Data = &s
		}
	}
	return e
}
