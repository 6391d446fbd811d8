package bus

import (
	"github.com/bytedance/sonic"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

// Broker header names shared by every backend.
const (
	HeaderEventType     = "eventType"
	HeaderAggregateType = "aggregateType"
	HeaderAggregateID   = "aggregateId"
	HeaderSource        = "source"
	HeaderRetryCount    = "x-retry-count"
)

// Headers extracts the filtering headers from an event's metadata.
func Headers(ev event.Event) map[string]string {
	return map[string]string{
		HeaderEventType:     ev.EventType,
		HeaderAggregateType: ev.AggregateType,
		HeaderAggregateID:   ev.AggregateID,
		HeaderSource:        ev.Metadata.Source,
	}
}

// Encode marshals the event in the wire format shared by the broker and the
// event store.
func Encode(ev event.Event) ([]byte, error) {
	return sonic.Marshal(ev)
}

// Decode unmarshals a broker message body back into an event.
func Decode(body []byte) (event.Event, error) {
	var ev event.Event
	err := sonic.Unmarshal(body, &ev)
	return ev, err
}
