// Package contracttests checks the wire contract end to end: every line the
// simulator writes must match the schema for its message type.
package contracttests

import (
	"encoding/json"
	"fmt"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/schema"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/telemetry"
)

// MessageClass is the wire category of an outbound line
type MessageClass string

const (
	ClassAck       MessageClass = "ack"
	ClassEvent     MessageClass = "event"
	ClassTelemetry MessageClass = "telemetry"
)

// Classify decides which schema family a line belongs to. Acks carry
// cmdAck, telemetry carries the pneumatics topic and every other topic is
// an event.
func Classify(data []byte) (MessageClass, string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", "", fmt.Errorf("invalid JSON: %w", err)
	}

	if _, ok := fields["cmdAck"]; ok {
		return ClassAck, schema.AckSchema, nil
	}

	raw, ok := fields["topic"]
	if !ok {
		return "", "", fmt.Errorf("message has neither cmdAck nor topic")
	}
	var topic string
	if err := json.Unmarshal(raw, &topic); err != nil {
		return "", "", fmt.Errorf("topic must be a string: %w", err)
	}
	if topic == telemetry.Topic {
		return ClassTelemetry, topic, nil
	}
	return ClassEvent, topic, nil
}

// ValidateLine classifies data and validates it against the registry.
func ValidateLine(registry *schema.Registry, data []byte) (MessageClass, string, error) {
	class, name, err := Classify(data)
	if err != nil {
		return "", "", err
	}

	kind := schema.KindEvent
	switch class {
	case ClassAck:
		kind = schema.KindAck
	case ClassTelemetry:
		kind = schema.KindTelemetry
	}

	if !registry.Has(kind, name) {
		return class, name, fmt.Errorf("no %s schema for %q", kind, name)
	}
	if err := registry.ValidateBytes(kind, name, data); err != nil {
		return class, name, err
	}
	return class, name, nil
}
