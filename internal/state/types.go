package state

import "encoding/json"

// Position is the state of a travelling actuator (covers, vents).
type Position string

const (
	PositionClosed  Position = "CLOSED"
	PositionOpening Position = "OPENING"
	PositionOpen    Position = "OPEN"
	PositionClosing Position = "CLOSING"
	PositionFault   Position = "FAULT"
)

// Moving reports whether the actuator is between end positions.
func (p Position) Moving() bool {
	return p == PositionOpening || p == PositionClosing
}

// ValveState is the state of an air valve.
type ValveState string

const (
	ValveOpen   ValveState = "OPEN"
	ValveClosed ValveState = "CLOSED"
)

// Event topics
const (
	TopicM1CoverState    = "m1CoverState"
	TopicM1VentsState    = "m1VentsState"
	TopicMainValveState  = "mainValveState"
	TopicInstrumentState = "instrumentState"
	TopicM1State         = "m1State"
	TopicM2State         = "m2State"
	TopicM1SetPressure   = "m1SetPressure"
	TopicM2SetPressure   = "m2SetPressure"
	TopicEStop           = "eStop"
	TopicPowerStatus     = "powerStatus"
)

// Topics lists every event topic in snapshot order.
var Topics = []string{
	TopicEStop,
	TopicM1CoverState,
	TopicM1VentsState,
	TopicMainValveState,
	TopicInstrumentState,
	TopicM1State,
	TopicM2State,
	TopicM1SetPressure,
	TopicM2SetPressure,
	TopicPowerStatus,
}

// HardwareState is the full pneumatics state. It doubles as the telemetry
// payload, so the json names are part of the wire contract.
type HardwareState struct {
	M1CoverState          Position   `json:"m1CoverState"`
	M1VentsState          Position   `json:"m1VentsState"`
	MainValveState        ValveState `json:"mainValveState"`
	InstrumentValveState  ValveState `json:"instrumentValveState"`
	M1ValveState          ValveState `json:"m1ValveState"`
	M2ValveState          ValveState `json:"m2ValveState"`
	M1SetPressure         float64    `json:"m1SetPressure"`
	M2SetPressure         float64    `json:"m2SetPressure"`
	M1AirPressure         float64    `json:"m1AirPressure"`
	M2AirPressure         float64    `json:"m2AirPressure"`
	InstrumentAirPressure float64    `json:"instrumentAirPressure"`
	MainAirSourcePressure float64    `json:"mainAirSourcePressure"`
	CellLoad              float64    `json:"cellLoad"`
	EStop                 bool       `json:"eStop"`
	PowerOnL1             bool       `json:"powerOnL1"`
	PowerOnL2             bool       `json:"powerOnL2"`
	PowerOnL3             bool       `json:"powerOnL3"`
}

// Event is a discrete state change on one topic.
type Event struct {
	Topic          string
	SequenceNumber int64
	Fields         map[string]interface{}
}

// MarshalJSON flattens the fields next to topic and sequenceNumber.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["topic"] = e.Topic
	out["sequenceNumber"] = e.SequenceNumber
	return json.Marshal(out)
}
