package schema

import (
	"errors"
	"io/fs"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry()
	require.NoError(t, err)
	return r
}

func TestRegistryLoadsEveryEmbeddedFile(t *testing.T) {
	r := newTestRegistry(t)

	files := 0
	err := fs.WalkDir(schemaFS, "schemas", func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && path.Ext(p) == ".json" {
			files++
		}
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, files, r.Len())
	assert.Len(t, r.Names(KindCommand), 15)
	assert.Len(t, r.Names(KindEvent), 10)
	assert.Equal(t, []string{"pneumatics"}, r.Names(KindTelemetry))
	assert.Equal(t, []string{AckSchema}, r.Names(KindAck))
}

func TestValidateCommands(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name    string
		command string
		payload string
		wantErr bool
	}{
		{"simple command", "openM1Cover", `{"name":"openM1Cover","sequence_id":1}`, false},
		{"pressure command", "m1SetPressure", `{"name":"m1SetPressure","sequence_id":2,"pressure":4.5}`, false},
		{"missing sequence id", "openM1Cover", `{"name":"openM1Cover"}`, true},
		{"string sequence id", "openM1Cover", `{"name":"openM1Cover","sequence_id":"1"}`, true},
		{"fractional sequence id", "openM1Cover", `{"name":"openM1Cover","sequence_id":1.5}`, true},
		{"extra field", "reset", `{"name":"reset","sequence_id":1,"force":true}`, true},
		{"missing pressure", "m2SetPressure", `{"name":"m2SetPressure","sequence_id":3}`, true},
		{"pressure as string", "m2SetPressure", `{"name":"m2SetPressure","sequence_id":3,"pressure":"5"}`, true},
		{"name mismatch", "openM1Cover", `{"name":"closeM1Cover","sequence_id":1}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateBytes(KindCommand, tt.command, []byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrSchemaViolation))
				var verr *ValidationError
				assert.True(t, errors.As(err, &verr))
				assert.Equal(t, tt.command, verr.Name)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEventsAndAcks(t *testing.T) {
	r := newTestRegistry(t)

	assert.NoError(t, r.ValidateBytes(KindEvent, "m1CoverState",
		[]byte(`{"topic":"m1CoverState","sequenceNumber":1,"state":"OPENING","closedActive":false,"openedActive":false}`)))
	assert.Error(t, r.ValidateBytes(KindEvent, "m1CoverState",
		[]byte(`{"topic":"m1CoverState","sequenceNumber":1,"state":"AJAR","closedActive":false,"openedActive":false}`)))
	assert.Error(t, r.ValidateBytes(KindEvent, "m1VentsState",
		[]byte(`{"topic":"m1VentsState","sequenceNumber":1,"state":"FAULT","closedActive":false,"openedActive":false}`)))
	assert.Error(t, r.ValidateBytes(KindEvent, "mainValveState",
		[]byte(`{"topic":"mainValveState","sequenceNumber":0,"state":"OPEN"}`)))

	assert.NoError(t, r.ValidateBytes(KindAck, AckSchema, []byte(`{"cmdAck":4,"result":"ack"}`)))
	assert.NoError(t, r.ValidateBytes(KindAck, AckSchema, []byte(`{"cmdAck":4,"result":"failed","reason":"OutOfRange"}`)))
	assert.Error(t, r.ValidateBytes(KindAck, AckSchema, []byte(`{"cmdAck":4,"result":"failed"}`)))
	assert.Error(t, r.ValidateBytes(KindAck, AckSchema, []byte(`{"cmdAck":4,"result":"ack","reason":"x"}`)))
	assert.Error(t, r.ValidateBytes(KindAck, AckSchema, []byte(`{"cmdAck":4,"result":"maybe"}`)))
}

func TestValidateUnknownSchema(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Validate(KindCommand, "launchRocket", map[string]interface{}{})
	assert.ErrorIs(t, err, ErrUnknownSchema)
	assert.False(t, r.Has(KindCommand, "launchRocket"))
	assert.True(t, r.Has(KindCommand, "reset"))

	err = r.Validate("bogus", "reset", map[string]interface{}{})
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestValidateBytesRejectsMalformedJSON(t *testing.T) {
	r := newTestRegistry(t)

	err := r.ValidateBytes(KindAck, AckSchema, []byte(`{"cmdAck":`))
	assert.ErrorIs(t, err, ErrSchemaViolation)

	err = r.ValidateBytes(KindAck, AckSchema, []byte(`{"cmdAck":1,"result":"ack"} {}`))
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestDecodeKeepsNumbersExact(t *testing.T) {
	v, err := Decode([]byte(`{"sequence_id": 9007199254740993}`))
	require.NoError(t, err)

	m := v.(map[string]interface{})
	assert.Equal(t, "9007199254740993", m["sequence_id"].(interface{ String() string }).String())
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"single object", `{"name":"reset","sequence_id":1}`, false},
		{"surrounding whitespace", " \t{\"name\":\"reset\"}\r\n ", false},
		{"stray closing brace", `{"name":"openM1Cover","sequence_id":1}}`, true},
		{"stray closing bracket", `{"name":"openM1Cover","sequence_id":1}]`, true},
		{"second value", `{"a":1} {"b":2}`, true},
		{"trailing garbage", `{"a":1} x`, true},
		{"empty", ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
