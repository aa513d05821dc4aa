// Package schema holds the JSON Schema documents for every message on the
// wire and validates payloads against them.
//
// Schemas are embedded at build time, loaded once by NewRegistry and never
// mutated afterwards, so a *Registry is safe for concurrent use.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Message kinds. Each kind is a directory under schemas/.
const (
	KindCommand   = "command"
	KindEvent     = "event"
	KindTelemetry = "telemetry"
	KindAck       = "ack"
)

// AckSchema is the name of the single acknowledgement schema.
const AckSchema = "ack"

//go:embed schemas
var schemaFS embed.FS

var (
	ErrUnknownSchema   = errors.New("UnknownSchema")
	ErrSchemaViolation = errors.New("SchemaViolation")
)

// ValidationError reports a payload that does not match its schema.
type ValidationError struct {
	Kind   string
	Name   string
	Detail error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Name, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return ErrSchemaViolation
}

// Registry maps (kind, name) to a compiled schema.
type Registry struct {
	schemas map[string]map[string]*gojsonschema.Schema
}

// NewRegistry compiles every embedded schema.
func NewRegistry() (*Registry, error) {
	return newRegistry(schemaFS, "schemas")
}

func newRegistry(fsys fs.FS, root string) (*Registry, error) {
	r := &Registry{schemas: make(map[string]map[string]*gojsonschema.Schema)}

	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".json" {
			return nil
		}

		rel := strings.TrimPrefix(p, root+"/")
		kind := path.Dir(rel)
		if !isKind(kind) {
			return fmt.Errorf("schema %s is not under a known kind directory", p)
		}

		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to read schema %s: %w", p, err)
		}

		name := strings.TrimSuffix(path.Base(rel), ".json")
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return fmt.Errorf("failed to compile schema %s/%s: %w", kind, name, err)
		}
		if r.schemas[kind] == nil {
			r.schemas[kind] = make(map[string]*gojsonschema.Schema)
		}
		r.schemas[kind][name] = compiled
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

// Validate checks a decoded JSON value against the named schema.
// The payload must come from encoding/json decoding (maps, slices, float64
// or json.Number, strings, bools); Go structs are not accepted.
func (r *Registry) Validate(kind, name string, payload interface{}) error {
	compiled, ok := r.schemas[kind][name]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownSchema, kind, name)
	}

	result, err := compiled.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return &ValidationError{Kind: kind, Name: name, Detail: err}
	}
	if !result.Valid() {
		return &ValidationError{Kind: kind, Name: name, Detail: errors.New(firstMessage(result.Errors()))}
	}
	return nil
}

// ValidateBytes decodes one JSON document and validates it.
func (r *Registry) ValidateBytes(kind, name string, data []byte) error {
	payload, err := Decode(data)
	if err != nil {
		return &ValidationError{Kind: kind, Name: name, Detail: err}
	}
	return r.Validate(kind, name, payload)
}

// Has reports whether a schema is registered.
func (r *Registry) Has(kind, name string) bool {
	_, ok := r.schemas[kind][name]
	return ok
}

// Names returns the sorted schema names registered for a kind.
func (r *Registry) Names(kind string) []string {
	names := make([]string, 0, len(r.schemas[kind]))
	for name := range r.schemas[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of registered schemas.
func (r *Registry) Len() int {
	n := 0
	for _, byName := range r.schemas {
		n += len(byName)
	}
	return n
}

// Decode parses exactly one JSON value keeping numbers exact. Surrounding
// whitespace is allowed.
func Decode(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Anything after the value, even a stray closing bracket, is an error
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func isKind(kind string) bool {
	switch kind {
	case KindCommand, KindEvent, KindTelemetry, KindAck:
		return true
	}
	return false
}

// firstMessage reports the first failure with the field it concerns.
func firstMessage(errs []gojsonschema.ResultError) string {
	if len(errs) == 0 {
		return "document does not match schema"
	}
	return errs[0].Field() + ": " + errs[0].Description()
}
