package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/state"
)

// CommandHandler defines the interface for command handlers
type CommandHandler interface {
	// Handle applies the command and returns the events it produced
	Handle(ctx context.Context, params Params) ([]state.Event, error)

	// GetName returns the wire name of the command
	GetName() string

	// GetDescription returns a human-readable description
	GetDescription() string
}

// CommandRegistry manages available commands
type CommandRegistry struct {
	handlers map[string]CommandHandler
}

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		handlers: make(map[string]CommandHandler),
	}
}

// Register adds a command handler to the registry
func (r *CommandRegistry) Register(handler CommandHandler) {
	r.handlers[handler.GetName()] = handler
}

// Get returns a command handler by name
func (r *CommandRegistry) Get(name string) (CommandHandler, bool) {
	handler, exists := r.handlers[name]
	return handler, exists
}

// List returns all registered command names, sorted
func (r *CommandRegistry) List() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params holds the decoded command fields other than name and sequence_id.
// Numbers are json.Number.
type Params map[string]interface{}

// Float returns a numeric parameter. Values beyond float64 range are
// ErrOutOfRange; missing or non-numeric values are ErrSchemaViolation.
func (p Params) Float(key string) (float64, error) {
	switch v := p[key].(type) {
	case json.Number:
		f, err := v.Float64()
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: parameter %q=%s does not fit a float64", state.ErrOutOfRange, key, v)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: parameter %q: %v", ErrSchemaViolation, key, err)
		}
		return f, nil
	case float64:
		return v, nil
	case nil:
		return 0, fmt.Errorf("%w: missing parameter %q", ErrSchemaViolation, key)
	default:
		return 0, fmt.Errorf("%w: parameter %q is %T, not a number", ErrSchemaViolation, key, v)
	}
}

// FuncHandler adapts a plain function to CommandHandler
type FuncHandler struct {
	name        string
	description string
	handlerFunc func(ctx context.Context, params Params) ([]state.Event, error)
}

// NewFuncHandler creates a function-backed command handler
func NewFuncHandler(name, description string, handlerFunc func(ctx context.Context, params Params) ([]state.Event, error)) *FuncHandler {
	return &FuncHandler{
		name:        name,
		description: description,
		handlerFunc: handlerFunc,
	}
}

func (h *FuncHandler) Handle(ctx context.Context, params Params) ([]state.Event, error) {
	return h.handlerFunc(ctx, params)
}

func (h *FuncHandler) GetName() string {
	return h.name
}

func (h *FuncHandler) GetDescription() string {
	return h.description
}
