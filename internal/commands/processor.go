package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/logging"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/schema"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/state"
)

// Ack results
const (
	ResultAck    = "ack"
	ResultNoAck  = "noack"
	ResultFailed = "failed"
)

// Stage is where processing of a command stopped.
type Stage string

const (
	StageReceived     Stage = "RECEIVED"
	StageValidated    Stage = "VALIDATED"
	StageAcknowledged Stage = "ACKNOWLEDGED"
	StageRejected     Stage = "REJECTED"
)

// Ack is the acknowledgement sent for every command
type Ack struct {
	CmdAck int64  `json:"cmdAck"`
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}

// Result is the outcome of processing one frame
type Result struct {
	Command string
	Ack     Ack
	Events  []state.Event
	Stage   Stage
	Err     error
}

// AuditSink records processed commands
type AuditSink interface {
	LogCommand(ctx context.Context, sessionID, command string, sequenceID int64, params map[string]interface{}, result, reason string, latency time.Duration)
}

// MetricsSink counts processed commands
type MetricsSink interface {
	ObserveCommand(command, result string, latency time.Duration)
}

// Session is the per-connection correlation state. It is only touched from
// the processing goroutine.
type Session struct {
	ID      string
	started bool
	last    int64
}

// NewSession creates the state for a new connection
func NewSession(id string) *Session {
	return &Session{ID: id}
}

// expects reports whether seq follows the last accepted sequence id
func (s *Session) expects(seq int64) bool {
	return !s.started || seq == s.last+1
}

func (s *Session) commit(seq int64) {
	s.started = true
	s.last = seq
}

// Processor turns raw frames into acks and events
type Processor struct {
	registry *CommandRegistry
	schemas  *schema.Registry
	strict   bool
	audit    AuditSink
	metrics  MetricsSink
	logger   *logrus.Entry
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithStrictSequence requires consecutive sequence ids per connection
func WithStrictSequence(strict bool) ProcessorOption {
	return func(p *Processor) { p.strict = strict }
}

// WithAudit records every processed command
func WithAudit(sink AuditSink) ProcessorOption {
	return func(p *Processor) { p.audit = sink }
}

// WithMetrics counts every processed command
func WithMetrics(sink MetricsSink) ProcessorOption {
	return func(p *Processor) { p.metrics = sink }
}

// NewProcessor creates a command processor
func NewProcessor(registry *CommandRegistry, schemas *schema.Registry, logger logrus.FieldLogger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		registry: registry,
		schemas:  schemas,
		logger:   logging.Component(logger, "processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one inbound frame. It always returns exactly one ack.
func (p *Processor) Process(ctx context.Context, session *Session, raw []byte) Result {
	start := time.Now()
	res, seq, params := p.process(ctx, session, raw)

	latency := time.Since(start)
	if p.metrics != nil {
		p.metrics.ObserveCommand(metricName(p.registry, res.Command), res.Ack.Result, latency)
	}
	if p.audit != nil {
		p.audit.LogCommand(ctx, session.ID, res.Command, seq, params, res.Ack.Result, res.Ack.Reason, latency)
	}

	fields := logrus.Fields{
		"session":     session.ID,
		"command":     res.Command,
		"sequence_id": seq,
		"result":      res.Ack.Result,
	}
	if res.Err != nil {
		p.logger.WithFields(fields).WithError(res.Err).Info("Command rejected")
	} else {
		p.logger.WithFields(fields).WithField("events", len(res.Events)).Debug("Command applied")
	}

	return res
}

func (p *Processor) process(ctx context.Context, session *Session, raw []byte) (Result, int64, map[string]interface{}) {
	decoded, err := schema.Decode(raw)
	if err != nil {
		return reject(Result{}, 0, ResultFailed, fmt.Errorf("%w: %v", ErrMalformedFrame, err)), 0, nil
	}

	obj, ok := decoded.(map[string]interface{})
	if !ok {
		return reject(Result{}, 0, ResultFailed, fmt.Errorf("%w: frame is not a JSON object", ErrSchemaViolation)), 0, nil
	}

	seq, seqOK := sequenceID(obj["sequence_id"])
	params := paramsOf(obj)

	name, ok := obj["name"].(string)
	if !ok {
		return reject(Result{}, seq, ResultFailed, fmt.Errorf("%w: name must be a string", ErrSchemaViolation)), seq, params
	}
	res := Result{Command: name, Stage: StageReceived}

	handler, ok := p.registry.Get(name)
	if !ok {
		return reject(res, seq, ResultFailed, fmt.Errorf("%w: %s", ErrUnknownCommand, name)), seq, params
	}

	if err := p.schemas.Validate(schema.KindCommand, name, obj); err != nil {
		if !errors.Is(err, ErrSchemaViolation) {
			err = fmt.Errorf("%w: %v", ErrUnknownCommand, err)
		}
		return reject(res, seq, ResultFailed, err), seq, params
	}
	if !seqOK {
		return reject(res, seq, ResultFailed, fmt.Errorf("%w: sequence_id out of range", ErrSchemaViolation)), seq, params
	}
	res.Stage = StageValidated

	if p.strict && !session.expects(seq) {
		return reject(res, seq, ResultNoAck,
			fmt.Errorf("%w: got %d, expected %d", ErrOutOfSequence, seq, session.last+1)), seq, params
	}
	session.commit(seq)

	events, err := handler.Handle(ctx, Params(params))
	if err != nil {
		return reject(res, seq, ResultFailed, err), seq, params
	}

	res.Stage = StageAcknowledged
	res.Events = events
	res.Ack = Ack{CmdAck: seq, Result: ResultAck}
	return res, seq, params
}

func reject(res Result, seq int64, result string, err error) Result {
	res.Stage = StageRejected
	res.Err = err
	res.Ack = Ack{CmdAck: seq, Result: result, Reason: Reason(err)}
	return res
}

// sequenceID extracts a non-negative integer sequence id, 0 otherwise.
func sequenceID(v interface{}) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	id, err := n.Int64()
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func paramsOf(obj map[string]interface{}) map[string]interface{} {
	params := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if k == "name" || k == "sequence_id" {
			continue
		}
		params[k] = v
	}
	return params
}

func metricName(registry *CommandRegistry, name string) string {
	if _, ok := registry.Get(name); ok {
		return name
	}
	return "unknown"
}
