// Package simulator is the serialization point of the simulator: one worker
// goroutine processes inbound commands and actuator travel completions in
// order, and every outbound message is encoded here exactly once.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/commands"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/logging"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/metrics"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/schema"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/state"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/telemetry"
)

// ErrStopped is returned when submitting to an engine that is not running.
var ErrStopped = errors.New("simulator stopped")

// Kind classifies outbound messages for delivery policy.
type Kind int

const (
	// KindAck is addressed to the connection that sent the command.
	KindAck Kind = iota
	// KindSnapshot is the status burst for a newly attached connection.
	KindSnapshot
	// KindEvent goes to whoever is connected, subject to the offline policy.
	KindEvent
	// KindTelemetry goes to whoever is connected and is never buffered.
	KindTelemetry
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindSnapshot:
		return "snapshot"
	case KindEvent:
		return "event"
	default:
		return "telemetry"
	}
}

// Message is one encoded outbound line without its trailing newline.
type Message struct {
	Kind   Kind
	ConnID string
	Topic  string
	Data   []byte
}

// Outbound delivers encoded messages. Deliver must not block on network I/O.
type Outbound interface {
	Deliver(msg Message)
}

type jobKind int

const (
	jobFrame jobKind = iota
	jobAttach
)

type job struct {
	kind    jobKind
	connID  string
	session *commands.Session
	frame   []byte
}

// Engine owns all hardware model mutation
type Engine struct {
	model     *state.Model
	processor *commands.Processor
	schemas   *schema.Registry
	metrics   *metrics.Metrics
	logger    *logrus.Entry

	validateOutbound bool
	sendInitial      bool

	inbox chan job

	mu      sync.RWMutex
	out     Outbound
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithMetrics counts events, telemetry and pending travel
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOutboundValidation checks every outbound message against its schema
func WithOutboundValidation(enabled bool) Option {
	return func(e *Engine) { e.validateOutbound = enabled }
}

// WithInitialEvents sends the full status to each newly attached client
func WithInitialEvents(enabled bool) Option {
	return func(e *Engine) { e.sendInitial = enabled }
}

// WithInboxSize bounds the number of queued submissions
func WithInboxSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.inbox = make(chan job, n)
		}
	}
}

// New creates an engine. Call Start before submitting.
func New(model *state.Model, processor *commands.Processor, schemas *schema.Registry, logger logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		model:       model,
		processor:   processor,
		schemas:     schemas,
		logger:      logging.Component(logger, "engine"),
		sendInitial: true,
		inbox:       make(chan job, 100),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker. Messages go to out until Close.
func (e *Engine) Start(ctx context.Context, out Outbound) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.out = out
	e.running = true

	e.wg.Add(1)
	go e.worker(ctx)
}

// Submit queues one inbound frame from connID. It blocks only while the
// inbox is full.
func (e *Engine) Submit(ctx context.Context, connID string, session *commands.Session, frame []byte) error {
	return e.enqueue(ctx, job{kind: jobFrame, connID: connID, session: session, frame: frame})
}

// Attach queues the connect-time status burst for connID.
func (e *Engine) Attach(ctx context.Context, connID string) error {
	return e.enqueue(ctx, job{kind: jobAttach, connID: connID})
}

func (e *Engine) enqueue(ctx context.Context, j job) error {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return ErrStopped
	}

	select {
	case e.inbox <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishTelemetry encodes a frame and delivers it. Called from the
// telemetry goroutine; it only reads the snapshot it was given.
func (e *Engine) PublishTelemetry(frame telemetry.Frame) {
	data, ok := e.encode(schema.KindTelemetry, telemetry.Topic, frame)
	if !ok {
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveTelemetry()
	}
	e.deliver(Message{Kind: KindTelemetry, Topic: telemetry.Topic, Data: data})
}

// worker processes commands in FIFO order and fires travel completions
func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.inbox:
			e.handle(ctx, j)
		case <-timer.C:
			e.publishEvents("", e.model.Advance(e.model.Now()))
		}
		e.rearm(timer)
	}
}

// rearm points the timer at the next travel completion.
func (e *Engine) rearm(timer *time.Timer) {
	timer.Stop()
	if due, ok := e.model.NextDue(); ok {
		wait := due.Sub(e.model.Now())
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
	if e.metrics != nil {
		e.metrics.SetPending(e.model.Pending())
	}
}

func (e *Engine) handle(ctx context.Context, j job) {
	switch j.kind {
	case jobAttach:
		if !e.sendInitial {
			return
		}
		e.publishSnapshot(j.connID, e.model.StatusEvents())

	case jobFrame:
		session := j.session
		if session == nil {
			session = commands.NewSession(j.connID)
		}
		res := e.processor.Process(ctx, session, j.frame)

		// Events first so the client sees the new state by the time it
		// reads the ack.
		e.publishEvents(j.connID, res.Events)

		data, ok := e.encode(schema.KindAck, schema.AckSchema, res.Ack)
		if !ok {
			return
		}
		e.deliver(Message{Kind: KindAck, ConnID: j.connID, Data: data})
	}
}

func (e *Engine) publishEvents(connID string, events []state.Event) {
	for _, ev := range events {
		data, ok := e.encode(schema.KindEvent, ev.Topic, ev)
		if !ok {
			continue
		}
		if e.metrics != nil {
			e.metrics.ObserveEvent(ev.Topic)
		}
		e.deliver(Message{Kind: KindEvent, ConnID: connID, Topic: ev.Topic, Data: data})
	}
}

func (e *Engine) publishSnapshot(connID string, events []state.Event) {
	for _, ev := range events {
		data, ok := e.encode(schema.KindEvent, ev.Topic, ev)
		if !ok {
			continue
		}
		if e.metrics != nil {
			e.metrics.ObserveEvent(ev.Topic)
		}
		e.deliver(Message{Kind: KindSnapshot, ConnID: connID, Topic: ev.Topic, Data: data})
	}
}

// encode marshals v once and, when enabled, checks it against its schema.
// Messages that fail are logged and never sent.
func (e *Engine) encode(kind, name string, v interface{}) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{"kind": kind, "name": name}).Error("Failed to encode outbound message")
		e.dropInvalid()
		return nil, false
	}

	if e.validateOutbound {
		if err := e.schemas.ValidateBytes(kind, name, data); err != nil {
			e.logger.WithError(err).WithField("payload", string(data)).Error("Outbound message failed schema validation")
			e.dropInvalid()
			return nil, false
		}
	}
	return data, true
}

func (e *Engine) dropInvalid() {
	if e.metrics != nil {
		e.metrics.ObserveDrop(metrics.DropInvalid)
	}
}

func (e *Engine) deliver(msg Message) {
	e.mu.RLock()
	out := e.out
	e.mu.RUnlock()

	if out != nil {
		out.Deliver(msg)
	}
}

// Close stops the worker and waits for it to exit.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timeout")
	}
}
