package simulator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/commands"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/config"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/logging"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/metrics"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/schema"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/state"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/telemetry"
)

type recordingOutbound struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingOutbound) Deliver(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingOutbound) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func decode(t *testing.T, msg Message) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &m))
	return m
}

type testEngine struct {
	engine  *Engine
	model   *state.Model
	out     *recordingOutbound
	metrics *metrics.Metrics
}

func createTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()

	cfg := config.Default()
	cfg.Simulation.Travel = config.TravelConfig{
		M1CoverOpenSec:  0.05,
		M1CoverCloseSec: 0.05,
		M1VentsOpenSec:  0.02,
		M1VentsCloseSec: 0.02,
	}

	schemas, err := schema.NewRegistry()
	require.NoError(t, err)

	model := state.NewModel(cfg.Simulation)
	registry := commands.NewCommandRegistry()
	commands.RegisterHardwareCommands(registry, model)
	m := metrics.New()
	processor := commands.NewProcessor(registry, schemas, logging.Discard(),
		commands.WithStrictSequence(true), commands.WithMetrics(m))

	opts = append([]Option{WithMetrics(m), WithOutboundValidation(true)}, opts...)
	engine := New(model, processor, schemas, logging.Discard(), opts...)
	out := &recordingOutbound{}
	engine.Start(context.Background(), out)
	t.Cleanup(func() { _ = engine.Close() })

	return &testEngine{engine: engine, model: model, out: out, metrics: m}
}

func TestEngineAcksAfterEvents(t *testing.T) {
	te := createTestEngine(t)
	session := commands.NewSession("c1")

	require.NoError(t, te.engine.Submit(context.Background(), "c1", session,
		[]byte(`{"name":"openMasterAirSupply","sequence_id":1}`)))

	require.Eventually(t, func() bool { return len(te.out.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := te.out.Messages()

	assert.Equal(t, KindEvent, msgs[0].Kind)
	assert.Equal(t, state.TopicMainValveState, msgs[0].Topic)
	assert.Equal(t, KindAck, msgs[1].Kind)
	assert.Equal(t, "c1", msgs[1].ConnID)
	assert.Equal(t, map[string]interface{}{"cmdAck": 1.0, "result": "ack"}, decode(t, msgs[1]))
}

func TestEngineCompletesTravelOnTimer(t *testing.T) {
	te := createTestEngine(t)
	session := commands.NewSession("c1")

	start := time.Now()
	require.NoError(t, te.engine.Submit(context.Background(), "c1", session,
		[]byte(`{"name":"openM1Cover","sequence_id":1}`)))

	require.Eventually(t, func() bool { return len(te.out.Messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	msgs := te.out.Messages()
	assert.Equal(t, "OPENING", decode(t, msgs[0])["state"])
	assert.Equal(t, KindAck, msgs[1].Kind)
	assert.Equal(t, KindEvent, msgs[2].Kind)
	final := decode(t, msgs[2])
	assert.Equal(t, "OPEN", final["state"])
	assert.Equal(t, 2.0, final["sequenceNumber"])
	assert.Equal(t, state.PositionOpen, te.model.Snapshot().M1CoverState)
	assert.Equal(t, 0.0, testutil.ToFloat64(te.metrics.PendingTransitions))
}

func TestEngineOrdersAcksInSubmissionOrder(t *testing.T) {
	te := createTestEngine(t)
	session := commands.NewSession("c1")

	frames := []string{
		`{"name":"m1OpenAirValve","sequence_id":1}`,
		`{"name":"m1OpenAirValve","sequence_id":2}`,
		`not json`,
		`{"name":"m1SetPressure","sequence_id":3,"pressure":99}`,
		`{"name":"m1CloseAirValve","sequence_id":4}`,
	}
	for _, f := range frames {
		require.NoError(t, te.engine.Submit(context.Background(), "c1", session, []byte(f)))
	}

	var acks []map[string]interface{}
	require.Eventually(t, func() bool {
		acks = acks[:0]
		for _, msg := range te.out.Messages() {
			if msg.Kind == KindAck {
				acks = append(acks, decode(t, msg))
			}
		}
		return len(acks) == len(frames)
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1.0, acks[0]["cmdAck"])
	assert.Equal(t, "ack", acks[0]["result"])
	assert.Equal(t, "InvalidTransition", acks[1]["reason"])
	assert.Equal(t, "MalformedFrame", acks[2]["reason"])
	assert.Equal(t, 0.0, acks[2]["cmdAck"])
	assert.Equal(t, "OutOfRange", acks[3]["reason"])
	assert.Equal(t, "ack", acks[4]["result"])
}

func TestEngineAttachSendsSnapshot(t *testing.T) {
	te := createTestEngine(t)

	require.NoError(t, te.engine.Attach(context.Background(), "c2"))
	require.Eventually(t, func() bool { return len(te.out.Messages()) == len(state.Topics) }, time.Second, 5*time.Millisecond)

	for i, msg := range te.out.Messages() {
		assert.Equal(t, KindSnapshot, msg.Kind)
		assert.Equal(t, "c2", msg.ConnID)
		assert.Equal(t, state.Topics[i], msg.Topic)
	}
}

func TestEngineAttachWithoutInitialEvents(t *testing.T) {
	te := createTestEngine(t, WithInitialEvents(false))

	require.NoError(t, te.engine.Attach(context.Background(), "c2"))
	require.NoError(t, te.engine.Submit(context.Background(), "c2", nil, []byte(`{"name":"reset","sequence_id":1}`)))

	require.Eventually(t, func() bool {
		msgs := te.out.Messages()
		return len(msgs) > 0 && msgs[len(msgs)-1].Kind == KindAck
	}, time.Second, 5*time.Millisecond)
	for _, msg := range te.out.Messages() {
		assert.NotEqual(t, KindSnapshot, msg.Kind)
	}
}

func TestEngineResetCancelsPendingTravel(t *testing.T) {
	te := createTestEngine(t)
	session := commands.NewSession("c1")
	ctx := context.Background()

	require.NoError(t, te.engine.Submit(ctx, "c1", session, []byte(`{"name":"openM1Cover","sequence_id":1}`)))
	require.NoError(t, te.engine.Submit(ctx, "c1", session, []byte(`{"name":"reset","sequence_id":2}`)))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, state.PositionClosed, te.model.Snapshot().M1CoverState)
	for _, msg := range te.out.Messages() {
		if msg.Topic == state.TopicM1CoverState {
			assert.NotEqual(t, "OPEN", decode(t, msg)["state"])
		}
	}
}

func TestEnginePublishTelemetry(t *testing.T) {
	te := createTestEngine(t)

	te.engine.PublishTelemetry(telemetry.NewFrame(te.model.Snapshot(), time.Now()))

	msgs := te.out.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindTelemetry, msgs[0].Kind)
	assert.Equal(t, "pneumatics", decode(t, msgs[0])["topic"])
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.TelemetryFrames))
}

func TestEngineDropsInvalidOutbound(t *testing.T) {
	te := createTestEngine(t)

	frame := telemetry.NewFrame(te.model.Snapshot(), time.Now())
	frame.M1CoverState = "AJAR"
	te.engine.PublishTelemetry(frame)

	assert.Empty(t, te.out.Messages())
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.OutboundDropped.WithLabelValues(metrics.DropInvalid)))
}

func TestEngineSubmitAfterClose(t *testing.T) {
	te := createTestEngine(t)
	require.NoError(t, te.engine.Close())
	require.NoError(t, te.engine.Close())

	err := te.engine.Submit(context.Background(), "c1", nil, []byte(`{}`))
	assert.ErrorIs(t, err, ErrStopped)
}
