package contracttests

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/commands"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/config"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/logging"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/schema"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/server"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/simulator"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/state"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/telemetry"
)

// TestTCPServer runs the full simulator on a loopback port
type TestTCPServer struct {
	schemas *schema.Registry
	server  *server.Server
	addr    string
}

// NewTestTCPServer starts every component with outbound validation off so
// the contract is checked independently on the client side.
func NewTestTCPServer(t *testing.T) *TestTCPServer {
	t.Helper()

	cfg := config.Default()
	cfg.Network.Host = "127.0.0.1"
	cfg.Network.Port = 0
	cfg.Simulation.Travel = config.TravelConfig{
		M1CoverOpenSec:  0.05,
		M1CoverCloseSec: 0.05,
		M1VentsOpenSec:  0.05,
		M1VentsCloseSec: 0.05,
	}

	schemas, err := schema.NewRegistry()
	require.NoError(t, err)

	model := state.NewModel(cfg.Simulation)
	registry := commands.NewCommandRegistry()
	commands.RegisterHardwareCommands(registry, model)
	processor := commands.NewProcessor(registry, schemas, logging.Discard(), commands.WithStrictSequence(true))
	engine := simulator.New(model, processor, schemas, logging.Discard(), simulator.WithOutboundValidation(false))

	srv := server.NewServer(cfg, engine, nil, logging.Discard())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx, srv)
	go func() { _ = srv.Serve() }()

	publisher := telemetry.NewPublisher(model, engine, 20*time.Millisecond, logging.Discard())
	go publisher.Run(ctx)

	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		_ = engine.Close()
	})

	return &TestTCPServer{schemas: schemas, server: srv, addr: srv.Addr().String()}
}

type contractClient struct {
	t       *testing.T
	schemas *schema.Registry
	conn    net.Conn
	reader  *bufio.Reader
	seen    map[MessageClass]map[string]int
}

func (s *TestTCPServer) dial(t *testing.T) *contractClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &contractClient{
		t:       t,
		schemas: s.schemas,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		seen:    make(map[MessageClass]map[string]int),
	}
}

// next reads one line and fails the test if it breaks the contract
func (c *contractClient) next() (MessageClass, []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err)
	line = line[:len(line)-1]

	class, name, err := ValidateLine(c.schemas, line)
	require.NoError(c.t, err, "contract violation: %s", line)

	if c.seen[class] == nil {
		c.seen[class] = make(map[string]int)
	}
	c.seen[class][name]++
	return class, line
}

func (c *contractClient) command(seq int, name string, extra string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, `{"name":%q,"sequence_id":%d%s}`+"\n", name, seq, extra)
	require.NoError(c.t, err)

	for {
		class, _ := c.next()
		if class == ClassAck {
			return
		}
	}
}

func TestTCPContractAllMessages(t *testing.T) {
	srv := NewTestTCPServer(t)
	client := srv.dial(t)

	sequence := []struct {
		name  string
		extra string
	}{
		{commands.CmdOpenMasterAirSupply, ""},
		{commands.CmdOpenInstrumentAirValve, ""},
		{commands.CmdM1OpenAirValve, ""},
		{commands.CmdM2OpenAirValve, ""},
		{commands.CmdM1SetPressure, `,"pressure":7.5`},
		{commands.CmdM2SetPressure, `,"pressure":3`},
		{commands.CmdOpenM1Cover, ""},
		{commands.CmdOpenM1CellVents, ""},
		{commands.CmdCloseMasterAirSupply, ""},
		{commands.CmdCloseInstrumentAirValve, ""},
		{commands.CmdM1CloseAirValve, ""},
		{commands.CmdM2CloseAirValve, ""},
		{commands.CmdReset, ""},
		{commands.CmdOpenM1Cover, ""},
		{commands.CmdCloseM1Cover, ""},
		{commands.CmdCloseM1CellVents, ""},
		{commands.CmdM1SetPressure, `,"pressure":99`},
		{"launch", ""},
		{commands.CmdReset, `,"hard":true`},
	}
	for i, step := range sequence {
		client.command(i+1, step.name, step.extra)
	}
	client.command(100, commands.CmdReset, "")

	_, err := client.conn.Write([]byte("{broken\n"))
	require.NoError(t, err)

	// Drain until a couple of telemetry frames and the malformed ack arrive
	deadline := time.Now().Add(2 * time.Second)
	malformedAcked := false
	for time.Now().Before(deadline) && (!malformedAcked || client.seen[ClassTelemetry][telemetry.Topic] < 2) {
		class, line := client.next()
		if class == ClassAck && string(line) == `{"cmdAck":0,"result":"failed","reason":"MalformedFrame"}` {
			malformedAcked = true
		}
	}

	assert.True(t, malformedAcked)
	assert.GreaterOrEqual(t, client.seen[ClassTelemetry][telemetry.Topic], 2)
	for _, topic := range state.Topics {
		assert.Greater(t, client.seen[ClassEvent][topic], 0, "no %s event seen", topic)
	}
	assert.Greater(t, client.seen[ClassAck][schema.AckSchema], len(sequence))
}

func TestTCPContractSnapshotOnConnect(t *testing.T) {
	srv := NewTestTCPServer(t)
	client := srv.dial(t)

	topics := make([]string, 0, len(state.Topics))
	for len(topics) < len(state.Topics) {
		class, line := client.next()
		if class != ClassEvent {
			continue
		}
		_, topic, err := Classify(line)
		require.NoError(t, err)
		topics = append(topics, topic)
	}
	assert.Equal(t, state.Topics, topics)
}
