package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/commands"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/config"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/logging"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/metrics"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/simulator"
)

// ErrConnectionRefused is logged when a second client tries to connect.
var ErrConnectionRefused = errors.New("ConnectionRefused")

// Dispatcher receives inbound frames and connect notifications
type Dispatcher interface {
	Submit(ctx context.Context, connID string, session *commands.Session, frame []byte) error
	Attach(ctx context.Context, connID string) error
}

// ClientInfo describes the connection holding the slot
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Server owns the TCP listener and the single client slot
type Server struct {
	config     *config.Config
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *logrus.Entry

	listener net.Listener
	stopChan chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	current *client
	offline [][]byte
}

type client struct {
	info      ClientInfo
	conn      net.Conn
	session   *commands.Session
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewServer creates a new connection server
func NewServer(cfg *config.Config, dispatcher Dispatcher, m *metrics.Metrics, logger logrus.FieldLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     cfg,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logging.Component(logger, "server"),
		stopChan:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Listen binds the configured address without accepting yet.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.config.Network.Host, strconv.Itoa(s.config.Network.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds and runs the accept loop
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the accept loop until Close.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	s.logger.WithField("addr", s.listener.Addr().String()).Info("Command/event/telemetry server listening")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Warn("Failed to accept connection")
			continue
		}

		s.accept(conn)
	}
}

// accept claims the slot for conn or refuses it.
func (s *Server) accept(conn net.Conn) {
	s.mu.Lock()
	if s.current != nil {
		holder := s.current.info.ID
		s.mu.Unlock()

		_ = conn.Close()
		s.observeConnection(metrics.OutcomeRefused)
		s.logger.WithError(ErrConnectionRefused).WithFields(logrus.Fields{
			"remote": conn.RemoteAddr().String(),
			"holder": holder,
		}).Warn("Refused second client")
		return
	}

	c := &client{
		info: ClientInfo{
			ID:          uuid.NewString(),
			RemoteAddr:  conn.RemoteAddr().String(),
			ConnectedAt: time.Now().UTC(),
		},
		conn:     conn,
		outbound: make(chan []byte, s.config.Network.OutboundQueue),
		done:     make(chan struct{}),
	}
	c.session = commands.NewSession(c.info.ID)
	s.current = c

	// Events kept while nobody was connected go out ahead of the snapshot
	backlog := s.offline
	s.offline = nil
	for _, data := range backlog {
		if !s.enqueueLocked(c, data) {
			// enqueueLocked already released the slot and closed conn
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	s.observeConnection(metrics.OutcomeAccepted)
	s.logger.WithFields(logrus.Fields{
		"session": c.info.ID,
		"remote":  c.info.RemoteAddr,
		"backlog": len(backlog),
	}).Info("Client connected")

	// Queue the status burst before reading so it precedes the first ack
	if err := s.dispatcher.Attach(s.ctx, c.info.ID); err != nil {
		s.logger.WithError(err).Warn("Failed to queue initial status")
	}

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.readLoop(c)
}

// readLoop hands each non-blank line to the dispatcher in arrival order.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), s.config.Network.MaxFrameBytes)

	outcome := metrics.OutcomeClosed
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)

		if err := s.dispatcher.Submit(s.ctx, c.info.ID, c.session, frame); err != nil {
			s.logger.WithError(err).WithField("session", c.info.ID).Warn("Dropping client: dispatcher unavailable")
			break
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-c.done:
			// closed locally
		default:
			if errors.Is(err, bufio.ErrTooLong) {
				outcome = metrics.OutcomeFramingError
				s.logger.WithField("session", c.info.ID).WithField("limit", s.config.Network.MaxFrameBytes).
					Warn("Frame exceeds size limit, closing connection")
			} else {
				s.logger.WithError(err).WithField("session", c.info.ID).Debug("Read error")
			}
		}
	}

	s.release(c, outcome)
}

// writeLoop drains the outbound queue in order with a per-write deadline.
func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()

	w := bufio.NewWriter(c.conn)
	timeout := s.config.WriteTimeout()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
			_, err := w.Write(data)
			if err == nil {
				err = w.WriteByte('\n')
			}
			if err == nil && len(c.outbound) == 0 {
				err = w.Flush()
			}
			if err != nil {
				s.logger.WithError(err).WithField("session", c.info.ID).Info("Write failed, closing connection")
				s.release(c, metrics.OutcomeClosed)
				return
			}
		}
	}
}

// Deliver routes one encoded message. It never blocks on the network.
func (s *Server) Deliver(msg simulator.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.current
	switch msg.Kind {
	case simulator.KindAck, simulator.KindSnapshot:
		if c == nil || c.info.ID != msg.ConnID {
			s.observeDrop(metrics.DropOffline)
			return
		}
	case simulator.KindEvent:
		if c == nil {
			s.keepOfflineLocked(msg.Data)
			return
		}
	case simulator.KindTelemetry:
		if c == nil {
			return
		}
	}

	s.enqueueLocked(c, msg.Data)
}

// keepOfflineLocked applies the offline policy to an event.
func (s *Server) keepOfflineLocked(data []byte) {
	if s.config.Protocol.OfflinePolicy != config.OfflineBuffer {
		s.observeDrop(metrics.DropOffline)
		return
	}
	if len(s.offline) >= s.config.Protocol.OfflineBufferSize {
		// Keep the most recent events
		s.offline = s.offline[1:]
		s.observeDrop(metrics.DropBufferFull)
	}
	s.offline = append(s.offline, data)
}

// enqueueLocked queues data for c, disconnecting it if its queue is full.
func (s *Server) enqueueLocked(c *client, data []byte) bool {
	select {
	case c.outbound <- data:
		return true
	default:
		s.logger.WithField("session", c.info.ID).Warn("Outbound queue full, disconnecting slow client")
		s.observeDrop(metrics.DropSlowConsumer)
		s.releaseLocked(c, metrics.OutcomeSlowConsumer)
		return false
	}
}

func (s *Server) release(c *client, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(c, outcome)
}

// releaseLocked frees the slot if c still holds it. Pending travel and
// model state are left alone.
func (s *Server) releaseLocked(c *client, outcome string) {
	if s.current != c {
		c.close()
		return
	}
	s.current = nil
	c.close()

	s.observeConnection(outcome)
	s.logger.WithFields(logrus.Fields{
		"session": c.info.ID,
		"outcome": outcome,
	}).Info("Client disconnected")
}

// Client returns the connection holding the slot, if any.
func (s *Server) Client() (ClientInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ClientInfo{}, false
	}
	return s.current.info, true
}

// OfflineBacklog returns the number of events kept for the next client.
func (s *Server) OfflineBacklog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offline)
}

func (s *Server) observeConnection(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveConnection(outcome)
	}
}

func (s *Server) observeDrop(reason string) {
	if s.metrics != nil {
		s.metrics.ObserveDrop(reason)
	}
}

// Close stops accepting, drops the current client and waits for its
// goroutines.
func (s *Server) Close() error {
	select {
	case <-s.stopChan:
		return nil
	default:
		close(s.stopChan)
	}
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	if s.current != nil {
		s.releaseLocked(s.current, metrics.OutcomeClosed)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
