// Package telemetry samples the hardware model on a fixed period.
package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/logging"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/state"
)

// Topic is the single telemetry topic.
const Topic = "pneumatics"

// Frame is one telemetry sample. HardwareState fields are flattened into
// the JSON object next to topic and timestamp.
type Frame struct {
	Topic     string  `json:"topic"`
	Timestamp float64 `json:"timestamp"`
	state.HardwareState
}

// NewFrame builds a frame for a snapshot taken at the given time.
func NewFrame(snapshot state.HardwareState, at time.Time) Frame {
	return Frame{
		Topic:         Topic,
		Timestamp:     float64(at.Unix()) + float64(at.Nanosecond())/1e9,
		HardwareState: snapshot,
	}
}

// Sampler provides the state to sample
type Sampler interface {
	Snapshot() state.HardwareState
}

// Sink receives every frame
type Sink interface {
	PublishTelemetry(frame Frame)
}

// Publisher emits one frame per tick regardless of command activity.
type Publisher struct {
	sampler  Sampler
	sink     Sink
	interval time.Duration
	now      func() time.Time
	logger   *logrus.Entry
}

// NewPublisher creates a telemetry publisher
func NewPublisher(sampler Sampler, sink Sink, interval time.Duration, logger logrus.FieldLogger) *Publisher {
	return &Publisher{
		sampler:  sampler,
		sink:     sink,
		interval: interval,
		now:      time.Now,
		logger:   logging.Component(logger, "telemetry"),
	}
}

// Run publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.WithField("interval", p.interval).Info("Telemetry publisher started")
	defer p.logger.Info("Telemetry publisher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick samples once and hands the frame to the sink.
func (p *Publisher) Tick() {
	p.sink.PublishTelemetry(NewFrame(p.sampler.Snapshot(), p.now()))
}
