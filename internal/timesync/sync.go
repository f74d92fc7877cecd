// Package timesync estimates the offset between the local clock and the
// room host's clock with a four-timestamp exchange
package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/berrythewa/meshplay/internal/state"
	"github.com/berrythewa/meshplay/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultSampleWindow = 4

	requestTimeout = 2 * time.Second
)

// Publisher originates mesh messages
type Publisher interface {
	LocalID() types.PeerID
	PublishMessage(ctx context.Context, msg types.Message) (types.Message, error)
}

// Config controls the exchange cadence and sample filter
type Config struct {
	Interval     time.Duration // Time between requests to the host
	SampleWindow int           // Number of recent samples the lowest-RTT one is picked from
}

// DefaultConfig returns the default synchronizer settings
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, SampleWindow: DefaultSampleWindow}
}

type sample struct {
	offset time.Duration
	rtt    time.Duration
}

// Synchronizer runs the periodic exchange against a host and answers
// requests addressed to the local node
type Synchronizer struct {
	publisher Publisher
	clock     clock.Clock
	logger    *zap.Logger
	cfg       Config

	mu      sync.Mutex
	hostID  types.PeerID
	cancel  context.CancelFunc
	done    chan struct{}
	samples []sample

	state *state.Cell[types.ClockState]
}

// New creates a synchronizer
func New(publisher Publisher, cfg Config, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = DefaultSampleWindow
	}

	return &Synchronizer{
		publisher: publisher,
		clock:     clock.New(),
		logger:    logger.With(zap.String("component", "timesync")),
		cfg:       cfg,
		state:     state.NewCell(types.ClockState{}),
	}
}

// SetClock replaces the local clock; must be called before Start
func (s *Synchronizer) SetClock(c clock.Clock) {
	s.clock = c
}

// Compute derives the offset and round trip from one exchange, where t0 is
// the client send time, t1 and t2 the host receive and send times and t3
// the client receive time, all in milliseconds
func Compute(t0, t1, t2, t3 int64) (offset, rtt time.Duration) {
	rtt = time.Duration((t3-t0)-(t2-t1)) * time.Millisecond
	offset = time.Duration((t1-t0)+(t2-t3)) * time.Millisecond / 2
	return offset, rtt
}

// Start begins periodic synchronization against hostID. Restarting with a
// different host discards previous samples. A host of "" or the local id
// keeps the loop running but every request is skipped.
func (s *Synchronizer) Start(hostID types.PeerID) {
	s.mu.Lock()
	if s.cancel != nil && s.hostID == hostID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.hostID = hostID
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Info("Clock sync started", zap.String("host", hostID.String()), zap.Duration("interval", s.cfg.Interval))

	ticker := s.clock.Ticker(s.cfg.Interval)
	go s.run(ctx, ticker, done)
}

func (s *Synchronizer) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	s.sendRequest(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendRequest(ctx)
		}
	}
}

// Stop cancels the periodic task and resets the offset to zero
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.hostID = ""
	s.samples = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.logger.Info("Clock sync stopped")
	}
	s.state.Set(types.ClockState{})
}

// Running reports whether the periodic task is active
func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// HostID returns the host currently synchronized against
func (s *Synchronizer) HostID() types.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostID
}

func (s *Synchronizer) sendRequest(ctx context.Context) {
	host := s.HostID()
	if host == "" || host == s.publisher.LocalID() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	t0 := s.nowMs()
	_, err := s.publisher.PublishMessage(ctx, types.Message{
		TargetID:  host,
		Timestamp: t0,
		Body:      types.TimeSync{Type: types.TimeSyncRequest},
	})
	if err != nil {
		s.logger.Warn("Failed to send time sync request", zap.String("host", host.String()), zap.Error(err))
	}
}

// HandleInbound answers requests addressed to this node and folds
// responses into the clock estimate
func (s *Synchronizer) HandleInbound(in types.Inbound) {
	body, ok := in.Message.Body.(types.TimeSync)
	if !ok {
		return
	}

	local := s.publisher.LocalID()
	if in.Message.TargetID != local {
		return
	}

	switch body.Type {
	case types.TimeSyncRequest:
		s.respond(in.Message)
	case types.TimeSyncResponse:
		s.absorb(in.Message, body)
	}
}

func (s *Synchronizer) respond(req types.Message) {
	t1 := s.nowMs()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	t2 := s.nowMs()
	_, err := s.publisher.PublishMessage(ctx, types.Message{
		TargetID:  req.SenderID,
		Timestamp: req.Timestamp,
		Body: types.TimeSync{
			Type:              types.TimeSyncResponse,
			ServerReceiveTime: t1,
			ServerSendTime:    t2,
		},
	})
	if err != nil {
		s.logger.Warn("Failed to answer time sync request", zap.String("peer", req.SenderID.String()), zap.Error(err))
	}
}

func (s *Synchronizer) absorb(resp types.Message, body types.TimeSync) {
	t3 := s.nowMs()
	offset, rtt := Compute(resp.Timestamp, body.ServerReceiveTime, body.ServerSendTime, t3)

	s.mu.Lock()
	if s.cancel == nil || resp.SenderID != s.hostID {
		s.mu.Unlock()
		s.logger.Debug("Ignoring time sync response", zap.String("peer", resp.SenderID.String()))
		return
	}
	if rtt < 0 {
		s.mu.Unlock()
		s.logger.Debug("Discarding sample with negative round trip", zap.Duration("rtt", rtt))
		return
	}

	s.samples = append(s.samples, sample{offset: offset, rtt: rtt})
	if len(s.samples) > s.cfg.SampleWindow {
		s.samples = s.samples[len(s.samples)-s.cfg.SampleWindow:]
	}
	best := s.samples[0]
	for _, smp := range s.samples[1:] {
		if smp.rtt <= best.rtt {
			best = smp
		}
	}
	count := len(s.samples)

	// Publish under the lock so a concurrent Stop cannot be overwritten
	s.state.Set(types.ClockState{
		Offset:      best.offset,
		RTT:         best.rtt,
		LastUpdated: s.clock.Now(),
		Samples:     count,
	})
	s.mu.Unlock()

	s.logger.Debug("Clock sample",
		zap.Duration("offset", offset),
		zap.Duration("rtt", rtt),
		zap.Duration("estimate", best.offset))
}

// State returns the current clock estimate
func (s *Synchronizer) State() types.ClockState {
	return s.state.Get()
}

// Subscribe returns a channel carrying the latest clock estimate
func (s *Synchronizer) Subscribe() <-chan types.ClockState {
	return s.state.Subscribe()
}

// Unsubscribe releases a channel returned by Subscribe
func (s *Synchronizer) Unsubscribe(ch <-chan types.ClockState) {
	s.state.Unsubscribe(ch)
}

// MeshNow returns the local time corrected by the host offset
func (s *Synchronizer) MeshNow() time.Time {
	return s.clock.Now().Add(s.state.Get().Offset)
}

// MeshTime returns mesh time in milliseconds
func (s *Synchronizer) MeshTime() int64 {
	return s.MeshNow().UnixMilli()
}

func (s *Synchronizer) nowMs() int64 {
	return s.clock.Now().UnixMilli()
}
