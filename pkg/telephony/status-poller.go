package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/birddigital/voicecall-sync/pkg/callapi"
)

// DefaultPollInterval is how often the poller asks for authoritative status.
const DefaultPollInterval = time.Second

// PollEventKind classifies poller results.
type PollEventKind int

const (
	// PollStatus carries a status string returned by the service.
	PollStatus PollEventKind = iota
	// PollGone means the service no longer knows the call id.
	PollGone
	// PollRejected means the service refused the request; polling stopped.
	PollRejected
)

func (k PollEventKind) String() string {
	switch k {
	case PollStatus:
		return "status"
	case PollGone:
		return "gone"
	case PollRejected:
		return "rejected"
	default:
		return fmt.Sprintf("PollEventKind(%d)", int(k))
	}
}

// PollEvent is one poll outcome.
type PollEvent struct {
	Kind   PollEventKind
	CallID string
	Status string
	Err    error
}

// StatusFetcher returns the authoritative status of a call.
type StatusFetcher interface {
	GetCallStatus(ctx context.Context, callID string) (*callapi.CallStatus, error)
}

// StatusPollerConfig configures a StatusPoller.
type StatusPollerConfig struct {
	Clock  Clock
	Logger *slog.Logger
}

// StatusPoller fetches call status on a fixed interval until stopped, the
// call reaches a terminal status, or the service stops answering.
// Transport failures are retried on the next tick.
type StatusPoller struct {
	fetcher StatusFetcher
	handler func(PollEvent)
	clock   Clock
	logger  *slog.Logger
	timer   *ResourceHandle[*pollTimer]

	mu       sync.Mutex
	callID   string
	interval time.Duration
	running  bool
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
}

type pollTimer struct {
	t Timer
}

func (p *pollTimer) Close() error {
	p.t.Stop()
	return nil
}

// NewStatusPoller creates a stopped poller that reports to handler.
func NewStatusPoller(fetcher StatusFetcher, handler func(PollEvent), cfg StatusPollerConfig) *StatusPoller {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "status_poller")
	return &StatusPoller{
		fetcher: fetcher,
		handler: handler,
		clock:   cfg.Clock,
		logger:  logger,
		timer:   NewResourceHandle[*pollTimer]("poll timer", logger),
	}
}

// Start begins polling callID every interval. A poller already running for
// another call is stopped first; one running for the same call is left as is.
func (p *StatusPoller) Start(callID string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running && p.callID == callID {
		return
	}
	p.stopLocked()

	p.gen++
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.callID = callID
	p.interval = interval
	p.running = true
	p.scheduleLocked(p.gen)

	p.logger.Debug("polling started", "call_id", callID, "interval", interval)
}

// Stop ends polling. Safe to call at any time, any number of times.
func (p *StatusPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Running reports whether a poll timer is armed or a fetch is in flight.
func (p *StatusPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *StatusPoller) stopLocked() {
	if !p.running {
		return
	}
	p.running = false
	p.cancel()
	p.timer.Release()
	p.logger.Debug("polling stopped", "call_id", p.callID)
}

func (p *StatusPoller) scheduleLocked(gen uint64) {
	p.timer.Acquire(func() (*pollTimer, error) {
		return &pollTimer{t: p.clock.AfterFunc(p.interval, func() { p.tick(gen) })}, nil
	})
}

func (p *StatusPoller) stopGen(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen {
		p.stopLocked()
	}
}

func (p *StatusPoller) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && p.gen == gen
}

func (p *StatusPoller) tick(gen uint64) {
	p.mu.Lock()
	if !p.running || p.gen != gen {
		p.mu.Unlock()
		return
	}
	callID, ctx := p.callID, p.ctx
	p.mu.Unlock()

	st, err := p.fetcher.GetCallStatus(ctx, callID)
	if !p.current(gen) {
		return
	}

	var apiErr *callapi.APIError
	switch {
	case err == nil:
		if status, ok := ParseServiceStatus(st.Status); ok && status.IsTerminal() {
			p.stopGen(gen)
		}
		p.emit(PollEvent{Kind: PollStatus, CallID: callID, Status: st.Status})

	case errors.Is(err, callapi.ErrCallNotFound):
		p.logger.Info("call no longer known to service", "call_id", callID)
		p.stopGen(gen)
		p.emit(PollEvent{Kind: PollGone, CallID: callID, Err: err})

	case errors.As(err, &apiErr):
		p.logger.Warn("status request rejected, polling stopped", "call_id", callID, "status_code", apiErr.StatusCode)
		p.stopGen(gen)
		p.emit(PollEvent{Kind: PollRejected, CallID: callID, Err: err})

	default:
		p.logger.Warn("status poll failed, retrying", "call_id", callID, "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && p.gen == gen {
		p.scheduleLocked(gen)
	}
}

func (p *StatusPoller) emit(ev PollEvent) {
	if p.handler != nil {
		p.handler(ev)
	}
}
