package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/infigaming-com/go-pubsub/pubsub/internal/backoff"
	"github.com/infigaming-com/go-pubsub/pubsub/internal/flow"
	"github.com/infigaming-com/go-pubsub/pubsub/internal/worker"
)

// Session is a running subscription: a pull loop feeding a bounded handler
// pool, with lease renewal until each message settles.
type Session interface {
	Subscription() string
	Stop(ctx context.Context) error
	Health() SessionHealth
}

// SessionHealth is a point-in-time snapshot for monitoring.
type SessionHealth struct {
	Subscription  string
	State         string
	ActiveLeases  int
	Buffered      int
	Workers       int
	LastError     string
	LastMessageID string
	LastActivity  time.Time
}

type sessionState int

const (
	sessionIdle sessionState = iota
	sessionRunning
	sessionDraining
	sessionStopped
)

func (s sessionState) String() string {
	switch s {
	case sessionIdle:
		return "idle"
	case sessionRunning:
		return "running"
	case sessionDraining:
		return "draining"
	case sessionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type session struct {
	transport Transport
	opts      sessionOptions
	handler   Handler
	flow      *flow.Controller
	leases    *leaseTable
	pool      *worker.Pool
	backoff   *backoff.Exponential
	hooks     Hooks
	logger    Logger
	onStop    func(*session)

	// lifeCtx outlives draining; pullCtx and renewCtx are canceled in that
	// order as the session winds down.
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
	pullCtx     context.Context
	pullCancel  context.CancelFunc
	renewCtx    context.Context
	renewCancel context.CancelFunc

	mu            sync.Mutex
	state         sessionState
	lastErr       string
	lastMessageID string
	lastActivity  time.Time
	wg            sync.WaitGroup
}

func newSession(parent context.Context, transport Transport, subscription string, handler Handler, base options, opts []SessionOption) *session {
	so := defaultSessionOptions(subscription)
	for _, opt := range opts {
		opt(&so)
	}
	logger := base.logger
	if logger == nil {
		logger = noopLogger{}
	}
	lifeCtx, lifeCancel := context.WithCancel(parent)
	pullCtx, pullCancel := context.WithCancel(lifeCtx)
	renewCtx, renewCancel := context.WithCancel(lifeCtx)
	return &session{
		transport:   transport,
		opts:        so,
		handler:     handler,
		flow:        flow.New(so.flowLimits.internal()),
		leases:      newLeaseTable(),
		pool:        worker.New(so.workers, so.buffer),
		backoff:     backoff.New(backoff.Config{Jitter: 0.2}),
		hooks:       base.hooks,
		logger:      logger,
		lifeCtx:     lifeCtx,
		lifeCancel:  lifeCancel,
		pullCtx:     pullCtx,
		pullCancel:  pullCancel,
		renewCtx:    renewCtx,
		renewCancel: renewCancel,
	}
}

func (s *session) Subscription() string { return s.opts.name }

// start moves the session from idle to running.
func (s *session) start() {
	s.mu.Lock()
	if s.state != sessionIdle {
		s.mu.Unlock()
		return
	}
	s.state = sessionRunning
	s.mu.Unlock()
	s.wg.Add(2)
	go s.pullLoop()
	go s.renewLoop()
}

func (s *session) pullLoop() {
	defer s.wg.Done()
	for {
		if s.pullCtx.Err() != nil {
			return
		}
		stream, err := s.transport.OpenDeliveryStream(s.pullCtx, s.opts.name)
		if err != nil {
			if s.pullCtx.Err() != nil {
				return
			}
			s.streamError(err)
			if !s.sleep(s.backoff.Next()) {
				return
			}
			continue
		}
		s.backoff.Reset()
		for {
			tm, err := stream.Next(s.pullCtx)
			if err != nil {
				_ = stream.Close()
				if s.pullCtx.Err() != nil {
					return
				}
				s.streamError(err)
				if !s.sleep(s.backoff.Next()) {
					return
				}
				break
			}
			s.deliver(tm)
		}
	}
}

func (s *session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.pullCtx.Done():
		return false
	}
}

func (s *session) streamError(err error) {
	s.logger.Warn(s.lifeCtx, "delivery stream error", "subscription", s.opts.name, "err", err)
	if s.hooks.OnConnectionErr != nil {
		s.hooks.OnConnectionErr(s.lifeCtx, s.opts.name, err)
	}
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// deliver admits a message through the delivery-side flow controller,
// starts its lease, and hands it to the handler pool. Messages waiting for
// a free handler stay admitted, so buffered work counts against the budget.
func (s *session) deliver(tm *TransportMessage) {
	size := tm.size()
	if err := s.flow.Acquire(s.pullCtx, size, 1); err != nil {
		// Draining or canceled before admission; the service redelivers.
		return
	}
	now := time.Now()
	meta := MessageMetadata{ID: tm.ID, Attempt: tm.Attempt, Attributes: cloneMap(tm.Attributes)}
	l := s.leases.insert(tm.AckHandle, meta, size, now.Add(s.opts.ackDeadline), now.Add(s.opts.maxExtension))
	handle := tm.AckHandle
	msg := newMessage(tm,
		func() error { return s.settle(handle, true, meta) },
		func() error { return s.settle(handle, false, meta) },
		l.done,
	)
	if s.hooks.OnReceive != nil {
		s.hooks.OnReceive(s.lifeCtx, s.opts.name, meta)
	}
	s.recordActivity(tm.ID)
	if err := s.pool.Submit(s.pullCtx, func(context.Context) { s.process(msg) }); err != nil {
		// Could not dispatch; expire the lease now so redelivery is prompt.
		_ = msg.Nack()
	}
}

func (s *session) process(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(s.lifeCtx, "handler panic", "subscription", s.opts.name, "message", msg.ID(), "panic", r)
			_ = msg.Nack()
		}
	}()
	if err := s.handler.Handle(s.lifeCtx, msg); err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		_ = msg.Nack()
		return
	}
	_ = msg.Ack()
}

// settle removes the lease and releases its flow budget exactly once. A
// settlement racing an expiry finds the lease gone and is a no-op. The
// transport ack/nack is fire-and-forget: its failure is logged but the
// local release already happened.
func (s *session) settle(handle string, ack bool, meta MessageMetadata) error {
	terminal := leaseNacked
	if ack {
		terminal = leaseAcked
	}
	l, ok := s.leases.remove(handle, terminal)
	if !ok {
		return nil
	}
	var err error
	if ack {
		err = s.transport.Ack(s.lifeCtx, handle)
	} else {
		err = s.transport.Nack(s.lifeCtx, handle)
	}
	s.flow.Release(l.size, 1)
	if err != nil {
		s.logger.Error(s.lifeCtx, "settle failed", "subscription", s.opts.name, "message", meta.ID, "ack", ack, "err", err)
	}
	if ack && s.hooks.OnAck != nil {
		s.hooks.OnAck(s.lifeCtx, s.opts.name, meta)
	}
	if !ack && s.hooks.OnNack != nil {
		s.hooks.OnNack(s.lifeCtx, s.opts.name, meta)
	}
	s.recordActivity(meta.ID)
	return err
}

// renewLoop extends leases before their deadlines lapse. Ticking at a third
// of the ack deadline and extending anything due within the next tick lands
// renewals near two-thirds of the deadline window, tolerating clock skew
// and scheduling jitter.
func (s *session) renewLoop() {
	defer s.wg.Done()
	interval := s.opts.ackDeadline / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.renewCtx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now, interval)
		}
	}
}

func (s *session) sweep(now time.Time, horizon time.Duration) {
	expired, renew := s.leases.sweep(now, horizon)
	for _, l := range expired {
		s.flow.Release(l.size, 1)
		s.logger.Info(s.lifeCtx, "lease expired", "subscription", s.opts.name, "message", l.meta.ID)
		if s.hooks.OnLeaseExpire != nil {
			s.hooks.OnLeaseExpire(s.lifeCtx, s.opts.name, l.meta)
		}
	}
	for _, l := range renew {
		if err := s.transport.ModifyAckDeadline(s.renewCtx, l.handle, s.opts.ackDeadline); err != nil {
			s.logger.Warn(s.lifeCtx, "lease extend failed", "subscription", s.opts.name, "message", l.meta.ID, "err", err)
			continue
		}
		if s.leases.extend(l.handle, now.Add(s.opts.ackDeadline)) && s.hooks.OnAckExtend != nil {
			s.hooks.OnAckExtend(s.lifeCtx, s.opts.name, l.meta, s.opts.ackDeadline)
		}
	}
}

// Stop drains the session: the pull loop stops requesting messages while
// existing leases keep being renewed and may still settle. Once ctx is done
// any remaining leases are force-expired so their flow reservations flush.
func (s *session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == sessionStopped || s.state == sessionDraining {
		s.mu.Unlock()
		return nil
	}
	s.state = sessionDraining
	s.mu.Unlock()
	s.pullCancel()

	emptied := make(chan struct{})
	go func() {
		s.leases.waitEmpty(s.lifeCtx.Done())
		close(emptied)
	}()
	var forced bool
	select {
	case <-emptied:
	case <-ctx.Done():
		forced = true
		for _, l := range s.leases.drain() {
			s.flow.Release(l.size, 1)
			if s.hooks.OnLeaseExpire != nil {
				s.hooks.OnLeaseExpire(s.lifeCtx, s.opts.name, l.meta)
			}
		}
		<-emptied
	}

	s.renewCancel()
	s.pool.Close()
	poolDone := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(poolDone)
	}()
	select {
	case <-poolDone:
	case <-ctx.Done():
	}
	s.lifeCancel()
	s.wg.Wait()

	s.mu.Lock()
	s.state = sessionStopped
	s.mu.Unlock()
	if s.onStop != nil {
		s.onStop(s)
	}
	if forced {
		return ctx.Err()
	}
	return nil
}

func (s *session) Health() SessionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionHealth{
		Subscription:  s.opts.name,
		State:         s.state.String(),
		ActiveLeases:  s.leases.len(),
		Buffered:      s.pool.Queued(),
		Workers:       s.opts.workers,
		LastError:     s.lastErr,
		LastMessageID: s.lastMessageID,
		LastActivity:  s.lastActivity,
	}
}

func (s *session) recordActivity(messageID string) {
	s.mu.Lock()
	s.lastMessageID = messageID
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
