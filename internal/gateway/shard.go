package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/shardgate/internal/events"
	"github.com/rickgao/shardgate/internal/metrics"
)

// State is a shard's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateResuming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateResuming:
		return "resuming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Publisher receives a shard's outward events. Shards hold only this
// interface, never their manager.
type Publisher interface {
	ShardReady(shardID int, resumed bool)
	ShardDisconnect(shardID int, code int)
	ShardReconnecting(shardID int, attempt int)
	ShardError(shardID int, err error)
	Dispatch(d events.Dispatch)
}

// ShardOption configures a Shard.
type ShardOption func(*Shard)

// WithDispatchHook sets a hook run on every dispatch before publishing.
func WithDispatchHook(h DispatchHook) ShardOption {
	return func(s *Shard) {
		s.hook = h
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ShardOption {
	return func(s *Shard) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ShardOption {
	return func(s *Shard) {
		s.logger = logger
	}
}

// Shard drives one gateway connection through identify, resume, heartbeat
// and reconnect.
type Shard struct {
	cfg     ShardConfig
	gate    *Gate
	dialer  Dialer
	pub     Publisher
	hook    DispatchHook
	metrics *metrics.Metrics
	logger  *slog.Logger

	state     atomic.Int32
	session   sessionBox
	heartbeat *Heartbeat

	// Coalesced wake-ups for the shard goroutine.
	beatCh     chan struct{}
	zombieCh   chan struct{}
	presenceCh chan struct{}

	mu            sync.Mutex
	presence      PresenceSpec
	presenceDirty bool
	everReady     bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewShard creates an idle shard. gate is shared by every shard of a manager.
func NewShard(cfg ShardConfig, gate *Gate, dialer Dialer, pub Publisher, opts ...ShardOption) *Shard {
	s := &Shard{
		cfg:        cfg,
		gate:       gate,
		dialer:     dialer,
		pub:        pub,
		logger:     slog.Default(),
		heartbeat:  NewHeartbeat(cfg.HeartbeatJitter),
		beatCh:     make(chan struct{}, 1),
		zombieCh:   make(chan struct{}, 1),
		presenceCh: make(chan struct{}, 1),
		presence:   cfg.Presence.Clone(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("shard", cfg.ID)
	return s
}

// ID returns the shard id.
func (s *Shard) ID() int { return s.cfg.ID }

// State returns the current state.
func (s *Shard) State() State { return State(s.state.Load()) }

// Session returns a snapshot of the resumable session state.
func (s *Shard) Session() SessionState { return s.session.snapshot() }

// Heartbeat returns a snapshot of the heartbeat window.
func (s *Shard) Heartbeat() HeartbeatWindow { return s.heartbeat.Window() }

// Latency returns the last heartbeat round trip.
func (s *Shard) Latency() time.Duration { return s.heartbeat.Latency() }

// Presence returns the shard's latest presence.
func (s *Shard) Presence() PresenceSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.Clone()
}

// HasBeenReady reports whether the shard reached Ready at least once.
func (s *Shard) HasBeenReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everReady
}

// Done is closed when the shard's goroutine exits. Nil before Connect.
func (s *Shard) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Shard) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	s.metrics.ShardState(s.cfg.ID, int(st))
	if prev != st {
		s.logger.Debug("shard state", "from", prev, "to", st)
	}
}

// Connect starts the shard. No-op while it is already running.
func (s *Shard) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setState(StateConnecting)

	go s.run(runCtx, s.done)
}

// Disconnect stops the shard from any state and waits until it is Closed.
// No reconnect follows. Safe to call repeatedly.
func (s *Shard) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		s.setState(StateClosed)
		return
	}
	cancel()
	<-done
}

// UpdatePresence stores spec and sends it now if the shard is Ready,
// otherwise after the next handshake.
func (s *Shard) UpdatePresence(spec PresenceSpec) {
	s.mu.Lock()
	s.presence = spec.Clone()
	s.presenceDirty = true
	s.mu.Unlock()

	select {
	case s.presenceCh <- struct{}{}:
	default:
	}
}

func (s *Shard) signalBeat() {
	select {
	case s.beatCh <- struct{}{}:
	default:
	}
}

func (s *Shard) signalZombie() {
	select {
	case s.zombieCh <- struct{}{}:
	default:
	}
}

// sessionOutcome describes how one connection ended.
type sessionOutcome struct {
	code   int
	reason string
	err    error

	class      CloseClass
	classified bool // set when the shard itself decided the class

	connected    bool
	reachedReady bool
}

func (o sessionOutcome) classify(p CloseCodePolicy) CloseClass {
	if o.classified {
		return o.class
	}
	if o.code == 0 {
		return CloseRecoverable
	}
	return p.Classify(o.code)
}

func fault(err error, class CloseClass) sessionOutcome {
	return sessionOutcome{err: err, class: class, classified: true}
}

// run is the shard goroutine: one session per iteration, backoff between.
func (s *Shard) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(StateClosed)
	defer s.heartbeat.Stop()

	attempts := 0
	for {
		out := s.runSession(ctx)
		if out.reachedReady {
			attempts = 0
		}

		if ctx.Err() != nil {
			if out.connected {
				s.pub.ShardDisconnect(s.cfg.ID, CloseNormal)
			}
			s.logger.Info("shard disconnected")
			return
		}

		class := out.classify(s.cfg.CloseCodes)
		s.metrics.Disconnect(s.cfg.ID, class.String())
		if out.connected {
			s.pub.ShardDisconnect(s.cfg.ID, out.code)
		}

		if class == CloseFatal {
			s.session.clear()
			err := &CloseError{Code: out.code, Reason: out.reason, Fatal: true}
			s.logger.Error("fatal close, shard stopped", "code", out.code, "reason", out.reason)
			s.pub.ShardError(s.cfg.ID, err)
			return
		}
		if class == CloseReidentify {
			s.session.clear()
		}

		attempts++
		mode := "identify"
		if s.session.snapshot().Resumable() {
			mode = "resume"
			s.setState(StateResuming)
		} else {
			s.setState(StateReconnecting)
		}

		if max := s.cfg.Backoff.MaxAttempts; max > 0 && attempts > max {
			err := fmt.Errorf("%w: %d attempts", ErrRetriesExhausted, max)
			s.logger.Error("giving up on shard", "attempts", max)
			s.pub.ShardError(s.cfg.ID, err)
			return
		}

		delay := s.cfg.Backoff.Delay(attempts)
		s.logger.Warn("connection lost, reconnecting",
			"code", out.code,
			"error", out.err,
			"class", class,
			"mode", mode,
			"attempt", attempts,
			"backoff", delay,
		)
		s.metrics.Reconnect(s.cfg.ID, mode)
		s.pub.ShardReconnecting(s.cfg.ID, attempts)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("shard disconnected during backoff")
			return
		case <-timer.C:
		}
	}
}

// runSession owns one transport from dial to close.
func (s *Shard) runSession(ctx context.Context) (out sessionOutcome) {
	logger := s.logger.With("attempt", uuid.NewString())

	target := s.cfg.URL
	if sess := s.session.snapshot(); sess.Resumable() && sess.ResumeURL != "" {
		target = resumeTarget(sess.ResumeURL, s.cfg.URL)
	}

	sctx, cancel := context.WithCancel(ctx)
	var acquirer sync.WaitGroup
	defer func() {
		cancel()
		acquirer.Wait()
	}()

	t, err := s.dialer.Dial(sctx, target)
	if err != nil {
		logger.Warn("dial failed", "url", target, "error", err)
		return fault(fmt.Errorf("dial: %w", err), CloseRecoverable)
	}
	logger.Debug("transport open", "url", target)

	drainSignal(s.beatCh)
	drainSignal(s.zombieCh)

	router := newRouter(s.cfg.ID, &s.session, s.heartbeat, s.pub, s.hook, s.metrics,
		s.cfg.DecodeErrorBurst, s.cfg.DecodeErrorWindow, logger)

	var (
		ticket    *Ticket
		ticketCh  = make(chan *Ticket)
		helloSeen bool
		interval  time.Duration
		idTimer   *time.Timer
		identifyC <-chan time.Time
	)

	hello := time.NewTimer(s.helloTimeout())
	helloC := hello.C

	defer func() {
		hello.Stop()
		if idTimer != nil {
			idTimer.Stop()
		}
		ticket.Release()
		s.heartbeat.Stop()
	}()

	// end closes the transport and reports a self-detected condition.
	end := func(code int, reason string, err error, class CloseClass) sessionOutcome {
		t.Close(code, reason)
		o := fault(err, class)
		o.code = code
		o.reason = reason
		o.connected = true
		o.reachedReady = out.reachedReady
		return o
	}

	for {
		select {
		case <-ctx.Done():
			t.Close(CloseNormal, "disconnect")
			out.connected = true
			out.code = CloseNormal
			return out

		case msg, ok := <-t.Messages():
			if !ok {
				info := t.CloseInfo()
				out.connected = true
				out.code = info.Code
				out.reason = info.Reason
				out.err = info.Err
				return out
			}

			res, err := router.Handle(msg)
			if err != nil {
				return end(CloseResumable, "decode errors", err, CloseRecoverable)
			}

			switch res.kind {
			case routeHello:
				if helloSeen {
					logger.Warn("duplicate hello ignored")
					break
				}
				helloSeen = true
				helloC = nil
				hello.Stop()
				interval = res.interval
				s.heartbeat.Start(interval, s.signalBeat, s.signalZombie)

				if sess := s.session.snapshot(); sess.Resumable() {
					s.setState(StateResuming)
					logger.Info("resuming session", "session_id", sess.SessionID, "seq", sess.Sequence)
					if err := s.send(t, OpResume, ResumeData{
						Token:     s.cfg.Token,
						SessionID: sess.SessionID,
						Sequence:  sess.Sequence,
					}); err != nil {
						return end(CloseResumable, "write failed", err, CloseRecoverable)
					}
				} else {
					s.session.clear()
					acquirer.Add(1)
					go s.acquireTicket(sctx, ticketCh, &acquirer)
				}

			case routeReady, routeResumed:
				if ticket != nil {
					ticket.Release()
					ticket = nil
				}
				if idTimer != nil {
					idTimer.Stop()
					identifyC = nil
				}
				out.reachedReady = true
				s.setState(StateReady)
				s.heartbeat.Start(interval, s.signalBeat, s.signalZombie)

				wasReady, dirty := s.markReady()
				resumed := res.kind == routeResumed
				if resumed {
					logger.Info("session resumed", "seq", s.session.snapshot().Sequence)
				} else {
					logger.Info("shard ready",
						"session_id", res.ready.SessionID,
						"user", res.ready.User.Username,
						"guilds", len(res.ready.Guilds),
					)
				}
				s.pub.ShardReady(s.cfg.ID, resumed)

				if wasReady || dirty {
					if err := s.sendPresence(t); err != nil {
						return end(CloseResumable, "write failed", err, CloseRecoverable)
					}
				}

			case routeHeartbeatRequest:
				s.heartbeat.BeatNow()

			case routeReconnect:
				logger.Info("server requested reconnect")
				return end(CloseResumable, "reconnect requested", ErrServerReconnect, CloseRecoverable)

			case routeInvalidSession:
				logger.Warn("session invalidated", "resumable", res.resumable)
				class := CloseRecoverable
				if !res.resumable {
					s.session.clear()
					class = CloseReidentify
				}
				return end(CloseResumable, "invalid session", ErrInvalidSession, class)
			}

		case <-s.beatCh:
			var seq any
			if sess := s.session.snapshot(); sess.HasSequence {
				seq = sess.Sequence
			}
			if err := s.send(t, OpHeartbeat, seq); err != nil {
				return end(CloseResumable, "write failed", err, CloseRecoverable)
			}

		case <-s.zombieCh:
			logger.Warn("heartbeat not acknowledged, closing zombie connection")
			return end(CloseResumable, "zombie connection", ErrZombieConnection, CloseRecoverable)

		case tk := <-ticketCh:
			if ticket != nil || s.State() == StateReady {
				logger.Debug("admission no longer needed")
				tk.Release()
				break
			}
			ticket = tk
			s.setState(StateAuthenticating)
			logger.Info("identifying", "shard_count", s.cfg.Count)
			if err := s.send(t, OpIdentify, s.identifyPayload()); err != nil {
				return end(CloseResumable, "write failed", err, CloseRecoverable)
			}
			idTimer = time.NewTimer(s.identifyTimeout())
			identifyC = idTimer.C

		case <-identifyC:
			identifyC = nil
			logger.Warn("identify not completed in time, releasing admission slot")
			ticket.Release()
			ticket = nil

		case <-s.presenceCh:
			if s.State() == StateReady {
				if err := s.sendPresence(t); err != nil {
					return end(CloseResumable, "write failed", err, CloseRecoverable)
				}
			}

		case <-helloC:
			logger.Warn("no hello received", "timeout", s.helloTimeout())
			return end(CloseResumable, "hello timeout", ErrHelloTimeout, CloseRecoverable)
		}
	}
}

// acquireTicket waits for an admission and hands it to the session loop,
// or releases it if the session is already gone.
func (s *Shard) acquireTicket(ctx context.Context, out chan<- *Ticket, wg *sync.WaitGroup) {
	defer wg.Done()

	tk, err := s.gate.Acquire(ctx)
	if err != nil {
		return
	}
	s.metrics.GateInFlight(s.gate.InFlight())

	select {
	case out <- tk:
	case <-ctx.Done():
		tk.Release()
	}
}

func (s *Shard) identifyPayload() IdentifyData {
	s.mu.Lock()
	presence := s.presence.Clone()
	s.presenceDirty = false
	s.mu.Unlock()

	return IdentifyData{
		Token:          s.cfg.Token,
		Properties:     s.cfg.Properties,
		Compress:       s.cfg.Compress,
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          [2]int{s.cfg.ID, s.cfg.Count},
		Presence:       presence.wire(),
		Intents:        s.cfg.Intents,
	}
}

func (s *Shard) sendPresence(t Transport) error {
	s.mu.Lock()
	presence := s.presence.Clone()
	s.presenceDirty = false
	s.mu.Unlock()

	return s.send(t, OpPresenceUpdate, presence.wire())
}

func (s *Shard) markReady() (wasReady, presenceDirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasReady = s.everReady
	s.everReady = true
	return wasReady, s.presenceDirty
}

func (s *Shard) send(t Transport, op Opcode, data any) error {
	payload, err := json.Marshal(outboundFrame{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}
	if err := t.Send(payload); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	s.logger.Debug("frame sent", "op", op, "bytes", len(payload))
	return nil
}

func (s *Shard) helloTimeout() time.Duration {
	if s.cfg.HelloTimeout > 0 {
		return s.cfg.HelloTimeout
	}
	return 20 * time.Second
}

func (s *Shard) identifyTimeout() time.Duration {
	if s.cfg.IdentifyTimeout > 0 {
		return s.cfg.IdentifyTimeout
	}
	return 10 * time.Second
}

// resumeTarget applies the base URL's query (version, encoding) to the
// resume URL handed out in READY.
func resumeTarget(resumeURL, base string) string {
	r, err := url.Parse(resumeURL)
	if err != nil {
		return base
	}
	if r.RawQuery == "" {
		if b, err := url.Parse(base); err == nil {
			r.RawQuery = b.RawQuery
		}
	}
	return r.String()
}

func drainSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
