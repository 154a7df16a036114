package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/time/rate"

	"github.com/rickgao/shardgate/internal/events"
	"github.com/rickgao/shardgate/internal/metrics"
)

// DispatchHook may inspect or enrich a dispatch before it is published.
// It runs on the shard goroutine.
type DispatchHook func(d *events.Dispatch)

type routeKind int

const (
	routeNone routeKind = iota
	routeHello
	routeReady
	routeResumed
	routeHeartbeatRequest
	routeReconnect
	routeInvalidSession
)

type routeResult struct {
	kind      routeKind
	interval  time.Duration
	resumable bool
	ready     *ReadyData
}

type seqOutcome int

const (
	seqAdvanced seqOutcome = iota
	seqDuplicate
	seqStale
)

// sessionBox guards a shard's SessionState.
type sessionBox struct {
	mu sync.Mutex
	s  SessionState
}

func (b *sessionBox) snapshot() SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

func (b *sessionBox) advance(seq int64) seqOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.s.HasSequence {
		if seq == b.s.Sequence {
			return seqDuplicate
		}
		if seq < b.s.Sequence {
			return seqStale
		}
	}
	b.s.Sequence = seq
	b.s.HasSequence = true
	return seqAdvanced
}

func (b *sessionBox) establish(id, resumeURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.SessionID = id
	b.s.ResumeURL = resumeURL
}

func (b *sessionBox) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s = SessionState{}
}

// Router decodes a shard's inbound frames, advances its sequence and
// forwards dispatches outward.
type Router struct {
	shardID   int
	session   *sessionBox
	heartbeat *Heartbeat
	pub       Publisher
	hook      DispatchHook
	metrics   *metrics.Metrics
	logger    *slog.Logger

	malformed *rate.Limiter
}

func newRouter(shardID int, session *sessionBox, hb *Heartbeat, pub Publisher, hook DispatchHook,
	m *metrics.Metrics, burst int, window time.Duration, logger *slog.Logger) *Router {
	if burst < 1 {
		burst = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Router{
		shardID:   shardID,
		session:   session,
		heartbeat: hb,
		pub:       pub,
		hook:      hook,
		metrics:   m,
		logger:    logger,
		malformed: rate.NewLimiter(rate.Every(window/time.Duration(burst)), burst),
	}
}

// Decode parses one transport message into a frame. Binary messages carry
// zlib-compressed JSON.
func Decode(msg Message) (Frame, error) {
	data := msg.Data
	if msg.Binary {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return Frame{}, &DecodeError{Err: fmt.Errorf("open zlib: %w", err), Size: len(msg.Data)}
		}
		inflated, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return Frame{}, &DecodeError{Err: fmt.Errorf("inflate: %w", err), Size: len(msg.Data)}
		}
		data = inflated
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &DecodeError{Err: err, Size: len(data)}
	}
	return f, nil
}

// Handle decodes and routes msg. Malformed frames are absorbed; ErrDecodeBurst
// is returned once they arrive faster than the configured burst allows.
func (r *Router) Handle(msg Message) (routeResult, error) {
	frame, err := Decode(msg)
	if err != nil {
		return routeResult{}, r.absorb(err)
	}

	res, err := r.Route(frame)
	var de *DecodeError
	if errors.As(err, &de) {
		return routeResult{}, r.absorb(err)
	}
	return res, err
}

func (r *Router) absorb(err error) error {
	r.metrics.DecodeError(r.shardID)
	r.logger.Warn("malformed frame", "error", err)
	if !r.malformed.Allow() {
		return ErrDecodeBurst
	}
	return nil
}

// Route applies one decoded frame.
func (r *Router) Route(f Frame) (routeResult, error) {
	switch f.Op {
	case OpDispatch:
		return r.routeDispatch(f)

	case OpHeartbeatAck:
		r.heartbeat.Ack()
		r.metrics.HeartbeatLatency(r.shardID, r.heartbeat.Latency())
		return routeResult{}, nil

	case OpHeartbeat:
		return routeResult{kind: routeHeartbeatRequest}, nil

	case OpHello:
		var hello HelloData
		if err := json.Unmarshal(f.Data, &hello); err != nil {
			return routeResult{}, &DecodeError{Err: fmt.Errorf("hello: %w", err), Size: len(f.Data)}
		}
		return routeResult{
			kind:     routeHello,
			interval: time.Duration(hello.HeartbeatInterval) * time.Millisecond,
		}, nil

	case OpReconnect:
		return routeResult{kind: routeReconnect}, nil

	case OpInvalidSession:
		var resumable bool
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &resumable); err != nil {
				r.logger.Warn("invalid session payload not a bool", "error", err)
			}
		}
		return routeResult{kind: routeInvalidSession, resumable: resumable}, nil
	}

	r.logger.Debug("ignoring frame", "op", f.Op)
	return routeResult{}, nil
}

func (r *Router) routeDispatch(f Frame) (routeResult, error) {
	var seq int64
	if f.Sequence != nil {
		seq = *f.Sequence
		switch r.session.advance(seq) {
		case seqDuplicate:
			r.logger.Debug("duplicate dispatch dropped", "seq", seq, "event", f.Event)
			return routeResult{}, nil
		case seqStale:
			current := r.session.snapshot().Sequence
			r.logger.Warn("dispatch sequence went backwards, ignoring",
				"seq", seq,
				"current", current,
				"event", f.Event,
			)
			return routeResult{}, nil
		}
	}

	var res routeResult
	switch f.Event {
	case EventReady:
		var ready ReadyData
		if err := json.Unmarshal(f.Data, &ready); err != nil {
			return routeResult{}, &DecodeError{Err: fmt.Errorf("ready: %w", err), Size: len(f.Data)}
		}
		if ready.SessionID == "" {
			return routeResult{}, &DecodeError{Err: errors.New("ready without session_id"), Size: len(f.Data)}
		}
		r.session.establish(ready.SessionID, ready.ResumeGatewayURL)
		res = routeResult{kind: routeReady, ready: &ready}
	case EventResumed:
		res = routeResult{kind: routeResumed}
	}

	d := events.Dispatch{
		ShardID:  r.shardID,
		Sequence: seq,
		Name:     f.Event,
		Data:     f.Data,
	}
	if r.hook != nil {
		r.hook(&d)
	}
	r.metrics.Dispatch(r.shardID, f.Event)
	r.pub.Dispatch(d)

	return res, nil
}
