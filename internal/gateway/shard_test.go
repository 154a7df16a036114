package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"testing"
	"time"
)

func startShard(t *testing.T, cfg ShardConfig, gate *Gate) (*Shard, *fakeDialer, *recordingPublisher) {
	t.Helper()
	d := newFakeDialer()
	pub := newRecordingPublisher()
	s := NewShard(cfg, gate, d, pub, WithLogger(discardLogger()))
	s.Connect(context.Background())
	t.Cleanup(s.Disconnect)
	return s, d, pub
}

// handshake drives tr through hello, identify and READY.
func handshake(t *testing.T, tr *fakeTransport, pub *recordingPublisher, sessionID string) IdentifyData {
	t.Helper()
	tr.hello(45000)
	f := tr.expectFrame(t, OpIdentify)

	var id IdentifyData
	if err := json.Unmarshal(f.Data, &id); err != nil {
		t.Fatalf("decode identify: %v", err)
	}
	tr.ready(1, sessionID)
	pub.expect(t, "ready:0:false")
	return id
}

func TestShard_IdentifyPayload(t *testing.T) {
	cfg := testShardConfig()
	cfg.ID = 2
	cfg.Count = 4
	cfg.Intents = 513
	s, d, pub := startShard(t, cfg, NewGate(1, 0))

	tr := d.next(t)
	if tr.url != cfg.URL {
		t.Errorf("dial url = %q, want %q", tr.url, cfg.URL)
	}

	tr.hello(45000)
	f := tr.expectFrame(t, OpIdentify)
	var id IdentifyData
	if err := json.Unmarshal(f.Data, &id); err != nil {
		t.Fatalf("decode identify: %v", err)
	}
	if id.Token != "test-token" {
		t.Errorf("Token = %q, want %q", id.Token, "test-token")
	}
	if id.Shard != [2]int{2, 4} {
		t.Errorf("Shard = %v, want [2 4]", id.Shard)
	}
	if id.Intents != 513 {
		t.Errorf("Intents = %d, want 513", id.Intents)
	}
	if id.Presence == nil || id.Presence.Status != StatusOnline {
		t.Errorf("Presence = %+v, want online default", id.Presence)
	}
	if s.State() != StateAuthenticating {
		t.Errorf("State = %v, want %v", s.State(), StateAuthenticating)
	}

	tr.ready(1, "abc")
	pub.expect(t, "ready:2:false")
	if s.State() != StateReady {
		t.Errorf("State = %v, want %v", s.State(), StateReady)
	}
	if got := s.Session(); got.SessionID != "abc" || got.Sequence != 1 {
		t.Errorf("Session = %+v, want abc/1", got)
	}
}

func TestShard_ResumeAfterRecoverableClose(t *testing.T) {
	s, d, pub := startShard(t, testShardConfig(), NewGate(1, 0))

	tr := d.next(t)
	handshake(t, tr, pub, "abc")

	tr.dispatch(42, "MESSAGE_CREATE", `{"id":"9"}`)
	pub.expect(t, "dispatch:MESSAGE_CREATE")

	tr.serverClose(CloseUnknownError, "unknown error")
	pub.expect(t, "disconnect:0:4000")
	pub.expect(t, "reconnecting:0:1")

	tr2 := d.next(t)
	if want := "wss://resume.test?v=10&encoding=json"; tr2.url != want {
		t.Errorf("resume url = %q, want %q", tr2.url, want)
	}

	tr2.hello(45000)
	f := tr2.expectFrame(t, OpResume)
	var rd ResumeData
	if err := json.Unmarshal(f.Data, &rd); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if rd.SessionID != "abc" {
		t.Errorf("SessionID = %q, want %q", rd.SessionID, "abc")
	}
	if rd.Sequence != 42 {
		t.Errorf("Sequence = %d, want 42", rd.Sequence)
	}
	if s.State() != StateResuming {
		t.Errorf("State = %v, want %v", s.State(), StateResuming)
	}

	tr2.dispatch(43, EventResumed, `{}`)
	pub.expect(t, "ready:0:true")
	if s.State() != StateReady {
		t.Errorf("State = %v, want %v", s.State(), StateReady)
	}
}

func TestShard_FatalCloseStops(t *testing.T) {
	codes := []int{
		CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents,
	}
	for _, code := range codes {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			s, d, pub := startShard(t, testShardConfig(), NewGate(1, 0))

			tr := d.next(t)
			tr.hello(45000)
			tr.expectFrame(t, OpIdentify)
			tr.serverClose(code, "nope")

			select {
			case <-s.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("shard did not stop")
			}

			if s.State() != StateClosed {
				t.Errorf("State = %v, want %v", s.State(), StateClosed)
			}
			errs := pub.errors()
			if len(errs) != 1 {
				t.Fatalf("ShardError count = %d, want 1", len(errs))
			}
			var ce *CloseError
			if !errors.As(errs[0], &ce) || ce.Code != code || !ce.Fatal {
				t.Errorf("error = %v, want fatal CloseError %d", errs[0], code)
			}
			for _, e := range pub.drain() {
				if e == "reconnecting:0:1" {
					t.Error("fatal close must not reconnect")
				}
			}
			if n := d.dials(); n != 1 {
				t.Errorf("dials = %d, want 1", n)
			}
		})
	}
}

func TestShard_ReidentifyCloseDropsSession(t *testing.T) {
	s, d, pub := startShard(t, testShardConfig(), NewGate(1, 0))

	tr := d.next(t)
	handshake(t, tr, pub, "abc")
	tr.serverClose(CloseSessionTimedOut, "timed out")
	pub.expect(t, "reconnecting:0:1")

	if s.Session().Resumable() {
		t.Error("session should be cleared after 4009")
	}

	tr2 := d.next(t)
	if tr2.url != testShardConfig().URL {
		t.Errorf("dial url = %q, want base url", tr2.url)
	}
	tr2.hello(45000)
	tr2.expectFrame(t, OpIdentify)
}

func TestShard_DisconnectDuringBackoff(t *testing.T) {
	cfg := testShardConfig()
	cfg.Backoff = BackoffConfig{BaseDelay: time.Hour, MaxDelay: time.Hour}
	s, d, pub := startShard(t, cfg, NewGate(1, 0))

	tr := d.next(t)
	handshake(t, tr, pub, "abc")
	tr.serverClose(CloseUnknownError, "")
	pub.expect(t, "reconnecting:0:1")

	stopped := make(chan struct{})
	go func() {
		s.Disconnect()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return during backoff")
	}

	if s.State() != StateClosed {
		t.Errorf("State = %v, want %v", s.State(), StateClosed)
	}
	if n := d.dials(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if len(pub.errors()) != 0 {
		t.Errorf("unexpected ShardError: %v", pub.errors())
	}
}

func TestShard_DisconnectWhileReady(t *testing.T) {
	s, d, pub := startShard(t, testShardConfig(), NewGate(1, 0))

	tr := d.next(t)
	handshake(t, tr, pub, "abc")

	s.Disconnect()
	info := tr.waitClosed(t)
	if info.Code != CloseNormal {
		t.Errorf("close code = %d, want %d", info.Code, CloseNormal)
	}
	pub.expect(t, "disconnect:0:1000")
	if s.State() != StateClosed {
		t.Errorf("State = %v, want %v", s.State(), StateClosed)
	}

	// A second call is a no-op.
	s.Disconnect()
}

func TestShard_DisconnectBeforeConnect(t *testing.T) {
	s := NewShard(testShardConfig(), NewGate(1, 0), newFakeDialer(), newRecordingPublisher(),
		WithLogger(discardLogger()))
	s.Disconnect()
	if s.State() != StateClosed {
		t.Errorf("State = %v, want %v", s.State(), StateClosed)
	}
}

func TestShard_RepeatedHelloIgnored(t *testing.T) {
	gate := NewGate(1, 40*time.Millisecond)
	s, d, pub := startShard(t, testShardConfig(), gate)

	tr := d.next(t)
	tr.hello(45000)
	tr.expectFrame(t, OpIdentify)
	tr.hello(45000)
	tr.ready(1, "abc")
	pub.expect(t, "ready:0:false")

	// Longer than the gate cool-down, so a second admission would have
	// produced another identify by now.
	tr.expectNoFrame(t, 150*time.Millisecond)
	if s.State() != StateReady {
		t.Errorf("State = %v, want %v", s.State(), StateReady)
	}
	if got := gate.InFlight(); got != 0 {
		t.Errorf("gate InFlight = %d, want 0", got)
	}
}

func TestShard_ZombieReconnects(t *testing.T) {
	s, d, pub := startShard(t, testShardConfig(), NewGate(1, 0))

	tr := d.next(t)
	tr.hello(20)

	info := tr.waitClosed(t)
	if info.Code != CloseResumable {
		t.Errorf("close code = %d, want %d", info.Code, CloseResumable)
	}
	pub.expect(t, "reconnecting:0:1")

	tr2 := d.next(t)
	tr2.hello(45000)
	tr2.expectFrame(t, OpIdentify)
	if s.State() != StateAuthenticating {
		t.Errorf("State = %v, want %v", s.State(), StateAuthenticating)
	}
}

func TestShard_HeartbeatCarriesSequence(t *testing.T) {
	_, d, pub := startShard(t, testShardConfig(), NewGate(1, 0))

	tr := d.next(t)
	tr.hello(100)
	tr.expectFrame(t, OpIdentify)
	tr.ready(7, "abc")
	pub.expect(t, "ready:0:false")

	// A beat sent before READY carries no sequence yet.
	f := tr.expectFrame(t, OpHeartbeat)
	if string(f.Data) == "null" {
		tr.pushFrame(OpHeartbeatAck, nil, "", "")
		f = tr.expectFrame(t, OpHeartbeat)
	}
	if string(f.Data) != "7" {
		t.Errorf("heartbeat data = %s, want 7", f.Data)
	}
	tr.pushFrame(OpHeartbeatAck, nil, "", "")

	// Server-requested beat is answered immediately.
	tr.pushFrame(OpHeartbeat, nil, "", "")
	f = tr.expectFrame(t, OpHeartbeat)
	if string(f.Data) != "7" {
		t.Errorf("heartbeat data = %s, want 7", f.Data)
	}
}

func TestShard_ServerReconnectResumes(t *testing.T) {
	_, d, pub := startShard(t, testShardConfig(), NewGate(1, 0))

	tr := d.next(t)
	handshake(t, tr, pub, "abc")
	tr.pushFrame(OpReconnect, nil, "", "")

	if info := tr.waitClosed(t); info.Code != CloseResumable {
		t.Errorf("close code = %d, want %d", info.Code, CloseResumable)
	}

	tr2 := d.next(t)
	tr2.hello(45000)
	tr2.expectFrame(t, OpResume)
}

func TestShard_InvalidSession(t *testing.T) {
	tests := []struct {
		name      string
		resumable string
		want      Opcode
	}{
		{"resumable", "true", OpResume},
		{"not resumable", "false", OpIdentify},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, d, pub := startShard(t, testShardConfig(), NewGate(1, 0))

			tr := d.next(t)
			handshake(t, tr, pub, "abc")
			tr.pushFrame(OpInvalidSession, nil, "", tt.resumable)
			tr.waitClosed(t)

			tr2 := d.next(t)
			tr2.hello(45000)
			tr2.expectFrame(t, tt.want)
		})
	}
}

func TestShard_PresenceResentAfterReconnect(t *testing.T) {
	s, d, pub := startShard(t, testShardConfig(), NewGate(1, 0))

	tr := d.next(t)
	handshake(t, tr, pub, "abc")
	tr.expectNoFrame(t, 30*time.Millisecond)

	spec := PresenceSpec{
		Status:     StatusIdle,
		Activities: []Activity{{Name: "shards", Type: ActivityWatching}},
	}
	s.UpdatePresence(spec)

	f := tr.expectFrame(t, OpPresenceUpdate)
	var pu PresenceUpdate
	if err := json.Unmarshal(f.Data, &pu); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if pu.Status != StatusIdle || len(pu.Activities) != 1 || pu.Activities[0].Name != "shards" {
		t.Errorf("presence = %+v, want idle/shards", pu)
	}

	tr.serverClose(CloseUnknownError, "")
	tr2 := d.next(t)
	tr2.hello(45000)
	tr2.expectFrame(t, OpResume)
	tr2.dispatch(2, EventResumed, `{}`)

	f = tr2.expectFrame(t, OpPresenceUpdate)
	if err := json.Unmarshal(f.Data, &pu); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if pu.Status != StatusIdle {
		t.Errorf("Status = %q, want %q", pu.Status, StatusIdle)
	}
}

func TestShard_PresenceBeforeConnectGoesInIdentify(t *testing.T) {
	d := newFakeDialer()
	pub := newRecordingPublisher()
	s := NewShard(testShardConfig(), NewGate(1, 0), d, pub, WithLogger(discardLogger()))
	t.Cleanup(s.Disconnect)

	s.UpdatePresence(PresenceSpec{Status: StatusDoNotDisturb})
	s.Connect(context.Background())

	tr := d.next(t)
	id := handshake(t, tr, pub, "abc")
	if id.Presence == nil || id.Presence.Status != StatusDoNotDisturb {
		t.Errorf("identify presence = %+v, want dnd", id.Presence)
	}
	tr.expectNoFrame(t, 30*time.Millisecond)
}

func TestShard_UpdatePresenceIsolatedFromCaller(t *testing.T) {
	s := NewShard(testShardConfig(), NewGate(1, 0), newFakeDialer(), newRecordingPublisher(),
		WithLogger(discardLogger()))

	acts := []Activity{{Name: "a"}}
	s.UpdatePresence(PresenceSpec{Activities: acts})
	acts[0].Name = "mutated"

	if got := s.Presence().Activities[0].Name; got != "a" {
		t.Errorf("stored activity = %q, want %q", got, "a")
	}
}

func TestShard_DecodeBurstReconnects(t *testing.T) {
	cfg := testShardConfig()
	cfg.DecodeErrorBurst = 2
	cfg.DecodeErrorWindow = time.Minute
	_, d, pub := startShard(t, cfg, NewGate(1, 0))

	tr := d.next(t)
	handshake(t, tr, pub, "abc")

	// Isolated garbage is absorbed.
	tr.push(Message{Data: []byte("{nope")})
	tr.dispatch(2, "TYPING_START", `{}`)
	pub.expect(t, "dispatch:TYPING_START")

	tr.push(Message{Data: []byte("{nope")})
	tr.push(Message{Data: []byte("{nope")})
	if info := tr.waitClosed(t); info.Code != CloseResumable {
		t.Errorf("close code = %d, want %d", info.Code, CloseResumable)
	}

	tr2 := d.next(t)
	tr2.hello(45000)
	tr2.expectFrame(t, OpResume)
}

func TestShard_MaxAttempts(t *testing.T) {
	cfg := testShardConfig()
	cfg.Backoff.MaxAttempts = 2
	d := newFakeDialer()
	d.setFail(errDialRefused)
	pub := newRecordingPublisher()

	s := NewShard(cfg, NewGate(1, 0), d, pub, WithLogger(discardLogger()))
	s.Connect(context.Background())
	t.Cleanup(s.Disconnect)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shard did not give up")
	}

	errs := pub.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrRetriesExhausted) {
		t.Errorf("errors = %v, want one ErrRetriesExhausted", errs)
	}
	if n := d.dials(); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
	// Dial failures never had a connection, so no disconnect events.
	if got := pub.drain(); slices.Contains(got, "disconnect:0:0") {
		t.Errorf("events = %v, want no disconnect", got)
	}
}

func TestShard_ConnectIsIdempotent(t *testing.T) {
	s, d, _ := startShard(t, testShardConfig(), NewGate(1, 0))
	d.next(t)

	s.Connect(context.Background())
	time.Sleep(20 * time.Millisecond)
	if n := d.dials(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestResumeTarget(t *testing.T) {
	tests := []struct {
		resume, base, want string
	}{
		{"wss://r.test", "wss://g.test/?v=10&encoding=json", "wss://r.test?v=10&encoding=json"},
		{"wss://r.test/?v=9", "wss://g.test/?v=10", "wss://r.test/?v=9"},
		{"::bad", "wss://g.test/?v=10", "wss://g.test/?v=10"},
	}
	for _, tt := range tests {
		if got := resumeTarget(tt.resume, tt.base); got != tt.want {
			t.Errorf("resumeTarget(%q, %q) = %q, want %q", tt.resume, tt.base, got, tt.want)
		}
	}
}
