package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrZombieConnection  = errors.New("connection zombied (no heartbeat ack)")
	ErrHelloTimeout      = errors.New("hello not received in time")
	ErrDecodeBurst       = errors.New("too many malformed frames")
	ErrRetriesExhausted  = errors.New("reconnect attempts exhausted")
	ErrInvalidShardID    = errors.New("invalid shard id")
	ErrDuplicateShardID  = errors.New("duplicate shard id")
	ErrManagerRunning    = errors.New("manager already running")
	ErrUnknownIntent     = errors.New("unknown intent")
	ErrServerReconnect   = errors.New("server requested reconnect")
	ErrInvalidSession    = errors.New("session invalidated by server")
	ErrTransportShutdown = errors.New("transport closed")
)

// Opcode identifies the kind of a gateway frame.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpPresenceUpdate Opcode = 3
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpPresenceUpdate:
		return "presence_update"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	}
	return fmt.Sprintf("opcode(%d)", int(o))
}

// Frame is a single gateway payload.
type Frame struct {
	Op       Opcode          `json:"op"`
	Data     json.RawMessage `json:"d"`
	Sequence *int64          `json:"s,omitempty"`
	Event    string          `json:"t,omitempty"`
}

// outboundFrame is a frame written by the client.
type outboundFrame struct {
	Op   Opcode `json:"op"`
	Data any    `json:"d"`
}

// Dispatch event names the core reacts to.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// Close codes sent by the client itself.
const (
	CloseNormal = 1000
	// CloseResumable is used for client-initiated closes that must keep the
	// session resumable (server treats 1000/1001 as session end).
	CloseResumable = 4900
)

// Close codes sent by the server.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSequence      = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// HelloData is the payload of a Hello frame.
type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// User is the account the session is authenticated as.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator,omitempty"`
	GlobalName    string `json:"global_name,omitempty"`
	Bot           bool   `json:"bot,omitempty"`
}

// UnavailableGuild is a guild stub delivered in READY.
type UnavailableGuild struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

// ReadyData is the payload of the READY dispatch.
type ReadyData struct {
	Version          int                `json:"v"`
	User             User               `json:"user"`
	Guilds           []UnavailableGuild `json:"guilds"`
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	Shard            []int              `json:"shard,omitempty"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os" yaml:"os"`
	Browser string `json:"browser" yaml:"browser"`
	Device  string `json:"device" yaml:"device"`
}

// IdentifyData is the payload of an Identify frame.
type IdentifyData struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard"`
	Presence       *PresenceUpdate    `json:"presence,omitempty"`
	Intents        int                `json:"intents"`
}

// ResumeData is the payload of a Resume frame.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// Status is a presence status.
type Status string

const (
	StatusOnline       Status = "online"
	StatusIdle         Status = "idle"
	StatusDoNotDisturb Status = "dnd"
	StatusInvisible    Status = "invisible"
	StatusOffline      Status = "offline"
)

// ActivityType classifies an activity.
type ActivityType int

const (
	ActivityPlaying   ActivityType = 0
	ActivityStreaming ActivityType = 1
	ActivityListening ActivityType = 2
	ActivityWatching  ActivityType = 3
	ActivityCustom    ActivityType = 4
	ActivityCompeting ActivityType = 5
)

// Activity is one entry of a presence.
type Activity struct {
	Name  string       `json:"name" yaml:"name"`
	Type  ActivityType `json:"type" yaml:"type"`
	URL   string       `json:"url,omitempty" yaml:"url"`
	State string       `json:"state,omitempty" yaml:"state"`
}

// PresenceSpec is an immutable presence snapshot.
type PresenceSpec struct {
	Activities []Activity `yaml:"activities"`
	Status     Status     `yaml:"status"`
}

// Clone returns a deep copy so callers cannot mutate a stored spec.
func (p PresenceSpec) Clone() PresenceSpec {
	out := PresenceSpec{Status: p.Status}
	if len(p.Activities) > 0 {
		out.Activities = append([]Activity(nil), p.Activities...)
	}
	return out
}

// PresenceUpdate is the wire payload of a PresenceUpdate frame.
type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     Status     `json:"status"`
	AFK        bool       `json:"afk"`
}

func (p PresenceSpec) wire() *PresenceUpdate {
	status := p.Status
	if status == "" {
		status = StatusOnline
	}
	activities := p.Activities
	if activities == nil {
		activities = []Activity{}
	}
	return &PresenceUpdate{Activities: activities, Status: status}
}

// SessionState is the resumable state of a shard's session.
type SessionState struct {
	SessionID   string
	Sequence    int64
	HasSequence bool
	ResumeURL   string
}

// Resumable reports whether both session id and sequence are known.
func (s SessionState) Resumable() bool {
	return s.SessionID != "" && s.HasSequence
}

// HeartbeatWindow is a snapshot of a shard's heartbeat state.
type HeartbeatWindow struct {
	Interval   time.Duration
	LastSentAt time.Time
	AckPending bool
}

// CloseError describes why a shard connection ended.
type CloseError struct {
	Code   int
	Reason string
	Fatal  bool
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gateway closed %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("gateway closed %d", e.Code)
}

// DecodeError reports a malformed inbound frame.
type DecodeError struct {
	Err  error
	Size int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
