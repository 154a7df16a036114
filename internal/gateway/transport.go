package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message is one inbound transport message.
type Message struct {
	Data       []byte
	Binary     bool
	ReceivedAt time.Time
}

// CloseInfo describes how a transport ended. Code is 0 when the connection
// dropped without a close frame.
type CloseInfo struct {
	Code   int
	Reason string
	Err    error
}

// Transport is one streaming connection to the gateway.
type Transport interface {
	// Send writes one text message.
	Send(data []byte) error

	// Messages is closed when the connection ends; CloseInfo is valid after.
	Messages() <-chan Message

	// CloseInfo reports why the connection ended.
	CloseInfo() CloseInfo

	// Close sends a close frame with code and tears the connection down.
	Close(code int, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WSDialer dials gateway websockets.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
	Header           http.Header
	Logger           *slog.Logger
}

// DefaultWSDialer returns a dialer with sensible defaults.
func DefaultWSDialer(logger *slog.Logger) *WSDialer {
	return &WSDialer{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
		Logger:           logger,
	}
}

// Dial connects to url.
func (d *WSDialer) Dial(ctx context.Context, url string) (Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}

	bufferSize := d.BufferSize
	if bufferSize < 1 {
		bufferSize = 1
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	t := &wsTransport{
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		messages:     make(chan Message, bufferSize),
		closing:      make(chan struct{}),
	}
	go t.readLoop()

	logger.Debug("websocket connected", "url", url)
	return t, nil
}

// wsTransport implements Transport over gorilla/websocket.
type wsTransport struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	messages chan Message

	// Write serialization
	writeMu sync.Mutex

	mu        sync.Mutex
	info      CloseInfo
	closing   chan struct{}
	closeOnce sync.Once
}

func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.closing:
		return ErrNotConnected
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Messages() <-chan Message {
	return t.messages
}

func (t *wsTransport) CloseInfo() CloseInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.setInfo(CloseInfo{Code: code, Reason: reason, Err: ErrTransportShutdown})
		close(t.closing)

		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}

// setInfo keeps the first recorded close reason.
func (t *wsTransport) setInfo(info CloseInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.info.Err == nil && t.info.Code == 0 {
		t.info = info
	}
}

// readLoop forwards inbound messages until the connection fails or closes.
func (t *wsTransport) readLoop() {
	defer close(t.messages)

	for {
		kind, data, err := t.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				t.setInfo(CloseInfo{Code: ce.Code, Reason: ce.Text, Err: err})
			} else {
				t.setInfo(CloseInfo{Err: err})
			}
			t.closeOnce.Do(func() {
				close(t.closing)
				t.conn.Close()
			})
			return
		}

		msg := Message{
			Data:       data,
			Binary:     kind == websocket.BinaryMessage,
			ReceivedAt: receivedAt,
		}

		select {
		case t.messages <- msg:
		case <-t.closing:
			return
		}
	}
}
