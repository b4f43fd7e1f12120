package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConfig configures a graphql-ws websocket transport.
type WebsocketConfig struct {
	URL              string        // Websocket URL (e.g., wss://streaming.bitquery.io/eap)
	Token            string        // Appended as the token query parameter when set
	Headers          http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Dial + upgrade timeout
	AckTimeout       time.Duration // Max wait for connection_ack
	WriteTimeout     time.Duration // Write deadline for sends
	ReadTimeout      time.Duration // Max silence before the connection is stale (0 = never)
	BufferSize       int           // Frame channel buffer size
	Decoder          Decoder       // Data decoder (default DecodeTradingTokens)
}

// DefaultWebsocketConfig returns sensible defaults.
func DefaultWebsocketConfig() WebsocketConfig {
	return WebsocketConfig{
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		BufferSize:       1000,
		Decoder:          DecodeTradingTokens,
	}
}

// frame is a protocol message with its local receive timestamp, or the read
// error that ended the connection.
type frame struct {
	message
	receivedAt time.Time
	err        error
}

// websocketTransport implements Transport over gorilla/websocket.
type websocketTransport struct {
	cfg    WebsocketConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output of readLoop, in read order
	frames chan frame
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool

	nextID atomic.Int64
}

// NewWebsocket creates an unconnected graphql-ws transport.
func NewWebsocket(cfg WebsocketConfig, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Decoder == nil {
		cfg.Decoder = DecodeTradingTokens
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}

	return &websocketTransport{
		cfg:    cfg,
		logger: logger,
		frames: make(chan frame, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Connect dials the upstream and waits for connection_ack.
func (t *websocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnect, ErrClosed)
	}
	t.mu.Unlock()

	target, err := t.target()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
		Proxy:            http.ProxyFromEnvironment,
	}

	header := t.cfg.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Sec-WebSocket-Protocol")

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial: %w (status %d)", ErrConnect, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial: %w", ErrConnect, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: %w", ErrConnect, ErrClosed)
	}
	t.conn = conn
	t.mu.Unlock()

	if err := t.handshake(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	go t.readLoop()

	t.logger.Debug("websocket connected", "url", t.cfg.URL)
	return nil
}

// handshake sends connection_init and reads until connection_ack.
func (t *websocketTransport) handshake(ctx context.Context) error {
	// Unblock the read below if ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	hello, err := newMessage("", msgConnectionInit, map[string]any{})
	if err != nil {
		return err
	}
	if err := t.write(hello); err != nil {
		return fmt.Errorf("send connection_init: %w", err)
	}

	if t.cfg.AckTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.cfg.AckTimeout))
	}

	for {
		var msg message
		if err := t.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("await connection_ack: %w", err)
		}

		switch msg.Type {
		case msgConnectionAck:
			t.conn.SetReadDeadline(time.Time{})
			return nil
		case msgConnectionError:
			return fmt.Errorf("connection rejected: %s", payloadError(msg.Payload))
		case msgKeepAlive:
		default:
			t.logger.Debug("unexpected frame before ack", "type", msg.Type)
		}
	}
}

// Subscribe starts the subscription and yields decoded batches.
func (t *websocketTransport) Subscribe(ctx context.Context, sub Subscription) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		if t.conn == nil {
			yield(Batch{}, fmt.Errorf("%w: not connected", ErrSubscribe))
			return
		}

		id := strconv.FormatInt(t.nextID.Add(1), 10)

		start, err := newMessage(id, msgStart, sub)
		if err != nil {
			yield(Batch{}, fmt.Errorf("%w: %w", ErrSubscribe, err))
			return
		}
		if err := t.write(start); err != nil {
			yield(Batch{}, fmt.Errorf("%w: send start: %w", ErrSubscribe, err))
			return
		}
		defer t.stop(id)

		for {
			select {
			case <-ctx.Done():
				yield(Batch{}, ctx.Err())
				return

			case <-t.done:
				yield(Batch{}, fmt.Errorf("%w: %w", ErrSubscribe, ErrClosed))
				return

			case f := <-t.frames:
				if f.err != nil {
					yield(Batch{}, fmt.Errorf("%w: %w", ErrSubscribe, f.err))
					return
				}
				if f.ID != "" && f.ID != id {
					continue
				}

				switch f.Type {
				case msgData:
					batch, err := t.decode(f)
					if err != nil {
						yield(Batch{}, fmt.Errorf("%w: %w", ErrSubscribe, err))
						return
					}
					if !yield(batch, nil) {
						return
					}

				case msgError, msgConnectionError:
					yield(Batch{}, fmt.Errorf("%w: server error: %s", ErrSubscribe, payloadError(f.Payload)))
					return

				case msgComplete:
					t.logger.Debug("subscription completed by server", "id", id)
					return

				case msgKeepAlive, msgConnectionAck:

				default:
					t.logger.Debug("ignoring frame", "type", f.Type)
				}
			}
		}
	}
}

// decode validates a data frame and converts it into a Batch.
func (t *websocketTransport) decode(f frame) (Batch, error) {
	var payload dataPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return Batch{}, fmt.Errorf("decode data payload: %w", err)
	}

	if len(payload.Errors) > 0 && isNull(payload.Data) {
		return Batch{}, fmt.Errorf("graphql error: %s", joinGraphQLErrors(payload.Errors))
	}
	if len(payload.Errors) > 0 {
		t.logger.Warn("partial graphql result", "errors", joinGraphQLErrors(payload.Errors))
	}

	records, err := t.cfg.Decoder(payload.Data)
	if err != nil {
		return Batch{}, err
	}

	return Batch{ReceivedAt: f.receivedAt, Records: records}, nil
}

// Close terminates the session and the connection. Idempotent.
func (t *websocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	close(t.done)

	if conn == nil {
		return nil
	}

	if term, err := newMessage("", msgConnectionTerminate, nil); err == nil {
		t.write(term)
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err := conn.Close(); err != nil {
		t.logger.Debug("websocket close", "error", err)
	}

	return nil
}

// readLoop reads frames until the connection fails or is closed.
func (t *websocketTransport) readLoop() {
	for {
		if t.cfg.ReadTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		}

		_, data, err := t.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				err = fmt.Errorf("connection stale: no frame for %v", t.cfg.ReadTimeout)
			}
			// Dropped after Close() is called
			select {
			case t.frames <- frame{err: err}:
			case <-t.done:
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("malformed frame", "error", err, "size", len(data))
			continue
		}

		select {
		case t.frames <- frame{message: msg, receivedAt: receivedAt}:
		case <-t.done:
			return
		}
	}
}

// stop asks the server to end subscription id. Best effort.
func (t *websocketTransport) stop(id string) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	msg, err := newMessage(id, msgStop, nil)
	if err != nil {
		return
	}
	if err := t.write(msg); err != nil {
		t.logger.Debug("failed to send stop", "id", id, "error", err)
	}
}

// write sends one frame with the configured deadline.
func (t *websocketTransport) write(msg message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return t.conn.WriteJSON(msg)
}

// target returns the dial URL with the token query parameter applied.
func (t *websocketTransport) target() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if t.cfg.Token != "" {
		q := u.Query()
		q.Set("token", t.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func isNull(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}
