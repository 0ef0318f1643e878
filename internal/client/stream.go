package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/logger"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Frame is one event as received from the stream. Payload is left encoded;
// its shape depends on Type.
type Frame struct {
	Seq       uint64          `json:"seq"`
	Type      eventbus.Type   `json:"type"`
	RunID     string          `json:"runId"`
	EntityID  string          `json:"entityId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	return sonic.Unmarshal(f.Payload, v)
}

// StreamOptions tune an event stream.
type StreamOptions struct {
	// RunID restricts the stream to one run.
	RunID     string
	Reconnect eventbus.ReconnectConfig
}

// Stream is a reconnecting subscription to the server's event stream.
type Stream struct {
	*eventbus.Reconnector

	mu     sync.Mutex
	frames uint64
}

// Stream opens the event stream and calls handle for every frame, in the
// order the server sent them. The connection is re-established with
// exponential backoff after it breaks; opts.Reconnect.OnReconnect is the
// place to re-fetch state with Run.
func (c *Client) Stream(ctx context.Context, opts StreamOptions, handle func(Frame)) (*Stream, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if opts.RunID != "" {
		u.RawQuery = url.Values{"run": {opts.RunID}}.Encode()
	}
	target := u.String()

	s := &Stream{}
	dial := func(ctx context.Context) (eventbus.Session, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			return nil, err
		}
		return &wsSession{conn: conn, handle: func(f Frame) {
			s.mu.Lock()
			s.frames++
			s.mu.Unlock()
			handle(f)
		}}, nil
	}

	s.Reconnector = eventbus.NewReconnector(dial, opts.Reconnect)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Frames returns how many frames have been handled so far.
func (s *Stream) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

type wsSession struct {
	conn   *websocket.Conn
	handle func(Frame)
}

func (w *wsSession) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { w.conn.Close() })
	defer stop()

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var f Frame
		if err := sonic.Unmarshal(data, &f); err != nil {
			logger.Logger.Warn("undecodable event frame", "error", err)
			continue
		}
		w.handle(f)
	}
}

func (w *wsSession) Close() error {
	return w.conn.Close()
}
