// Package remote carries bus events over a websocket so agents that do not
// share the server's process can subscribe to them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/bus"
	"github.com/eldtechnologies/agentrelay/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // agents connect from anywhere
	},
}

// Envelope is the wire frame for one event.
type Envelope struct {
	Kind    string              `json:"kind"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// Encode wraps ev in an envelope.
func Encode(ev bus.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: ev.Kind().String(), Payload: payload})
}

// Decode parses an envelope back into a typed event.
func Decode(data []byte) (bus.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	kind, ok := bus.ParseKind(env.Kind)
	if !ok {
		return nil, fmt.Errorf("decode envelope: unknown kind %q", env.Kind)
	}

	var (
		ev  bus.Event
		err error
	)
	switch kind {
	case bus.KindNewMessage:
		var p bus.NewMessage
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case bus.KindMessageDeleted:
		var p bus.MessageDeleted
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case bus.KindChannelCleared:
		var p bus.ChannelCleared
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case bus.KindServerAgentUpdate:
		var p bus.ServerAgentUpdate
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return ev, nil
}

// safeConn serializes writes; gorilla connections allow one concurrent writer.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *safeConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteMessage(messageType, data)
}

// Handler streams every event published on b to each websocket client.
func Handler(b *bus.Bus, logger zerolog.Logger) http.Handler {
	logger = logger.With().Str("component", "remote").Logger()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		conn := &safeConn{Conn: raw}
		connID := ulid.Make().String()
		log := logger.With().Str("conn", connID).Str("remote_addr", r.RemoteAddr).Logger()

		metrics.RemoteConnections.Inc()
		defer metrics.RemoteConnections.Dec()
		log.Info().Msg("bus client connected")

		closed := make(chan struct{})
		var once sync.Once
		shutdown := func() { once.Do(func() { close(closed) }) }

		forward := func(_ context.Context, ev bus.Event) error {
			data, err := Encode(ev)
			if err != nil {
				return err
			}
			if err := conn.write(websocket.TextMessage, data); err != nil {
				shutdown()
				return fmt.Errorf("forward to %s: %w", connID, err)
			}
			return nil
		}

		subs := make([]*bus.Subscription, 0, len(bus.Kinds))
		for _, k := range bus.Kinds {
			subs = append(subs, b.Subscribe(k, forward))
		}

		go readPump(conn, shutdown)

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

	loop:
		for {
			select {
			case <-closed:
				break loop
			case <-r.Context().Done():
				break loop
			case <-ticker.C:
				if err := conn.write(websocket.PingMessage, nil); err != nil {
					break loop
				}
			}
		}

		conn.Close()
		for _, s := range subs {
			s.Unsubscribe()
		}
		log.Info().Msg("bus client disconnected")
	})
}

// readPump discards client frames and keeps the pong deadline fresh.
func readPump(conn *safeConn, done func()) {
	defer done()
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Dial connects to a Handler at url and republishes every received event on
// local until ctx is done or the connection drops.
func Dial(ctx context.Context, url string, local *bus.Bus, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "remote").Str("url", url).Logger()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	defer conn.Close()
	logger.Info().Msg("connected to remote bus")

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read bus: %w", err)
		}

		ev, err := Decode(data)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed event")
			continue
		}
		if err := local.Publish(ctx, ev); err != nil {
			if errors.Is(err, bus.ErrClosed) {
				return err
			}
			logger.Warn().Err(err).Str("kind", ev.Kind().String()).Msg("republish failed")
		}
	}
}

// Backoff for Follow. Starts at initialBackoff and doubles on each
// consecutive failure, capped at maxBackoff.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Follow keeps a Dial connection up until ctx is done, reconnecting with
// exponential backoff. Events published while disconnected are lost.
func Follow(ctx context.Context, url string, local *bus.Bus, logger zerolog.Logger) error {
	backoff := initialBackoff
	for {
		start := time.Now()
		err := Dial(ctx, url, local, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, bus.ErrClosed) {
			return err
		}
		// A connection that lived a while earns a fresh backoff.
		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}

		logger.Warn().Err(err).Dur("backoff", backoff).Str("url", url).Msg("remote bus disconnected, will retry")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// EventsURL turns a central API base URL into its websocket bus endpoint.
func EventsURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/messaging/events"
}
