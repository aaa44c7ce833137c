// Package broker implements the match-event broker: a websocket endpoint
// speaking the matchfeed frame protocol, a topic hub, the match-event
// application semantics, and a small REST surface for match setup. It
// doubles as the test fixture for the client and as a runnable dev broker.
package broker

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/matchday-planner/matchfeed/protocol"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed between reads before the peer is considered gone.
	// Clients heartbeat every few seconds, so this is generous.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The broker fronts trusted operator tools only.
		return true
	},
}

// conn is one websocket peer: its send queue, its subscriptions, and
// whether it has completed the CONNECT handshake.
type conn struct {
	b    *Broker
	ws   *websocket.Conn
	send chan protocol.Frame

	id        string
	connected bool
	subs      map[string]string // subscription id → destination
	errorSub  string            // subscription id bound to the private error queue
}

// Broker routes frames between connections and applies match-event
// semantics to SEND destinations.
type Broker struct {
	log     zerolog.Logger
	matches *MatchBook

	// RequireToken, when non-empty, rejects CONNECT frames that do not
	// present the same bearer token.
	requireToken string

	mu     sync.Mutex
	conns  map[*conn]bool
	topics map[string]map[*conn]string // destination → conn → subscription id
}

// New creates a Broker. requireToken may be empty to accept anonymous
// connections.
func New(logger zerolog.Logger, requireToken string) *Broker {
	b := &Broker{
		log:          logger.With().Str("component", "broker").Logger(),
		matches:      NewMatchBook(),
		requireToken: requireToken,
		conns:        make(map[*conn]bool),
		topics:       make(map[string]map[*conn]string),
	}
	return b
}

// Matches exposes the match book, primarily for the REST handlers.
func (b *Broker) Matches() *MatchBook { return b.matches }

// ServeWS upgrades an HTTP request and runs the connection's pumps.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		b:    b,
		ws:   ws,
		send: make(chan protocol.Frame, 64),
		id:   uuid.NewString(),
		subs: make(map[string]string),
	}

	b.mu.Lock()
	b.conns[c] = true
	b.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// Publish broadcasts payload as a MESSAGE frame to every subscriber of
// topic. It is also the test hook for injecting arbitrary frames.
func (b *Broker) Publish(topic string, payload interface{}) {
	b.mu.Lock()
	subscribers := make(map[*conn]string, len(b.topics[topic]))
	for c, subID := range b.topics[topic] {
		subscribers[c] = subID
	}
	b.mu.Unlock()

	for c, subID := range subscribers {
		f, err := protocol.NewMessage(subID, topic, payload)
		if err != nil {
			b.log.Error().Err(err).Str("topic", topic).Msg("encode broadcast failed")
			return
		}
		c.deliver(f)
	}
}

// Subscribers reports how many connections are bound to a topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// errorTo sends an ApiResponse to one connection's private error queue.
// Connections that never subscribed the queue simply miss the message.
func (b *Broker) errorTo(c *conn, resp protocol.ApiResponse) {
	b.mu.Lock()
	subID := c.errorSub
	b.mu.Unlock()
	if subID == "" {
		return
	}
	f, err := protocol.NewMessage(subID, protocol.ErrorQueue, resp)
	if err != nil {
		b.log.Error().Err(err).Msg("encode error response failed")
		return
	}
	c.deliver(f)
}

func (b *Broker) unregister(c *conn) {
	b.mu.Lock()
	if !b.conns[c] {
		b.mu.Unlock()
		return
	}
	delete(b.conns, c)
	for _, dest := range c.subs {
		if members, ok := b.topics[dest]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(b.topics, dest)
			}
		}
	}
	b.mu.Unlock()
	close(c.send)
	b.log.Debug().Str("conn", c.id).Msg("connection unregistered")
}

// handleFrame applies one validated client frame.
func (b *Broker) handleFrame(c *conn, f *protocol.Frame) {
	if f.Command == protocol.CmdConnect {
		b.handleConnect(c, f)
		return
	}

	if !c.connected {
		c.protocolError("not connected: CONNECT first")
		return
	}

	switch f.Command {
	case protocol.CmdSubscribe:
		b.subscribe(c, f.ID, f.Destination)
	case protocol.CmdUnsubscribe:
		b.unsubscribe(c, f.ID)
	case protocol.CmdSend:
		b.routeSend(c, f)
	}
}

func (b *Broker) handleConnect(c *conn, f *protocol.Frame) {
	if c.connected {
		c.protocolError("already connected")
		return
	}
	if b.requireToken != "" && f.Token != b.requireToken {
		c.protocolError("invalid token")
		return
	}
	c.connected = true
	c.deliver(protocol.Frame{Command: protocol.CmdConnected, SessionID: c.id})
	b.log.Info().Str("conn", c.id).Msg("client connected")
}

func (b *Broker) subscribe(c *conn, subID, destination string) {
	b.mu.Lock()
	if _, dup := c.subs[subID]; dup {
		b.mu.Unlock()
		c.protocolError("duplicate subscription id: " + subID)
		return
	}
	c.subs[subID] = destination
	if destination == protocol.ErrorQueue {
		c.errorSub = subID
	} else {
		if b.topics[destination] == nil {
			b.topics[destination] = make(map[*conn]string)
		}
		b.topics[destination][c] = subID
	}
	b.mu.Unlock()
	b.log.Debug().Str("conn", c.id).Str("destination", destination).Msg("subscribed")
}

func (b *Broker) unsubscribe(c *conn, subID string) {
	b.mu.Lock()
	dest, ok := c.subs[subID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(c.subs, subID)
	if dest == protocol.ErrorQueue {
		if c.errorSub == subID {
			c.errorSub = ""
		}
	} else if members, exists := b.topics[dest]; exists {
		delete(members, c)
		if len(members) == 0 {
			delete(b.topics, dest)
		}
	}
	b.mu.Unlock()
	b.log.Debug().Str("conn", c.id).Str("destination", dest).Msg("unsubscribed")
}

// readPump reads frames from the peer until the connection dies.
func (c *conn) readPump() {
	defer func() {
		c.b.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.ws.SetPingHandler(func(appData string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := protocol.ParseClientFrame(data)
		if err != nil {
			c.protocolError(err.Error())
			continue
		}
		c.b.handleFrame(c, f)
	}
}

// writePump drains the send queue and keeps the peer alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver enqueues a frame, dropping it if the peer cannot keep up.
func (c *conn) deliver(f protocol.Frame) {
	defer func() {
		// Losing a race with unregister closes the channel under us;
		// the frame is lost along with the connection.
		_ = recover()
	}()
	select {
	case c.send <- f:
	default:
		c.b.log.Warn().Str("conn", c.id).Msg("send queue full, dropping frame")
	}
}

// protocolError reports a frame-level violation on the connection itself,
// as opposed to business rejections which go to the error queue.
func (c *conn) protocolError(msg string) {
	c.deliver(protocol.Frame{Command: protocol.CmdError, Message: msg})
}
