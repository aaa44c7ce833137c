// Package client implements the realtime match-event synchronization
// client: one transport session to the broker, one event-topic binding per
// match, a command publisher, and the in-memory event ledger.
package client

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/matchday-planner/matchfeed/protocol"
)

// State is the observable connection state of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	defaultHeartbeat      = 4000 * time.Millisecond
	defaultReconnectDelay = 5000 * time.Millisecond

	// Time allowed to write a frame to the broker.
	writeWait = 10 * time.Second

	// Time allowed for the CONNECT/CONNECTED handshake to complete.
	handshakeWait = 10 * time.Second
)

// transportFailureMsg is the fixed user-facing message for socket and
// handshake failures that carry no frame detail.
const transportFailureMsg = "connection to the event broker failed"

var errHandshakeRejected = errors.New("broker rejected the handshake")

// Options configures a Session. Zero durations take the documented
// defaults: 4000 ms heartbeats each way, 5000 ms reconnect delay.
type Options struct {
	// Endpoint is the broker websocket URL. http(s) schemes are rewritten
	// to ws(s) so the same value can be shared with REST configuration.
	Endpoint string

	// Token is the optional bearer token merged into every outbound
	// command envelope and offered during the handshake.
	Token string

	// MatchID is the initial match binding. May be empty.
	MatchID string

	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	ReconnectDelay    time.Duration

	Logger zerolog.Logger
	Dialer *websocket.Dialer
}

// Session owns a single connection lifecycle to the broker: dial,
// handshake, heartbeats, topic bindings, and reconnection with a fixed
// delay until Close. At most one live connection exists per Session; a
// redial always tears down the previous connection first.
type Session struct {
	opts   Options
	log    zerolog.Logger
	ledger *Ledger
	retry  *backoff.Backoff

	mu       sync.Mutex
	state    State
	errMsg   string
	conn     *websocket.Conn
	matchID  string
	eventSub string
	errorSub string
	closed   bool

	onState func(State)
	onError func(string)
	onEvent func(protocol.MatchEvent)

	// writeMu serializes data-frame writes on the current conn. Control
	// frames (ping/pong) go through WriteControl, which is concurrency-safe
	// on its own.
	writeMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Session. Call Start to begin connecting.
func New(opts Options) *Session {
	if opts.HeartbeatOutgoing <= 0 {
		opts.HeartbeatOutgoing = defaultHeartbeat
	}
	if opts.HeartbeatIncoming <= 0 {
		opts.HeartbeatIncoming = defaultHeartbeat
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeWait}
	}

	return &Session{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "session").Logger(),
		ledger: NewLedger(),
		// Min == Max keeps the retry delay fixed; the broker is expected
		// back at the same address, there is nothing to back off from.
		retry: &backoff.Backoff{
			Min:    opts.ReconnectDelay,
			Max:    opts.ReconnectDelay,
			Factor: 1,
		},
		state:   StateDisconnected,
		matchID: opts.MatchID,
		done:    make(chan struct{}),
	}
}

// Ledger returns the session's event ledger.
func (s *Session) Ledger() *Ledger { return s.ledger }

// OnStateChange registers a callback invoked on every connection state
// transition. Register before Start.
func (s *Session) OnStateChange(fn func(State)) { s.onState = fn }

// OnErrorMessage registers a callback invoked whenever the displayed error
// message changes. An empty string means the error cleared.
func (s *Session) OnErrorMessage(fn func(string)) { s.onError = fn }

// OnEvent registers a callback invoked for every event appended to the
// ledger.
func (s *Session) OnEvent(fn func(protocol.MatchEvent)) { s.onEvent = fn }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorMessage returns the currently displayed error, empty when none.
func (s *Session) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// MatchID returns the currently bound match identifier.
func (s *Session) MatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchID
}

// Start launches the connection loop. It returns immediately; observe
// progress through OnStateChange.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close tears the session down: active bindings are released, the
// transport closed, and the state set to disconnected. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	eventSub, errorSub := s.eventSub, s.errorSub
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		// Best-effort unsubscribes; the broker drops the bindings on
		// close anyway.
		if eventSub != "" {
			_ = s.writeFrame(conn, protocol.Frame{Command: protocol.CmdUnsubscribe, ID: eventSub})
		}
		if errorSub != "" {
			_ = s.writeFrame(conn, protocol.Frame{Command: protocol.CmdUnsubscribe, ID: errorSub})
		}
		_ = conn.Close()
	}
	s.wg.Wait()
	s.setState(StateDisconnected)
	s.setErrorMessage("")
}

// SetMatch rebinds the event topic to a new match identifier. While
// connected the previous binding is released before the new one is
// created, so no window exists with two live event bindings. While
// disconnected only the stored identifier changes; the next successful
// connect binds it.
func (s *Session) SetMatch(matchID string) {
	s.mu.Lock()
	if matchID == s.matchID && s.eventSub != "" {
		s.mu.Unlock()
		return
	}
	s.matchID = matchID
	conn := s.conn
	old := s.eventSub
	if conn == nil || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	next := uuid.NewString()
	s.eventSub = next
	s.mu.Unlock()

	if old != "" {
		if err := s.writeFrame(conn, protocol.Frame{Command: protocol.CmdUnsubscribe, ID: old}); err != nil {
			s.log.Debug().Err(err).Str("sub", old).Msg("unsubscribe failed")
		}
	}
	if err := s.writeFrame(conn, protocol.Frame{
		Command:     protocol.CmdSubscribe,
		ID:          next,
		Destination: protocol.MatchTopic(matchID),
	}); err != nil {
		s.log.Debug().Err(err).Str("match_id", matchID).Msg("subscribe failed")
	}
}

// Publish sends an encoded command to the broker. When the session is not
// connected the command is silently dropped and Publish reports false; no
// frame is queued or sent.
func (s *Session) Publish(out Outbound) bool {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return false
	}

	f := protocol.Frame{Command: protocol.CmdSend, Destination: out.Destination, Body: out.Body}
	if err := s.writeFrame(conn, f); err != nil {
		s.log.Debug().Err(err).Str("destination", out.Destination).Msg("publish failed")
		return false
	}
	s.log.Debug().Str("destination", out.Destination).Str("kind", string(out.Kind)).Msg("published")
	return true
}

// run is the connection loop: dial, handshake, bind, read until failure,
// then retry after the fixed delay. Exits only on Close.
func (s *Session) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.setState(StateConnecting)

		conn, detail, err := s.connect()
		if err != nil {
			msg := transportFailureMsg
			if detail != "" {
				msg = detail
			}
			s.log.Warn().Err(err).Str("endpoint", s.opts.Endpoint).Msg("connect failed")
			s.setState(StateError)
			s.setErrorMessage(msg)
			if !s.sleep(s.retry.Duration()) {
				return
			}
			continue
		}

		// Close may have raced the dial; never attach after teardown.
		select {
		case <-s.done:
			_ = conn.Close()
			return
		default:
		}

		s.attach(conn)
		// Bind before announcing connected: a SetMatch racing the state
		// callback must never see a half-bound connection.
		s.bind(conn)
		s.setState(StateConnected)
		s.setErrorMessage("")

		pingDone := make(chan struct{})
		go s.pinger(conn, pingDone)

		err = s.readLoop(conn)
		close(pingDone)
		s.detach(conn)
		_ = conn.Close()

		select {
		case <-s.done:
			return
		default:
		}

		s.log.Warn().Err(err).Msg("connection lost")
		s.setState(StateError)
		s.setErrorMessage(transportFailureMsg)
		if !s.sleep(s.retry.Duration()) {
			return
		}
	}
}

// connect dials the endpoint and performs the CONNECT/CONNECTED handshake.
// On a broker ERROR frame the frame's detail is returned so it can be
// surfaced instead of the generic transport message.
func (s *Session) connect() (*websocket.Conn, string, error) {
	conn, _, err := s.opts.Dialer.Dial(wsEndpoint(s.opts.Endpoint), nil)
	if err != nil {
		return nil, "", err
	}

	hello := protocol.NewConnect(s.opts.Token, s.opts.HeartbeatOutgoing, s.opts.HeartbeatIncoming)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, "", err
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		_ = conn.Close()
		return nil, "", err
	}

	switch f.Command {
	case protocol.CmdConnected:
		return conn, "", nil
	case protocol.CmdError:
		_ = conn.Close()
		return nil, f.Message, errHandshakeRejected
	default:
		_ = conn.Close()
		return nil, "", errHandshakeRejected
	}
}

// bind establishes the per-connection subscriptions: the private error
// queue and the event topic for the current match identifier.
func (s *Session) bind(conn *websocket.Conn) {
	s.mu.Lock()
	matchID := s.matchID
	s.errorSub = uuid.NewString()
	s.eventSub = uuid.NewString()
	errorSub, eventSub := s.errorSub, s.eventSub
	s.mu.Unlock()

	frames := []protocol.Frame{
		{Command: protocol.CmdSubscribe, ID: errorSub, Destination: protocol.ErrorQueue},
		{Command: protocol.CmdSubscribe, ID: eventSub, Destination: protocol.MatchTopic(matchID)},
	}
	for _, f := range frames {
		if err := s.writeFrame(conn, f); err != nil {
			s.log.Debug().Err(err).Str("destination", f.Destination).Msg("bind failed")
		}
	}
	s.log.Info().Str("match_id", matchID).Msg("subscriptions bound")
}

// readLoop consumes frames until the connection dies. Malformed frames
// are dropped with a diagnostic; they never take the session down.
func (s *Session) readLoop(conn *websocket.Conn) error {
	readWait := 2 * s.opts.HeartbeatIncoming
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.dispatch(f)
	}
}

// dispatch routes a frame by its subscription id. Frames for stale
// subscriptions (in flight across a rebind) are dropped, preserving the
// one-live-binding invariant from the reader's side as well.
func (s *Session) dispatch(f protocol.Frame) {
	s.mu.Lock()
	eventSub, errorSub := s.eventSub, s.errorSub
	s.mu.Unlock()

	switch {
	case f.Command == protocol.CmdError:
		msg := f.Message
		if msg == "" {
			msg = transportFailureMsg
		}
		s.setErrorMessage(msg)

	case f.Command != protocol.CmdMessage:
		s.log.Debug().Str("command", f.Command).Msg("dropping unexpected frame")

	case f.ID == eventSub:
		var ev protocol.MatchEvent
		if err := json.Unmarshal(f.Body, &ev); err != nil {
			s.log.Debug().Err(err).Msg("dropping undecodable event")
			return
		}
		s.ledger.Append(ev)
		if s.onEvent != nil {
			s.onEvent(ev)
		}

	case f.ID == errorSub:
		var resp protocol.ApiResponse
		if err := json.Unmarshal(f.Body, &resp); err != nil {
			s.log.Debug().Err(err).Msg("dropping undecodable error frame")
			return
		}
		s.setErrorMessage(resp.Message)

	default:
		s.log.Debug().Str("sub", f.ID).Msg("dropping frame for stale subscription")
	}
}

// pinger emits heartbeat pings at the outgoing interval until the
// connection is replaced or the session closes.
func (s *Session) pinger(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatOutgoing)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeFrame(conn *websocket.Conn, f protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.eventSub = ""
		s.errorSub = ""
	}
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	fn := s.onState
	s.mu.Unlock()

	if changed && fn != nil {
		fn(st)
	}
}

func (s *Session) setErrorMessage(msg string) {
	s.mu.Lock()
	changed := s.errMsg != msg
	s.errMsg = msg
	fn := s.onError
	s.mu.Unlock()

	if changed && fn != nil {
		fn(msg)
	}
}

// sleep waits for d or until Close, reporting whether the session should
// keep running.
func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return false
	case <-t.C:
		return true
	}
}

// wsEndpoint rewrites http(s) schemes to their websocket equivalents so
// callers can hand the session the same base URL they use for REST.
func wsEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}
