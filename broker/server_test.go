package broker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/matchday-planner/matchfeed/protocol"
)

func newTestServer(t *testing.T, requireToken string) (*Broker, *httptest.Server) {
	t.Helper()
	b := New(zerolog.Nop(), requireToken)
	srv := httptest.NewServer(NewServer(b, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return b, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f protocol.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, ws *websocket.Conn, f protocol.Frame) {
	t.Helper()
	_ = ws.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := ws.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func connect(t *testing.T, ws *websocket.Conn, token string) {
	t.Helper()
	writeFrame(t, ws, protocol.NewConnect(token, 4*time.Second, 4*time.Second))
	f := readFrame(t, ws)
	if f.Command != protocol.CmdConnected {
		t.Fatalf("expected CONNECTED, got %s (%s)", f.Command, f.Message)
	}
	if f.SessionID == "" {
		t.Error("CONNECTED frame missing session id")
	}
}

func sendCommand(t *testing.T, ws *websocket.Conn, destination string, payload interface{}) {
	t.Helper()
	env, err := protocol.Wrap("", payload)
	if err != nil {
		t.Fatalf("wrap payload: %v", err)
	}
	f, err := protocol.NewSend(destination, env)
	if err != nil {
		t.Fatalf("build send: %v", err)
	}
	writeFrame(t, ws, f)
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t, "")

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSubscribeBeforeConnectRejected(t *testing.T) {
	_, srv := newTestServer(t, "")
	ws := dialWS(t, srv)

	writeFrame(t, ws, protocol.Frame{Command: protocol.CmdSubscribe, ID: "s1", Destination: "topic/match/42"})
	f := readFrame(t, ws)
	if f.Command != protocol.CmdError {
		t.Fatalf("expected ERROR, got %s", f.Command)
	}
	if !strings.Contains(f.Message, "CONNECT first") {
		t.Errorf("unexpected message: %q", f.Message)
	}
}

func TestConnectWithWrongTokenRejected(t *testing.T) {
	_, srv := newTestServer(t, "sesame")
	ws := dialWS(t, srv)

	writeFrame(t, ws, protocol.NewConnect("wrong", 4*time.Second, 4*time.Second))
	f := readFrame(t, ws)
	if f.Command != protocol.CmdError {
		t.Fatalf("expected ERROR, got %s", f.Command)
	}
	if f.Message != "invalid token" {
		t.Errorf("message = %q", f.Message)
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, srv := newTestServer(t, "")
	b.Matches().RegisterTeam("42", 3, "Reds", []Player{{MatchUserID: 7, Name: "Lee"}})

	ws := dialWS(t, srv)
	connect(t, ws, "")
	writeFrame(t, ws, protocol.Frame{Command: protocol.CmdSubscribe, ID: "s1", Destination: "topic/match/42"})

	waitForSubscribers(t, b, "topic/match/42", 1)

	sendCommand(t, ws, "app/match/42", protocol.PlayerEvent{EventType: "GOAL", Description: "header", MatchUserID: 7})

	f := readFrame(t, ws)
	if f.Command != protocol.CmdMessage || f.ID != "s1" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	var ev protocol.MatchEvent
	if err := json.Unmarshal(f.Body, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.EventLog != "GOAL by Lee" || ev.TeamName != "Reds" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestDuplicateSubscriptionIDRejected(t *testing.T) {
	_, srv := newTestServer(t, "")
	ws := dialWS(t, srv)
	connect(t, ws, "")

	writeFrame(t, ws, protocol.Frame{Command: protocol.CmdSubscribe, ID: "s1", Destination: "topic/match/1"})
	writeFrame(t, ws, protocol.Frame{Command: protocol.CmdSubscribe, ID: "s1", Destination: "topic/match/2"})

	f := readFrame(t, ws)
	if f.Command != protocol.CmdError {
		t.Fatalf("expected ERROR, got %+v", f)
	}
	if !strings.Contains(f.Message, "duplicate subscription id") {
		t.Errorf("unexpected message: %q", f.Message)
	}
}

func TestBusinessRejectionGoesToErrorQueue(t *testing.T) {
	_, srv := newTestServer(t, "")
	ws := dialWS(t, srv)
	connect(t, ws, "")

	// Frames on one connection are handled in order, so the subscription
	// is live before the SEND is routed.
	writeFrame(t, ws, protocol.Frame{Command: protocol.CmdSubscribe, ID: "errs", Destination: protocol.ErrorQueue})
	// No team registered yet, so any team event is a business rejection.
	sendCommand(t, ws, "app/match/42/teams/3", protocol.TeamEvent{EventType: "TIMEOUT"})

	f := readFrame(t, ws)
	if f.Command != protocol.CmdMessage || f.ID != "errs" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	var resp protocol.ApiResponse
	if err := json.Unmarshal(f.Body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != protocol.StatusError {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Message != "team not found" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestErrorQueueIsPrivate(t *testing.T) {
	_, srv := newTestServer(t, "")

	offender := dialWS(t, srv)
	connect(t, offender, "")
	writeFrame(t, offender, protocol.Frame{Command: protocol.CmdSubscribe, ID: "errs", Destination: protocol.ErrorQueue})

	bystander := dialWS(t, srv)
	connect(t, bystander, "")
	writeFrame(t, bystander, protocol.Frame{Command: protocol.CmdSubscribe, ID: "errs", Destination: protocol.ErrorQueue})

	sendCommand(t, offender, "app/match/42/teams/3", protocol.TeamEvent{EventType: "TIMEOUT"})

	f := readFrame(t, offender)
	if f.Command != protocol.CmdMessage {
		t.Fatalf("offender expected error message, got %+v", f)
	}

	_ = bystander.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray protocol.Frame
	if err := bystander.ReadJSON(&stray); err == nil {
		t.Errorf("bystander received a frame from another session's error queue: %+v", stray)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, srv := newTestServer(t, "")
	ws := dialWS(t, srv)
	connect(t, ws, "")

	writeFrame(t, ws, protocol.Frame{Command: protocol.CmdSubscribe, ID: "s1", Destination: "topic/match/42"})
	waitForSubscribers(t, b, "topic/match/42", 1)

	writeFrame(t, ws, protocol.Frame{Command: protocol.CmdUnsubscribe, ID: "s1"})
	waitForSubscribers(t, b, "topic/match/42", 0)

	b.Publish("topic/match/42", protocol.MatchEvent{ID: 1, EventLog: "GOAL by Lee"})

	_ = ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray protocol.Frame
	if err := ws.ReadJSON(&stray); err == nil {
		t.Errorf("received frame after unsubscribe: %+v", stray)
	}
}

func TestMatchSetupAndEventsREST(t *testing.T) {
	b, srv := newTestServer(t, "")

	body := bytes.NewBufferString(`{"teamId":3,"name":"Reds","players":[{"matchUserId":7,"name":"Lee"}]}`)
	resp, err := http.Post(srv.URL+"/api/matches/42/teams", "application/json", body)
	if err != nil {
		t.Fatalf("register team: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	b.Matches().RecordPlayerEvent("42", protocol.PlayerEvent{EventType: "GOAL", MatchUserID: 7})

	resp, err = http.Get(srv.URL + "/api/matches/42/events")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	defer resp.Body.Close()

	var listing struct {
		MatchID string                `json:"matchId"`
		Events  []protocol.MatchEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(listing.Events))
	}
	if listing.Events[0].EventLog != "GOAL by Lee" {
		t.Errorf("event log = %q", listing.Events[0].EventLog)
	}
}

func waitForSubscribers(t *testing.T, b *Broker, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Subscribers(topic) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("topic %s never reached %d subscribers (have %d)", topic, want, b.Subscribers(topic))
}
