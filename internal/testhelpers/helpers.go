// Package testhelpers provides common utilities for testing the GoChat
// server: dialing authenticated WebSocket connections, sending protocol
// frames and asserting on the frames that come back.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestOrigin is the Origin header sent by test clients.
const TestOrigin = "http://localhost:8080"

// Frame is a decoded server frame.
type Frame struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId"`
	Data  json.RawMessage `json:"data"`
}

// Decode unmarshals the frame's data into v, failing the test on error.
func (f Frame) Decode(t *testing.T, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		t.Fatalf("Failed to decode %s data %s: %v", f.Event, f.Data, err)
	}
}

// WebSocketURL converts an http:// test server URL to its ws:// endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// DialWithToken opens a WebSocket carrying token in the accessToken cookie.
// An empty token sends no cookie. The handshake response is returned so
// callers can inspect rejected upgrades.
func DialWithToken(wsURL, token string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	if token != "" {
		headers.Set("Cookie", (&http.Cookie{Name: "accessToken", Value: token}).String())
	}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustDial is DialWithToken that fails the test on error and closes the
// connection at cleanup.
func MustDial(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := DialWithToken(wsURL, token)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes a client frame. ackID may be empty.
func SendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}, ackID string) {
	t.Helper()
	frame := map[string]interface{}{"event": event, "data": data}
	if ackID != "" {
		frame["ackId"] = ackID
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

// ReadFrame reads the next frame within timeout.
func ReadFrame(conn *websocket.Conn, timeout time.Duration) (Frame, error) {
	var frame Frame
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return frame, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return frame, err
	}
	err = json.Unmarshal(raw, &frame)
	return frame, err
}

// ExpectEvent reads frames until one named event arrives, failing the test
// after timeout. Frames of other events are skipped.
func ExpectEvent(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration) Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %s", event)
		}
		frame, err := ReadFrame(conn, remaining)
		if err != nil {
			t.Fatalf("Failed waiting for %s: %v", event, err)
		}
		if frame.Event == event {
			return frame
		}
	}
}

// ExpectAck waits for the ack frame carrying ackID.
func ExpectAck(t *testing.T, conn *websocket.Conn, ackID string, timeout time.Duration) Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		frame := ExpectEvent(t, conn, "ack", time.Until(deadline))
		if frame.AckID == ackID {
			return frame
		}
	}
}

// ExpectNoFrame asserts that nothing arrives within wait. A timed-out read
// leaves the connection unusable, so call it last.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	frame, err := ReadFrame(conn, wait)
	if err == nil {
		t.Errorf("Expected no frame, got %s: %s", frame.Event, frame.Data)
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s: %s", timeout, msg)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp == nil {
		t.Fatalf("Expected status code %d, got no response", expected)
	}
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}
