package relaywire_test

import (
	"context"
	"image"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"deskrelay/internal/app"
	"deskrelay/internal/config"
	"deskrelay/internal/model"
)

type fakeCapturer struct{}

func (fakeCapturer) Capture(area model.CaptureArea) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

type fakeDriver struct{}

func (fakeDriver) Run(ctx context.Context, text string) error { return nil }

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	dir := t.TempDir()

	mgr := config.NewManager(filepath.Join(dir, "config.toml"))
	s := mgr.Current()
	s.UsersFile = filepath.Join(dir, "users.json")
	if err := mgr.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(config.Runtime{MasterSecret: "test-secret"}, mgr, fakeCapturer{}, fakeDriver{}, log)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	if _, err := a.Users.AddUser("alice", "pw-alice", model.RoleUser); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	return a
}

func dialWire(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	open := waitForPrefix(t, conn, "0{", 2*time.Second)
	if !strings.Contains(open, `"pingInterval"`) {
		t.Fatalf("unexpected open packet: %s", open)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	_ = waitForPrefix(t, conn, `40{"sid"`, 2*time.Second)
	return conn
}

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

func login(t *testing.T, conn *websocket.Conn, username, password string) string {
	t.Helper()
	payload := `421["login",{"username":"` + username + `","password":"` + password + `"}]`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("WriteMessage(login): %v", err)
	}
	return waitForPrefix(t, conn, "431", 2*time.Second)
}

func TestLoginAckSuccessAndFailure(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Wire)
	defer srv.Close()

	conn := dialWire(t, srv)
	ack := login(t, conn, "alice", "wrong")
	if !strings.Contains(ack, `"success":false`) || !strings.Contains(ack, "Invalid credentials") {
		t.Fatalf("unexpected failed-login ack: %s", ack)
	}

	ack = login(t, conn, "alice", "pw-alice")
	if !strings.Contains(ack, `"success":true`) || !strings.Contains(ack, `"username":"alice"`) {
		t.Fatalf("unexpected login ack: %s", ack)
	}
}

func TestPingAckCarriesTimestamp(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Wire)
	defer srv.Close()

	conn := dialWire(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`425["ping"]`)); err != nil {
		t.Fatalf("WriteMessage(ping): %v", err)
	}
	ack := waitForPrefix(t, conn, "435", 2*time.Second)
	if !strings.Contains(ack, `"timestamp"`) {
		t.Fatalf("unexpected ping ack: %s", ack)
	}
}

func TestExecuteCommandRequiresLogin(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Wire)
	defer srv.Close()

	conn := dialWire(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`42["execute-command",{"command":"open settings"}]`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	errMsg := waitForPrefix(t, conn, `42["command-error"`, 2*time.Second)
	if !strings.Contains(errMsg, "auth") {
		t.Fatalf("expected auth failure, got: %s", errMsg)
	}
}

func TestExecuteCommandFullLifecycle(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Wire)
	defer srv.Close()

	conn := dialWire(t, srv)
	ack := login(t, conn, "alice", "pw-alice")
	if !strings.Contains(ack, `"success":true`) {
		t.Fatalf("login failed: %s", ack)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`42["execute-command",{"command":"open settings"}]`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	accepted := waitForPrefix(t, conn, `42["command-accepted"`, 2*time.Second)
	if !strings.Contains(accepted, `"commandId"`) {
		t.Fatalf("acceptance missing command id: %s", accepted)
	}

	// the capture for the finished command arrives before the confirmation
	frame := waitForPrefix(t, conn, `42["ai-response"`, 5*time.Second)
	if !strings.Contains(frame, `"image"`) || !strings.Contains(frame, "open settings") {
		t.Fatalf("unexpected frame push: %s", frame)
	}
	done := waitForPrefix(t, conn, `42["command-completed"`, 5*time.Second)
	if !strings.Contains(done, "open settings") {
		t.Fatalf("unexpected completion: %s", done)
	}
}

func TestStreamSubscriptionAcks(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Wire)
	defer srv.Close()

	conn := dialWire(t, srv)

	// subscribing before login is refused
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`427["subscribe-stream"]`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	ack := waitForPrefix(t, conn, "437", 2*time.Second)
	if !strings.Contains(ack, `"success":false`) {
		t.Fatalf("expected refusal before login: %s", ack)
	}

	if got := login(t, conn, "alice", "pw-alice"); !strings.Contains(got, `"success":true`) {
		t.Fatalf("login failed: %s", got)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`428["subscribe-stream"]`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	ack = waitForPrefix(t, conn, "438", 2*time.Second)
	if !strings.Contains(ack, `"success":true`) {
		t.Fatalf("subscribe refused after login: %s", ack)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`429["unsubscribe-stream"]`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	ack = waitForPrefix(t, conn, "439", 2*time.Second)
	if !strings.Contains(ack, `"success":true`) {
		t.Fatalf("unsubscribe failed: %s", ack)
	}
}
