package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jobfabric/jobfabric/internal/apierr"
	"github.com/jobfabric/jobfabric/internal/protocol"
)

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, reqType string, data json.RawMessage, _ *Connection) (any, error) {
	if reqType == "boom" {
		return nil, errors.New("boom failed")
	}
	return map[string]string{"got": reqType}, nil
}

func pipeConns(t *testing.T, handler Handler, auth AuthConfig) (client, server *Connection) {
	t.Helper()
	a, b := net.Pipe()
	client = New(a, AuthConfig{}, nil, nil)
	server = New(b, auth, handler, nil)
	go server.Serve()
	return client, server
}

func TestNewStampsDistinctConnectionIDs(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	client := New(a, AuthConfig{}, nil, nil)
	server := New(b, AuthConfig{}, nil, nil)

	if _, err := uuid.Parse(client.ID); err != nil {
		t.Fatalf("expected client.ID to be a uuid, got %q: %v", client.ID, err)
	}
	if client.ID == server.ID {
		t.Fatalf("expected distinct connection ids, both got %q", client.ID)
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	client, server := pipeConns(t, echoHandler{}, AuthConfig{})
	defer client.Close()
	defer server.Close()
	go client.Serve()

	data, err := client.SendRequest(context.Background(), "poll", map[string]any{"targets": []string{"web"}})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if decoded["got"] != "poll" {
		t.Fatalf("unexpected response: %+v", decoded)
	}
}

func TestRequestErrorPropagates(t *testing.T) {
	client, server := pipeConns(t, echoHandler{}, AuthConfig{})
	defer client.Close()
	defer server.Close()
	go client.Serve()

	_, err := client.SendRequest(context.Background(), "boom", nil)
	if err == nil || err.Error() != "boom failed" {
		t.Fatalf("expected 'boom failed' error, got %v", err)
	}
}

func TestPing(t *testing.T) {
	client, server := pipeConns(t, echoHandler{}, AuthConfig{})
	defer client.Close()
	defer server.Close()

	go client.Serve()

	if err := server.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestAuthRejectsWrongPassword(t *testing.T) {
	a, b := net.Pipe()
	client := New(a, AuthConfig{}, nil, nil)
	server := New(b, AuthConfig{Password: "secret"}, echoHandler{}, nil)
	go server.Serve()
	go client.Serve()
	defer client.Close()

	client.auth.Password = "wrong"
	_, err := client.SendRequest(context.Background(), "poll", nil)
	if err == nil {
		t.Fatalf("expected auth error")
	}
}

func TestAuthAcceptsCorrectPassword(t *testing.T) {
	a, b := net.Pipe()
	client := New(a, AuthConfig{Password: "secret"}, nil, nil)
	server := New(b, AuthConfig{Password: "secret"}, echoHandler{}, nil)
	go server.Serve()
	go client.Serve()
	defer client.Close()
	defer server.Close()

	_, err := client.SendRequest(context.Background(), "poll", nil)
	if err != nil {
		t.Fatalf("unexpected error with correct password: %v", err)
	}
}

func TestCloseFailsPendingWithSocketClosed(t *testing.T) {
	a, _ := net.Pipe()
	client := New(a, AuthConfig{}, nil, nil)

	// Register a pending future the same way SendRequest does, then
	// close the connection and confirm it fails with "socket closed".
	respCh := make(chan *protocol.Response, 1)
	client.pendingMu.Lock()
	client.pending[1] = respCh
	client.pendingMu.Unlock()

	client.close()

	select {
	case resp := <-respCh:
		if resp.Error != apierr.ErrSocketClosed.Error() {
			t.Fatalf("expected %q, got %q", apierr.ErrSocketClosed.Error(), resp.Error)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for pending request to fail")
	}
}

type slowHandler struct{ delay time.Duration }

func (h slowHandler) Handle(_ context.Context, reqType string, _ json.RawMessage, _ *Connection) (any, error) {
	time.Sleep(h.delay)
	return "ok", nil
}

func TestSendRequestTimesOutOnContextDeadline(t *testing.T) {
	a, b := net.Pipe()
	client := New(a, AuthConfig{}, nil, nil)
	server := New(b, AuthConfig{}, slowHandler{delay: 200 * time.Millisecond}, nil)
	defer client.Close()
	defer server.Close()
	go server.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.SendRequest(ctx, "poll", nil)
	if !errors.Is(err, apierr.ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}
