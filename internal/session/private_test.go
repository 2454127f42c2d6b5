package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gridflow/models"
)

// wsRequest is the subset of an outbound frame the tests inspect.
type wsRequest struct {
	Method string `json:"method"`
	Params struct {
		Channel string `json:"channel"`
		Timeout int    `json:"timeout"`
	} `json:"params"`
}

// wsServer accepts one websocket connection at a time and forwards every
// decoded request frame to the returned channel.
func wsServer(t *testing.T) (*httptest.Server, string, <-chan wsRequest) {
	t.Helper()
	frames := make(chan wsRequest, 32)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wsRequest
			if err := json.Unmarshal(raw, &req); err == nil {
				frames <- req
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http"), frames
}

func waitRequest(t *testing.T, frames <-chan wsRequest, method string) wsRequest {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-frames:
			if f.Method == method {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame received", method)
		}
	}
}

func TestPrivateSessionDisarmsDeadmanOnStop(t *testing.T) {
	tokenSrv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":[],"result":{"token":"WS-TOKEN","expires":900}}`))
	})
	_, wsURL, frames := wsServer(t)

	s := NewPrivateSession(PrivateConfig{
		URL:            wsURL,
		DeadmanTimeout: 60,
		// Long enough that no re-arm interferes with the assertions.
		HeartbeatInterval: time.Hour,
	}, newTestTokenClient(tokenSrv.URL))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if f := waitRequest(t, frames, models.MethodSubscribe); f.Params.Channel != models.ChannelExecutions {
		t.Errorf("first subscription = %q, want executions", f.Params.Channel)
	}
	if f := waitRequest(t, frames, models.MethodCancelAfter); f.Params.Timeout != 60 {
		t.Fatalf("arm timeout = %d, want 60", f.Params.Timeout)
	}

	// Stop must send the disarm before tearing the connection down, so
	// resting orders survive a planned shutdown.
	s.Stop()
	if f := waitRequest(t, frames, models.MethodCancelAfter); f.Params.Timeout != 0 {
		t.Fatalf("disarm timeout = %d, want 0", f.Params.Timeout)
	}
}
