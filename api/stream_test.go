package api

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MegaWatt01/si/events"
	"github.com/MegaWatt01/si/proto"
)

// dialStream connects a websocket client through the full middleware chain.
func dialStream(t *testing.T, srvURL, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srvURL, "http") + "/v1/events/stream"
	if query != "" {
		u += "?" + query
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", u, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *proto.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev proto.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return &ev
}

func TestStreamEvents_ReplayThenLive(t *testing.T) {
	env := newEnv(t, nil)
	srv := httptest.NewServer(WithDefaults(env.router))
	defer srv.Close()

	// One event sits in the outbox before the client connects.
	csID := env.createChangeSet(t, "stream")

	conn := dialStream(t, srv.URL, "after=0")

	ev := readEvent(t, conn)
	if ev.Kind != events.KindChangeSetCreated || ev.ChangeSetID != csID {
		t.Fatalf("replayed frame = %+v", ev)
	}
	if ev.GlobalSeq != 1 {
		t.Errorf("GlobalSeq = %d, want 1", ev.GlobalSeq)
	}

	// A mutation published after the connect arrives live.
	env.createNode(t, csID, "Resource", `{"name":"live"}`)

	ev = readEvent(t, conn)
	if ev.Kind != events.KindNodeCreated || ev.ChangeSetID != csID {
		t.Fatalf("live frame = %+v", ev)
	}
	if ev.NodeID == "" || ev.Seq != 1 {
		t.Errorf("live frame missing edit coordinates: %+v", ev)
	}
}

func TestStreamEvents_LiveOnlyWithoutAfter(t *testing.T) {
	env := newEnv(t, nil)
	srv := httptest.NewServer(WithDefaults(env.router))
	defer srv.Close()

	csID := env.createChangeSet(t, "history")

	conn := dialStream(t, srv.URL, "")

	// The pre-connect event must not show up; the first frame is the live one.
	env.createNode(t, csID, "Resource", `{"name":"first"}`)

	ev := readEvent(t, conn)
	if ev.Kind != events.KindNodeCreated {
		t.Fatalf("first frame = %+v, want the live node event", ev)
	}
}

func TestStreamEvents_TopicFilter(t *testing.T) {
	env := newEnv(t, nil)
	srv := httptest.NewServer(WithDefaults(env.router))
	defer srv.Close()

	conn := dialStream(t, srv.URL, "topics="+url.QueryEscape("changeset.*.node.**"))

	// The change-set lifecycle event does not match the pattern, the node
	// event does.
	csID := env.createChangeSet(t, "filtered")
	id := env.createNode(t, csID, "Resource", `{"name":"match"}`)

	ev := readEvent(t, conn)
	if ev.Kind != events.KindNodeCreated || ev.NodeID != id {
		t.Fatalf("frame = %+v, want only the node event", ev)
	}
}
