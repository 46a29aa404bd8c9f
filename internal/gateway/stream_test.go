package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/macaulishchina/AI-Studio/internal/store"
)

// openSSE connects to the SSE endpoint and feeds decoded events into a
// channel until the connection is torn down.
func openSSE(t *testing.T, url string, lastEventID string) (<-chan store.TaskEvent, func()) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build sse request: %v", err)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open sse: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("sse status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		resp.Body.Close()
		t.Fatalf("unexpected content type %q", ct)
	}

	ch := make(chan store.TaskEvent, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		var data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && data != "":
				var event store.TaskEvent
				if err := json.Unmarshal([]byte(data), &event); err == nil {
					ch <- event
				}
				data = ""
			}
		}
	}()
	return ch, func() { resp.Body.Close() }
}

func recvEvent(t *testing.T, ch <-chan store.TaskEvent, what string) store.TaskEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatalf("stream closed waiting for %s", what)
		}
		return event
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	return store.TaskEvent{}
}

func seedTaskWithEvents(t *testing.T, e *env, deltas ...string) string {
	t.Helper()
	ctx := context.Background()
	taskID, err := e.store.CreateTask(ctx, e.projectID, e.conversationID, "stream me", "gpt-4o", 4)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for _, text := range deltas {
		payload, _ := json.Marshal(map[string]string{"text": text})
		if _, err := e.store.AppendEvent(ctx, taskID, store.EventContentDelta, string(payload)); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	return taskID
}

func TestSSE_ReplaysThenGoesLive(t *testing.T) {
	e := newEnv(t, nil)
	taskID := seedTaskWithEvents(t, e, "alpha", "beta", "gamma")

	ch, stop := openSSE(t, e.srv.URL+"/api/v1/events?project_id="+e.projectID, "")
	defer stop()

	// Replay: the submission status_change plus three deltas, in order.
	var got []store.TaskEvent
	for i := 0; i < 4; i++ {
		got = append(got, recvEvent(t, ch, "replayed event"))
	}
	if got[0].EventType != store.EventStatusChange {
		t.Fatalf("first event should be the submission status_change, got %s", got[0].EventType)
	}
	for i := 1; i < 4; i++ {
		if got[i].EventType != store.EventContentDelta {
			t.Fatalf("event %d: expected content_delta, got %s", i, got[i].EventType)
		}
		if got[i].EventID <= got[i-1].EventID {
			t.Fatalf("event ids not increasing: %d then %d", got[i-1].EventID, got[i].EventID)
		}
	}

	// Live phase: an append after connect is delivered without reconnect.
	payload, _ := json.Marshal(map[string]string{"text": "delta"})
	if _, err := e.store.AppendEvent(context.Background(), taskID, store.EventContentDelta, string(payload)); err != nil {
		t.Fatalf("append live event: %v", err)
	}
	live := recvEvent(t, ch, "live event")
	if live.EventType != store.EventContentDelta || live.EventID <= got[3].EventID {
		t.Fatalf("unexpected live event: %+v", live)
	}
}

func TestSSE_LastEventIDResumesWithoutDuplicates(t *testing.T) {
	e := newEnv(t, nil)
	seedTaskWithEvents(t, e, "alpha", "beta", "gamma")

	ch, stop := openSSE(t, e.srv.URL+"/api/v1/events?project_id="+e.projectID, "")
	var all []store.TaskEvent
	for i := 0; i < 4; i++ {
		all = append(all, recvEvent(t, ch, "initial event"))
	}
	stop()

	// Reconnect as EventSource would, resuming after the second event.
	cursor := all[1].EventID
	ch2, stop2 := openSSE(t, e.srv.URL+"/api/v1/events?project_id="+e.projectID,
		strconv.FormatInt(cursor, 10))
	defer stop2()

	resumed := recvEvent(t, ch2, "resumed event")
	if resumed.EventID != all[2].EventID {
		t.Fatalf("resume should start after cursor %d, got event %d", cursor, resumed.EventID)
	}
	next := recvEvent(t, ch2, "second resumed event")
	if next.EventID != all[3].EventID {
		t.Fatalf("expected event %d, got %d", all[3].EventID, next.EventID)
	}
}

func TestSSE_RequiresProject(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := http.Get(e.srv.URL + "/api/v1/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without project_id, got %d", resp.StatusCode)
	}
}

func TestWebSocket_StreamsSameVocabulary(t *testing.T) {
	e := newEnv(t, nil)
	taskID := seedTaskWithEvents(t, e, "alpha", "beta")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(e.srv.URL, "http://", "ws://", 1) + "/api/v1/ws?project_id=" + e.projectID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Replay: status_change plus the two deltas.
	var events []store.TaskEvent
	for i := 0; i < 3; i++ {
		var event store.TaskEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			t.Fatalf("read event %d: %v", i, err)
		}
		events = append(events, event)
	}
	if events[0].EventType != store.EventStatusChange || events[1].EventType != store.EventContentDelta {
		t.Fatalf("unexpected replay sequence: %+v", events)
	}

	payload, _ := json.Marshal(map[string]string{"text": "live"})
	if _, err := e.store.AppendEvent(context.Background(), taskID, store.EventContentDelta, string(payload)); err != nil {
		t.Fatalf("append live event: %v", err)
	}
	var live store.TaskEvent
	if err := wsjson.Read(ctx, conn, &live); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if live.EventType != store.EventContentDelta || live.EventID <= events[2].EventID {
		t.Fatalf("unexpected live event: %+v", live)
	}
}
