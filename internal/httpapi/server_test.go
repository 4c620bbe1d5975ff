package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/shuttle/internal/config"
	"github.com/ent0n29/shuttle/internal/dispatch"
	"github.com/ent0n29/shuttle/internal/observability"
	"github.com/ent0n29/shuttle/internal/protocol"
	"github.com/ent0n29/shuttle/internal/route"
	"github.com/ent0n29/shuttle/internal/scanfeed"
	"github.com/ent0n29/shuttle/internal/session"
	"github.com/ent0n29/shuttle/internal/shelf"
	"github.com/ent0n29/shuttle/internal/tasks"
)

type harness struct {
	ts      *httptest.Server
	srv     *Server
	manager *tasks.Manager
}

func newHarness(t *testing.T, name string) *harness {
	t.Helper()
	dir := t.TempDir()
	layout := `{"grid":{"rows":1,"cols":2},"slots":[{"barcode":"X1","position":{"row":1,"col":1}},{"barcode":"X","position":{"row":1,"col":2}}]}`
	for _, stop := range []string{"A", "B"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, shelf.FileName(stop)), []byte(layout), 0o644))
	}

	metrics := observability.NewMetrics("test_httpapi_" + name + "_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
	manager := tasks.NewManager(tasks.NewMemoryStore(), tasks.Options{
		Route: route.MustPath("A", "B", "C"),
		Stops: []tasks.Stop{
			{ID: "A", Role: tasks.RoleSupply},
			{ID: "B", Role: tasks.RoleDelivery},
		},
		FallbackSupplyStop: "A",
		Metrics:            metrics,
	})
	service := dispatch.NewService(manager, shelf.NewLoader(dir, nil), session.NewManager(time.Minute), dispatch.Options{Metrics: metrics})
	srv := New(config.Config{}, manager, service, metrics, Options{StoreKind: "in-memory"})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, srv: srv, manager: manager}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res.StatusCode, payload
}

func TestHealthReportsStoreMode(t *testing.T) {
	h := newHarness(t, "health")
	status, payload := h.do(t, http.MethodGet, "/healthz", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if payload["store_mode"] != "in-memory" {
		t.Fatalf("store_mode = %v, want in-memory", payload["store_mode"])
	}
	if payload["mode"] != tasks.DefaultMode {
		t.Fatalf("mode = %v, want %v", payload["mode"], tasks.DefaultMode)
	}
}

func TestScanToDeliveryOverHTTP(t *testing.T) {
	h := newHarness(t, "flow")
	scan := `{"task_id": 7, "stop_id": "B", "barcode": "X1", "item_label": "bolt"}`

	status, payload := h.do(t, http.MethodPost, "/v1/scans", scan)
	require.Equal(t, http.StatusCreated, status, payload)
	assert.Equal(t, "accepted", payload["outcome"])

	status, payload = h.do(t, http.MethodPost, "/v1/scans", scan)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duplicate", payload["outcome"])

	status, _ = h.do(t, http.MethodPost, "/v1/scans", `{"task_id": 8, "stop_id": "Z", "barcode": "X1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, payload = h.do(t, http.MethodPost, "/v1/scans", `{"stop_id": "B"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "malformed_event", payload["code"])

	status, payload = h.do(t, http.MethodGet, "/v1/route", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "A", payload["next_destination"])

	status, payload = h.do(t, http.MethodPost, "/v1/route/move", map[string]string{"stop_id": "B"})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_next_destination", payload["code"])

	status, _ = h.do(t, http.MethodPost, "/v1/route/move", map[string]string{"stop_id": "A"})
	require.Equal(t, http.StatusOK, status)

	status, payload = h.do(t, http.MethodPost, "/v1/stops/A/commit", nil)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_acknowledged", payload["code"])

	status, payload = h.do(t, http.MethodPost, "/v1/stops/A/slots/1/toggle", nil)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "inert_slot", payload["code"])

	status, payload = h.do(t, http.MethodPost, "/v1/stops/A/slots/0/toggle", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["can_commit"])

	status, _ = h.do(t, http.MethodPost, "/v1/stops/A/commit", nil)
	require.Equal(t, http.StatusOK, status)

	task, err := h.manager.Get("7")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusToDropOff, task.Status)

	status, payload = h.do(t, http.MethodGet, "/v1/stops/B/board", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, payload["active"])
}

func TestTaskEndpointsMapErrors(t *testing.T) {
	h := newHarness(t, "errors")
	status, _ := h.do(t, http.MethodPost, "/v1/scans", `{"task_id": "1", "stop_id": "B", "barcode": "X1"}`)
	require.Equal(t, http.StatusCreated, status)

	status, payload := h.do(t, http.MethodGet, "/v1/tasks/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "task_not_found", payload["code"])

	status, payload = h.do(t, http.MethodDelete, "/v1/tasks/1", nil)
	assert.Equal(t, http.StatusPreconditionRequired, status)
	assert.Equal(t, "confirmation_required", payload["code"])

	status, _ = h.do(t, http.MethodPost, "/v1/tasks/1/missing", nil)
	require.Equal(t, http.StatusOK, status)

	status, payload = h.do(t, http.MethodPost, "/v1/tasks/1/advance", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_transition", payload["code"])

	status, payload = h.do(t, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), payload["count"])

	status, _ = h.do(t, http.MethodPost, "/v1/stops/A/slots/x/toggle", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMissionsAndCycles(t *testing.T) {
	h := newHarness(t, "missions")

	status, payload := h.do(t, http.MethodPost, "/v1/missions", map[string]any{
		"items": []map[string]any{
			{"item_label": "gear", "barcode": "X1", "source_stop_id": "A", "destination_stop_id": "B"},
			{"item_label": "nut", "barcode": "X2", "source_stop_id": "A", "destination_stop_id": "B"},
		},
	})
	require.Equal(t, http.StatusCreated, status, payload)
	assert.Equal(t, float64(2), payload["count"])
	assert.Len(t, h.manager.Snapshot(), 2)

	status, _ = h.do(t, http.MethodPost, "/v1/missions", map[string]any{
		"items": []map[string]any{{"barcode": "X1", "source_stop_id": "A", "destination_stop_id": "A"}},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/v1/cycles/stop", nil)
	assert.Equal(t, http.StatusConflict, status)
	status, _ = h.do(t, http.MethodPost, "/v1/cycles/start", nil)
	require.Equal(t, http.StatusCreated, status)
	status, payload = h.do(t, http.MethodPost, "/v1/cycles/start", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "cycle_active", payload["code"])
	status, _ = h.do(t, http.MethodPost, "/v1/cycles/stop", nil)
	require.Equal(t, http.StatusOK, status)

	status, payload = h.do(t, http.MethodGet, "/v1/cycles?limit=5", nil)
	require.Equal(t, http.StatusOK, status)
	cycles, ok := payload["cycles"].([]any)
	require.True(t, ok)
	assert.Len(t, cycles, 1)

	status, payload = h.do(t, http.MethodGet, "/v1/store/latency", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, payload, "ops")
}

func TestFeedEndpointWhenOff(t *testing.T) {
	h := newHarness(t, "feed")
	status, payload := h.do(t, http.MethodGet, "/v1/feed", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "off", payload["source"])
	assert.Equal(t, string(scanfeed.StateDisconnected), payload["state"])
}

func TestEventsWebsocket(t *testing.T) {
	h := newHarness(t, "ws")
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snap protocol.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, protocol.TypeSnapshot, snap.Type)
	assert.Equal(t, []string{"A", "B", "C"}, snap.Route)
	assert.Empty(t, snap.Tasks)

	status, _ := h.do(t, http.MethodPost, "/v1/scans", `{"task_id": "9", "stop_id": "B", "barcode": "X1"}`)
	require.Equal(t, http.StatusCreated, status)

	var evt protocol.TaskEvent
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, protocol.TypeTaskEvent, evt.Type)
	assert.Equal(t, tasks.EventTaskIngested, evt.Event.Type)
	assert.Equal(t, "9", evt.Event.TaskID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	var errEvt protocol.ErrorEvent
	require.NoError(t, conn.ReadJSON(&errEvt))
	assert.Equal(t, protocol.TypeErrorEvent, errEvt.Type)
	assert.Equal(t, "invalid_client_message", errEvt.Code)

	h.srv.PublishFeedState("websocket", scanfeed.StateConnected)
	var feed protocol.FeedState
	require.NoError(t, conn.ReadJSON(&feed))
	assert.Equal(t, protocol.TypeFeedState, feed.Type)
	assert.Equal(t, "connected", feed.State)
}

func TestEventsWebsocketRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, "origin")
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/events"
	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}
