package scanfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/shuttle/internal/tasks"
)

func TestParse(t *testing.T) {
	evt, err := Parse([]byte(`{"task_id": 42, "stop_id": "3", "barcode": " X1 ", "item_label": "bolt", "shelf_row": 2, "shelf_col": "4", "supply_stop_id": 7}`))
	require.NoError(t, err)
	assert.Equal(t, tasks.ScanEvent{
		TaskID:       "42",
		StopID:       "3",
		Barcode:      "X1",
		ItemLabel:    "bolt",
		ShelfRow:     2,
		ShelfCol:     4,
		SupplyStopID: "7",
	}, evt)
}

func TestParseLegacyFieldNamesAndDefaults(t *testing.T) {
	evt, err := Parse([]byte(`{"id_commande": "A-9", "poste": 5, "code_barre": "QR7", "ligne": "", "colonne": null}`))
	require.NoError(t, err)
	assert.Equal(t, "A-9", evt.TaskID)
	assert.Equal(t, "5", evt.StopID)
	assert.Equal(t, "QR7", evt.ItemLabel, "label falls back to barcode")
	assert.Equal(t, 1, evt.ShelfRow)
	assert.Equal(t, 1, evt.ShelfCol)
	assert.Empty(t, evt.SupplyStopID)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"task_id":`,
		"array":           `[1,2]`,
		"missing barcode": `{"task_id": 1, "stop_id": "3"}`,
		"missing task":    `{"stop_id": "3", "barcode": "X"}`,
		"bool id":         `{"task_id": true, "stop_id": "3", "barcode": "X"}`,
		"blank stop":      `{"task_id": 1, "stop_id": "  ", "barcode": "X"}`,
		"text row":        `{"task_id": 1, "stop_id": "3", "barcode": "X", "shelf_row": "x"}`,
		"negative row":    `{"task_id": 1, "stop_id": "3", "barcode": "X", "shelf_row": -2}`,
		"zero col":        `{"task_id": 1, "stop_id": "3", "barcode": "X", "colonne": 0}`,
		"fractional col":  `{"task_id": 1, "stop_id": "3", "barcode": "X", "shelf_col": 1.5}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

type feedServer struct {
	*httptest.Server
	connections atomic.Int32
}

// newFeedServer sends frames to each client and then closes the connection.
func newFeedServer(t *testing.T, frames ...string) *feedServer {
	t.Helper()
	fs := &feedServer{}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fs.connections.Add(1)
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWebsocketSourceDeliversAndReconnects(t *testing.T) {
	srv := newFeedServer(t,
		`{"task_id": 1, "stop_id": "B", "barcode": "X1"}`,
		`not json`,
		`{"task_id": 2, "stop_id": "B", "barcode": "X2"}`,
	)

	var (
		mu     sync.Mutex
		got    []string
		states []State
	)
	src, err := NewWebsocketSource(WebsocketConfig{
		URL:            wsURL(srv.Server),
		ReconnectDelay: 20 * time.Millisecond,
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(_ context.Context, evt tasks.ScanEvent) error {
			mu.Lock()
			got = append(got, evt.TaskID)
			mu.Unlock()
			return nil
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 4
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, []string{"1", "2", "1", "2"}, got[:4])
	assert.Contains(t, states, StateConnected)
	assert.Contains(t, states, StateDisconnected)

	status := src.Status()
	assert.Equal(t, StateDisconnected, status.State)
	assert.GreaterOrEqual(t, status.Malformed, int64(2))
}

func TestWebsocketSourceRequiresWSURL(t *testing.T) {
	_, err := NewWebsocketSource(WebsocketConfig{URL: "http://example.com/scans"})
	assert.Error(t, err)
}

func TestWebsocketSourceStopsWhileDisconnected(t *testing.T) {
	src, err := NewWebsocketSource(WebsocketConfig{URL: "ws://127.0.0.1:1/scans", ReconnectDelay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, func(context.Context, tasks.ScanEvent) error { return nil }) }()

	assert.Eventually(t, func() bool { return src.Status().LastError != "" }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewKafkaSourceValidation(t *testing.T) {
	_, err := NewKafkaSource(KafkaConfig{Topic: "scans"})
	assert.Error(t, err)
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	src, err := NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "scans", GroupID: "shuttle"})
	require.NoError(t, err)
	assert.Equal(t, "kafka", src.Name())
	assert.Equal(t, StateDisconnected, src.Status().State)
	require.NoError(t, src.Close())
}

func TestTrackerNilStatus(t *testing.T) {
	var tr *Tracker
	assert.Equal(t, StateDisconnected, tr.Status().State)
}
