package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/shuttle/internal/route"
	"github.com/ent0n29/shuttle/internal/session"
	"github.com/ent0n29/shuttle/internal/shelf"
	"github.com/ent0n29/shuttle/internal/tasks"
)

type layouts map[string]string

func (l layouts) Load(stopID string) (shelf.Layout, error) {
	doc, ok := l[stopID]
	if !ok {
		return shelf.Layout{}, fmt.Errorf("%w: %s", shelf.ErrLayoutNotFound, stopID)
	}
	return shelf.ParseLayout([]byte(doc))
}

var testLayouts = layouts{
	"A": `{"grid":{"rows":2,"cols":2},"slots":[
		{"barcode":"X1","position":{"row":1,"col":1}},
		{"barcode":"X","position":{"row":1,"col":2}},
		{"barcode":"X2","position":{"row":2,"col":1},"size":{"rows":1,"cols":2}}]}`,
	"B": `{"grid":{"rows":1,"cols":2},"slots":[
		{"barcode":"X1","position":{"row":1,"col":1}},
		{"barcode":"X2","position":{"row":1,"col":2}}]}`,
}

func newTestService(t *testing.T) (*Service, *tasks.Manager) {
	t.Helper()
	return newServiceWith(t, testLayouts, Options{})
}

func newServiceWith(t *testing.T, source LayoutSource, opts Options) (*Service, *tasks.Manager) {
	t.Helper()
	manager := tasks.NewManager(tasks.NewMemoryStore(), tasks.Options{
		Route: route.MustPath("A", "B", "C"),
		Stops: []tasks.Stop{
			{ID: "A", Role: tasks.RoleSupply},
			{ID: "B", Role: tasks.RoleDelivery},
			{ID: "C", Role: tasks.RoleBoth},
		},
		FallbackSupplyStop: "A",
	})
	return NewService(manager, source, session.NewManager(time.Minute), opts), manager
}

func pushScan(t *testing.T, svc *Service, id, stop, barcode string) {
	t.Helper()
	_, outcome, err := svc.PushScan(context.Background(), tasks.ScanEvent{TaskID: id, StopID: stop, Barcode: barcode})
	require.NoError(t, err)
	require.Equal(t, tasks.IngestAccepted, outcome)
}

func TestFullDeliveryFlow(t *testing.T) {
	svc, manager := newTestService(t)
	ctx := context.Background()
	pushScan(t, svc, "1", "B", "X1")

	_, _, err := svc.MoveTo(ctx, "B")
	require.ErrorIs(t, err, tasks.ErrNotNextDestination)

	pos, view, err := svc.MoveTo(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "A", pos.StopID)
	require.NotNil(t, view)
	assert.Equal(t, session.StatusActive, view.Status)

	board, err := svc.Board("A")
	require.NoError(t, err)
	assert.True(t, board.Active)
	assert.False(t, board.CanCommit)
	assert.Equal(t, []string{"1"}, board.Board.Slots[0].TaskIDs)
	assert.Empty(t, board.Board.Unmatchable)

	_, err = svc.Commit(ctx, "A")
	require.ErrorIs(t, err, shelf.ErrNotAcknowledged)

	_, err = svc.ToggleSlot("A", 1)
	require.ErrorIs(t, err, shelf.ErrInertSlot)
	_, err = svc.ToggleSlot("A", 9)
	require.ErrorIs(t, err, shelf.ErrUnknownSlot)

	board, err = svc.ToggleSlot("A", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, board.Acknowledged)
	assert.True(t, board.CanCommit)

	res, err := svc.Commit(ctx, "A")
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, tasks.StatusToDropOff, res.Tasks[0].Status)

	board, err = svc.Board("A")
	require.NoError(t, err)
	assert.False(t, board.Active, "commit closes the session")

	next, ok := manager.NextDestination()
	require.True(t, ok)
	assert.Equal(t, "B", next)

	_, _, err = svc.MoveTo(ctx, "B")
	require.NoError(t, err)
	_, err = svc.ReportMissing(ctx, "B")
	require.ErrorIs(t, err, ErrNotSupplyStop)

	_, err = svc.ToggleSlot("B", 0)
	require.NoError(t, err)
	res, err = svc.Commit(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, res.Tasks[0].Status)

	_, ok = manager.NextDestination()
	assert.False(t, ok)
	assert.Empty(t, manager.Snapshot())
}

func TestToggleRequiresCurrentStop(t *testing.T) {
	svc, _ := newTestService(t)
	pushScan(t, svc, "1", "B", "X1")

	_, err := svc.ToggleSlot("A", 0)
	require.ErrorIs(t, err, ErrNotAtStop)

	_, err = svc.Commit(context.Background(), "A")
	require.ErrorIs(t, err, ErrNotAtStop)
}

func TestToggleSlotTwiceClears(t *testing.T) {
	svc, _ := newTestService(t)
	pushScan(t, svc, "1", "B", "X1")
	pushScan(t, svc, "2", "B", "X1")
	_, _, err := svc.MoveTo(context.Background(), "A")
	require.NoError(t, err)

	board, err := svc.ToggleSlot("A", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, board.Acknowledged)

	board, err = svc.ToggleSlot("A", 0)
	require.NoError(t, err)
	assert.Empty(t, board.Acknowledged)
	assert.False(t, board.CanCommit)
}

func TestReportMissingKeepsSessionOpen(t *testing.T) {
	svc, manager := newTestService(t)
	ctx := context.Background()
	pushScan(t, svc, "1", "B", "X1")
	pushScan(t, svc, "2", "B", "X2")
	_, _, err := svc.MoveTo(ctx, "A")
	require.NoError(t, err)

	_, err = svc.ReportMissing(ctx, "A")
	require.ErrorIs(t, err, ErrNothingToAck)

	_, err = svc.ToggleSlot("A", 0)
	require.NoError(t, err)
	res, err := svc.ReportMissing(ctx, "A")
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, tasks.StatusMissing, res.Tasks[0].Status)

	board, err := svc.Board("A")
	require.NoError(t, err)
	assert.True(t, board.Active)
	assert.Empty(t, board.Acknowledged)
	require.Len(t, board.Board.Relevant, 1)
	assert.Equal(t, "2", board.Board.Relevant[0].ID)

	got, err := manager.Get("1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusMissing, got.Status)
}

func TestReportMissingAtMixedStopSkipsDropOffs(t *testing.T) {
	withC := layouts{
		"A": testLayouts["A"],
		"C": `{"grid":{"rows":1,"cols":2},"slots":[
			{"barcode":"X1","position":{"row":1,"col":1}},
			{"barcode":"X2","position":{"row":1,"col":2}}]}`,
	}
	svc, manager := newServiceWith(t, withC, Options{})
	ctx := context.Background()
	pushScan(t, svc, "1", "C", "X1")
	_, outcome, err := svc.PushScan(ctx, tasks.ScanEvent{TaskID: "2", StopID: "B", Barcode: "X2", SupplyStopID: "C"})
	require.NoError(t, err)
	require.Equal(t, tasks.IngestAccepted, outcome)

	_, _, err = svc.MoveTo(ctx, "A")
	require.NoError(t, err)
	_, err = svc.ToggleSlot("A", 0)
	require.NoError(t, err)
	_, err = svc.Commit(ctx, "A")
	require.NoError(t, err)

	_, _, err = svc.MoveTo(ctx, "C")
	require.NoError(t, err)
	_, err = svc.ToggleSlot("C", 0)
	require.NoError(t, err)
	board, err := svc.ToggleSlot("C", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, board.Acknowledged)

	res, err := svc.ReportMissing(ctx, "C")
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, "2", res.Tasks[0].ID)
	assert.Equal(t, tasks.StatusMissing, res.Tasks[0].Status)
	assert.Empty(t, res.Failures)

	got, err := manager.Get("1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusToDropOff, got.Status)

	board, err = svc.Board("C")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, board.Acknowledged, "drop-off stays acknowledged")
	assert.True(t, board.CanCommit)

	// Only a drop-off is selected now, so there is nothing to report.
	_, err = svc.ReportMissing(ctx, "C")
	require.ErrorIs(t, err, ErrNothingToAck)
}

func TestUnmatchableTasksBlockCommit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	pushScan(t, svc, "1", "B", "X1")
	pushScan(t, svc, "2", "B", "Q9")
	_, _, err := svc.MoveTo(ctx, "A")
	require.NoError(t, err)

	board, err := svc.ToggleSlot("A", 0)
	require.NoError(t, err)
	require.Len(t, board.Board.Unmatchable, 1)
	assert.Equal(t, "2", board.Board.Unmatchable[0].ID)
	assert.False(t, board.CanCommit)

	_, err = svc.Commit(ctx, "A")
	require.ErrorIs(t, err, shelf.ErrNotAcknowledged)
	require.ErrorIs(t, err, shelf.ErrUnmatchableTasks)
}

func TestBoardWithoutLayout(t *testing.T) {
	svc, _ := newTestService(t)
	pushScan(t, svc, "1", "C", "X1")

	board, err := svc.Board("C")
	require.NoError(t, err)
	assert.True(t, board.LayoutMissing)
	assert.False(t, board.Active)
	assert.Empty(t, board.Board.Relevant)

	board, err = svc.Board("A")
	require.NoError(t, err)
	require.Len(t, board.Board.Relevant, 1)

	_, err = svc.Board("nowhere")
	require.ErrorIs(t, err, tasks.ErrUnknownStop)
}

func TestIngestSinkSwallowsDiscards(t *testing.T) {
	svc, manager := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, tasks.ScanEvent{TaskID: "1", StopID: "B", Barcode: "X1"}))
	require.NoError(t, svc.Ingest(ctx, tasks.ScanEvent{TaskID: "1", StopID: "B", Barcode: "X1"}))
	require.NoError(t, svc.Ingest(ctx, tasks.ScanEvent{TaskID: "2", StopID: "Z", Barcode: "X1"}))
	assert.Len(t, manager.Snapshot(), 1)
}

func TestIngestSinkRecordsWhenConfigured(t *testing.T) {
	svc, manager := newServiceWith(t, testLayouts, Options{RecordFeed: true})
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, tasks.ScanEvent{TaskID: "7", StopID: "B", Barcode: "X1"}))
	task, err := manager.Advance(ctx, "7")
	require.NoError(t, err, "recorded feed scans can be written through")
	assert.Equal(t, tasks.StatusToDropOff, task.Status)

	require.NoError(t, manager.Refresh(ctx))
	got, err := manager.Get("7")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusToDropOff, got.Status)
	assert.Len(t, manager.Snapshot(), 1)
}

func TestSessionUpdatesArePublished(t *testing.T) {
	svc, _ := newTestService(t)
	pushScan(t, svc, "1", "B", "X1")
	updates, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	_, _, err := svc.MoveTo(context.Background(), "A")
	require.NoError(t, err)
	_, err = svc.ToggleSlot("A", 0)
	require.NoError(t, err)

	first := <-updates
	assert.Equal(t, session.StatusActive, first.View.Status)
	assert.False(t, first.CanCommit)
	second := <-updates
	assert.True(t, second.CanCommit)
	assert.Equal(t, []string{"1"}, second.View.Acknowledged)
}

func TestCommitReportsStoreFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	// Ingested but never recorded, so the store has no row to update.
	_, _, err := svc.tasks.Ingest(tasks.ScanEvent{TaskID: "1", StopID: "B", Barcode: "X1"})
	require.NoError(t, err)
	_, _, err = svc.MoveTo(ctx, "A")
	require.NoError(t, err)
	_, err = svc.ToggleSlot("A", 0)
	require.NoError(t, err)

	res, err := svc.Commit(ctx, "A")
	require.Error(t, err)
	var swe *tasks.StoreWriteError
	require.True(t, errors.As(err, &swe))
	require.Len(t, res.Failures, 1)
	require.Len(t, res.Tasks, 1, "the local transition still happened")
	assert.Equal(t, tasks.StatusToDropOff, res.Tasks[0].Status)
}
