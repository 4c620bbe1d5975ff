package shelf

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/shuttle/internal/tasks"
)

const twoSlotLayout = `{
  "grid": {"rows": 2, "cols": 2},
  "slots": [
    {"barcode": " X1 ", "position": {"row": 1, "col": 1}},
    {"barcode": "X", "position": {"row": 1, "col": 2}},
    {"barcode": "X2", "position": {"row": 2, "col": 1}, "size": {"rows": 1, "cols": 2}}
  ]
}`

func task(id, barcode string) tasks.Task {
	return tasks.Task{ID: id, Barcode: barcode, SourceStopID: "A", DestinationStopID: "B", Status: tasks.StatusToDropOff}
}

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout([]byte(twoSlotLayout))
	require.NoError(t, err)
	require.Len(t, l.Slots, 3)
	assert.Equal(t, "X1", l.Slots[0].Barcode)
	assert.Equal(t, Span{Rows: 1, Cols: 1}, l.Slots[0].Size)
	assert.True(t, l.Slots[1].Empty())
	assert.Equal(t, 2, l.Slots[2].Size.Cols)
}

func TestParseLayoutRejectsBadGeometry(t *testing.T) {
	cases := map[string]string{
		"not json":   `{`,
		"empty grid": `{"grid":{"rows":0,"cols":1},"slots":[]}`,
		"outside":    `{"grid":{"rows":1,"cols":1},"slots":[{"barcode":"a","position":{"row":1,"col":2}}]}`,
		"span out":   `{"grid":{"rows":1,"cols":2},"slots":[{"barcode":"a","position":{"row":1,"col":2},"size":{"rows":1,"cols":2}}]}`,
		"overlap":    `{"grid":{"rows":1,"cols":2},"slots":[{"barcode":"a","position":{"row":1,"col":1},"size":{"rows":1,"cols":2}},{"barcode":"b","position":{"row":1,"col":2}}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLayout([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidLayout)
		})
	}
}

func TestBuildBoardBindsTasksToSlots(t *testing.T) {
	l, err := ParseLayout([]byte(twoSlotLayout))
	require.NoError(t, err)

	board := BuildBoard("B", l, []tasks.Task{task("1", "X1"), task("2", "X1 "), task("3", "X2"), task("4", "Q9")})

	assert.Equal(t, []string{"1", "2"}, board.Slots[0].TaskIDs)
	assert.False(t, board.Slots[1].Interactive())
	assert.Equal(t, []string{"3"}, board.Slots[2].TaskIDs)
	require.Len(t, board.Unmatchable, 1)
	assert.Equal(t, "4", board.Unmatchable[0].ID)
	assert.Equal(t, []string{"1", "2", "3", "4"}, board.RelevantIDs())
}

func TestEmptyMarkerNeverMatches(t *testing.T) {
	l, err := ParseLayout([]byte(twoSlotLayout))
	require.NoError(t, err)
	board := BuildBoard("B", l, []tasks.Task{task("1", "X")})
	for _, s := range board.Slots {
		assert.Empty(t, s.TaskIDs)
	}
	assert.Len(t, board.Unmatchable, 1)
}

func TestToggleSlotIsAtomicPerSlot(t *testing.T) {
	l, err := ParseLayout([]byte(`{"grid":{"rows":1,"cols":1},"slots":[{"barcode":"X1","position":{"row":1,"col":1}}]}`))
	require.NoError(t, err)
	board := BuildBoard("B", l, []tasks.Task{task("42", "X1")})
	acks := NewAcknowledgements()

	assert.False(t, acks.Complete(board))

	on, err := acks.ToggleSlot(board.Slots[0])
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, acks.Complete(board))

	on, err = acks.ToggleSlot(board.Slots[0])
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, acks.Complete(board))
}

func TestToggleSlotWithPartialSelectionAcknowledgesAll(t *testing.T) {
	slot := BoardSlot{Index: 0, TaskIDs: []string{"a", "b"}}
	acks := NewAcknowledgements()
	acks.ids["a"] = struct{}{}

	on, err := acks.ToggleSlot(slot)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, []string{"a", "b"}, acks.IDs())

	_, err = acks.ToggleSlot(BoardSlot{Index: 3})
	assert.ErrorIs(t, err, ErrInertSlot)
}

func TestCompleteBlockedByUnmatchableTask(t *testing.T) {
	l, err := ParseLayout([]byte(twoSlotLayout))
	require.NoError(t, err)
	board := BuildBoard("B", l, []tasks.Task{task("1", "X1"), task("2", "nowhere")})
	acks := NewAcknowledgements()
	_, err = acks.ToggleSlot(board.Slots[0])
	require.NoError(t, err)
	assert.False(t, acks.Complete(board))
	assert.Equal(t, []string{"1"}, acks.Covered(board))
}

func TestCompleteFalseWithoutRelevantTasks(t *testing.T) {
	board := BuildBoard("B", Layout{Grid: Grid{Rows: 1, Cols: 1}}, nil)
	assert.False(t, NewAcknowledgements().Complete(board))
}

func TestPruneDropsStaleAcknowledgements(t *testing.T) {
	acks := NewAcknowledgements()
	acks.ids["gone"] = struct{}{}
	acks.ids["1"] = struct{}{}
	board := BuildBoard("B", Layout{Grid: Grid{Rows: 1, Cols: 1}}, []tasks.Task{task("1", "X1")})
	acks.Prune(board)
	assert.Equal(t, []string{"1"}, acks.IDs())
	acks.Clear()
	assert.Zero(t, acks.Len())
}

func TestLoaderReadsAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(dir, nil)

	_, err := loader.Load("B")
	assert.ErrorIs(t, err, ErrLayoutNotFound)

	path := filepath.Join(dir, FileName("B"))
	require.NoError(t, os.WriteFile(path, []byte(twoSlotLayout), 0o644))
	l, err := loader.Load("B")
	require.NoError(t, err)
	assert.Equal(t, "B", l.StopID)
	assert.Len(t, l.Slots, 3)

	require.NoError(t, os.WriteFile(path, []byte(`{"grid":{"rows":1,"cols":1},"slots":[]}`), 0o644))
	l, err = loader.Load("B")
	require.NoError(t, err)
	assert.Len(t, l.Slots, 3, "cached until invalidated")

	loader.Invalidate("B")
	l, err = loader.Load("B")
	require.NoError(t, err)
	assert.Empty(t, l.Slots)
}

func TestLoaderSkipsCacheWhenInvalidatedDuringRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName("B"))
	require.NoError(t, os.WriteFile(path, []byte(twoSlotLayout), 0o644))

	loader := NewLoader(dir, nil)
	raced := false
	loader.readFile = func(name string) ([]byte, error) {
		data, err := os.ReadFile(name)
		if !raced {
			raced = true
			// The file changes and the watcher invalidates before the
			// stale read is cached.
			require.NoError(t, os.WriteFile(path, []byte(`{"grid":{"rows":1,"cols":1},"slots":[]}`), 0o644))
			loader.Invalidate("B")
		}
		return data, err
	}

	l, err := loader.Load("B")
	require.NoError(t, err)
	assert.Len(t, l.Slots, 3)

	l, err = loader.Load("B")
	require.NoError(t, err)
	assert.Empty(t, l.Slots, "stale read must not be cached")
}

func TestLoaderWatchDropsChangedLayouts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName("7"))
	require.NoError(t, os.WriteFile(path, []byte(twoSlotLayout), 0o644))

	loader := NewLoader(dir, nil)
	_, err := loader.Load("7")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"grid":{"rows":1,"cols":1},"slots":[]}`), 0o644))

	assert.Eventually(t, func() bool {
		l, err := loader.Load("7")
		return err == nil && len(l.Slots) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStopIDFromFile(t *testing.T) {
	id, ok := stopIDFromFile("/tmp/layouts/shelf_12.json")
	assert.True(t, ok)
	assert.Equal(t, "12", id)
	_, ok = stopIDFromFile("notes.txt")
	assert.False(t, ok)
	_, ok = stopIDFromFile("shelf_.json")
	assert.False(t, ok)
}
