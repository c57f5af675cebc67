package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/testutil"
)

var testEpoch = testutil.DefaultEpoch

const testTenant model.TenantID = "tenant-a"

// createTestStore creates a new file-backed store with deterministic ids
// (evt-0000, evt-0001, ...) and a fixed occurred time.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path,
		WithIDGenerator(testutil.NewSequenceIDGenerator("evt")),
		WithClock(func() time.Time { return testEpoch }),
	)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProcessorID(stream model.StreamID) model.StreamProcessorID {
	return model.NewStreamProcessorID(model.DefaultScope, "projector", stream)
}

// appendEvents appends one event per partition to stream and returns them.
func appendEvents(t *testing.T, events *Events, stream model.StreamID, partitions ...model.PartitionID) []model.StreamEvent {
	t.Helper()
	batch := make([]NewEvent, len(partitions))
	for i, p := range partitions {
		batch[i] = NewEvent{Partition: p, Type: "OrderPlaced", Content: `{"n":1}`}
	}
	appended, err := events.Append(t.Context(), model.DefaultScope, stream, batch)
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	return appended
}
