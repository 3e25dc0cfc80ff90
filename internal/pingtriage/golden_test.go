package pingtriage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
)

func TestPersistedLayoutMatchesGolden(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewStoreWithOptions(StoreOptions{StateFile: path, Now: fixedClock})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}

	id := mustInsert(t, store, NewPing{
		Platform:  "slack",
		MessageID: "m1",
		Timestamp: "2024-01-15T10:30:00Z",
		Author:    "alice",
		Content:   "Can you review the deploy plan today?",
		ThreadID:  "slack-C1-t1",
		Metadata:  map[string]any{"channel": "C1"},
	})
	if err := store.AttachAnalysis(id, Analysis{
		Title:           " Review deploy plan ",
		Summary:         "Alice needs a review of the deploy plan",
		SuggestedAction: ActionReview,
		Priority:        PriorityUrgent,
	}); err != nil {
		t.Fatalf("attach analysis failed: %v", err)
	}
	if err := store.LinkIssue(id, "LIN-42"); err != nil {
		t.Fatalf("link issue failed: %v", err)
	}
	if err := store.SetLastSync("slack", "2024-01-15T10:45:00Z"); err != nil {
		t.Fatalf("set last sync failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state failed: %v", err)
	}
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "state_layout", data)
}
