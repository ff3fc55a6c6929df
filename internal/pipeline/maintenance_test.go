package pipeline

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/smukkama/ecostress-pipeline/internal/protocol"
	"github.com/smukkama/ecostress-pipeline/internal/scene"
)

func noWater(b scene.Band, i int) float32 {
	if b == scene.BandWater {
		return 0
	}
	return bandValue(b, i)
}

// publishScenes publishes a masked Tahoe scene and a water-off Mono scene
func publishScenes(t *testing.T, f *processorFixture) {
	t.Helper()
	for _, msg := range []*protocol.SceneMessage{f.message(t, 1), f.messageWith(t, 2, noWater)} {
		outcome, err := f.proc.Handle(context.Background(), msg)
		if err != nil || outcome != OutcomePublished {
			t.Fatalf("Expected scene %s published, got %s %v", msg.SceneID, outcome, err)
		}
	}
}

func TestBackfill_RebuildsLedgerRows(t *testing.T) {
	f := newProcessorFixture(t)
	publishScenes(t, f)
	want := f.ledger.metadata

	f.store.objects["ECO/Tahoe/lake/metadata/broken_metadata.json"] = []byte("{not json")
	f.store.objects["ECO/Tahoe/lake/Tahoe_lake_"+testDate+"_filter.csv.bak"] = []byte("ignored")

	ledger := newFakeLedger()
	rep, err := Backfill(context.Background(), f.store, ledger, zerolog.Nop())
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if rep.Documents != 3 || rep.Restored != 2 {
		t.Errorf("Expected 2 of 3 documents restored, got %d of %d", rep.Restored, rep.Documents)
	}
	if len(rep.Skipped) != 1 || !strings.HasSuffix(rep.Skipped[0], "broken_metadata.json") {
		t.Errorf("Expected broken document skipped, got %v", rep.Skipped)
	}

	for id, feature := range map[string]string{"Tahoe/lake": "Tahoe", "Mono/lake": "Mono"} {
		got := ledger.features[id]
		if got == nil || got.Name != feature || got.LatestDate != testDate {
			t.Errorf("Expected feature %s at %s, got %+v", id, testDate, got)
		}
	}
	for key, orig := range want {
		got := ledger.metadata[key]
		if got == nil {
			t.Errorf("Expected metadata row %s", key)
			continue
		}
		if got.TIFPath != orig.TIFPath || got.CSVPath != orig.CSVPath || got.MetadataPath != orig.MetadataPath {
			t.Errorf("Expected paths %s %s %s, got %s %s %s", orig.TIFPath, orig.CSVPath, orig.MetadataPath,
				got.TIFPath, got.CSVPath, got.MetadataPath)
		}
		if got.DataPoints != orig.DataPoints || got.WaterOff != orig.WaterOff {
			t.Errorf("Expected %d points wtoff=%v, got %d wtoff=%v", orig.DataPoints, orig.WaterOff, got.DataPoints, got.WaterOff)
		}
		if *got.MeanTemp != *orig.MeanTemp {
			t.Errorf("Expected mean %v, got %v", *orig.MeanTemp, *got.MeanTemp)
		}
		if string(got.FilterHistogram) != string(orig.FilterHistogram) {
			t.Errorf("Expected histogram %s, got %s", orig.FilterHistogram, got.FilterHistogram)
		}
	}
}

func TestPruneVariants(t *testing.T) {
	f := newProcessorFixture(t)
	publishScenes(t, f)

	// stale water-masked copies of the Mono scene left by an older run
	var stale []string
	for key, data := range f.store.snapshot() {
		if strings.Contains(key, "_filter_wtoff") {
			twin := strings.Replace(key, "_filter_wtoff", "_filter", 1)
			f.store.objects[twin] = data
			stale = append(stale, twin)
		}
	}
	sort.Strings(stale)
	if len(stale) != 3 {
		t.Fatalf("Expected 3 water-off objects, got %d", len(stale))
	}
	before := len(f.store.snapshot())

	keys, err := PruneVariants(context.Background(), f.store, true, zerolog.Nop())
	if err != nil {
		t.Fatalf("PruneVariants failed: %v", err)
	}
	if strings.Join(keys, ",") != strings.Join(stale, ",") {
		t.Errorf("Expected %v, got %v", stale, keys)
	}
	if len(f.store.snapshot()) != before {
		t.Error("Expected dry run to leave objects in place")
	}

	keys, err = PruneVariants(context.Background(), f.store, false, zerolog.Nop())
	if err != nil {
		t.Fatalf("PruneVariants failed: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("Expected 3 removals, got %v", keys)
	}
	objects := f.store.snapshot()
	for _, k := range stale {
		if _, ok := objects[k]; ok {
			t.Errorf("Expected %s removed", k)
		}
	}
	// the Tahoe scene has no water-off twin and stays
	if _, ok := objects["ECO/Tahoe/lake/Tahoe_lake_"+testDate+"_filter.tif"]; !ok {
		t.Error("Expected unrelated _filter output to stay")
	}
	if len(objects) != 6 {
		t.Errorf("Expected 6 objects left, got %d", len(objects))
	}
}
