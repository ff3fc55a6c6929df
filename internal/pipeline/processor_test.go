package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/smukkama/ecostress-pipeline/internal/appeears"
	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/filter"
	"github.com/smukkama/ecostress-pipeline/internal/protocol"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
	"github.com/smukkama/ecostress-pipeline/internal/scene"
	"github.com/smukkama/ecostress-pipeline/internal/storage"
)

const testTask = "task-1"

type processorFixture struct {
	provider *fakeProvider
	ledger   *fakeLedger
	store    *fakeStore
	claims   *fakeClaimer
	workDir  string
	proc     *SceneProcessor
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	f := &processorFixture{
		provider: &fakeProvider{files: make(map[string][]byte)},
		ledger:   newFakeLedger(),
		store:    newFakeStore(),
		claims:   newFakeClaimer(),
		workDir:  t.TempDir(),
	}
	f.proc = NewSceneProcessor(f.workDir, f.provider, f.ledger, f.store, f.claims, testCatalog(t), zerolog.Nop())
	return f
}

// message builds the scene message for a synthetic scene and registers its
// files with the provider
func (f *processorFixture) message(t *testing.T, regionID int, omit ...scene.Band) *protocol.SceneMessage {
	t.Helper()
	return f.messageWith(t, regionID, bandValue, omit...)
}

func (f *processorFixture) messageWith(t *testing.T, regionID int, values func(scene.Band, int) float32, omit ...scene.Band) *protocol.SceneMessage {
	t.Helper()
	files, contents := sceneBundleWith(t, regionID, testDate, values, omit...)
	for id, data := range contents {
		f.provider.files[id] = data
	}
	entries := make([]scene.ManifestEntry, len(files))
	for i, bf := range files {
		entries[i] = scene.ManifestEntry{FileID: bf.FileID, FileName: bf.FileName}
	}
	groups := scene.Group(entries)
	if groups.Len() != 1 {
		t.Fatalf("Expected 1 scene, got %d", groups.Len())
	}
	return protocol.NewSceneMessage(testTask, groups.Buckets()[0])
}

func assertWorkDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty work dir, found %d entries (first %s)", len(entries), entries[0].Name())
	}
}

func TestHandle_PublishesScene(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 1)

	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomePublished {
		t.Fatalf("Expected outcome %s, got %s", OutcomePublished, outcome)
	}

	base := "Tahoe_lake_" + testDate + "_filter"
	objects := f.store.snapshot()
	for _, key := range []string{
		"ECO/Tahoe/lake/" + base + ".tif",
		"ECO/Tahoe/lake/" + base + ".csv",
		"ECO/Tahoe/lake/metadata/" + base + "_metadata.json",
	} {
		if _, ok := objects[key]; !ok {
			t.Errorf("Expected object %s", key)
		}
	}
	if len(objects) != 3 {
		t.Errorf("Expected 3 objects, got %d", len(objects))
	}

	jobs := f.ledger.jobsOf(database.JobProcess)
	if len(jobs) != 1 || jobs[0].Status != database.JobSuccess {
		t.Fatalf("Expected one successful process job, got %+v", jobs)
	}
	if deref(jobs[0].FeatureID) != "Tahoe/lake" || deref(jobs[0].SceneDate) != testDate {
		t.Errorf("Unexpected job scope %s %s", deref(jobs[0].FeatureID), deref(jobs[0].SceneDate))
	}

	feature := f.ledger.features["Tahoe/lake"]
	if feature == nil || feature.LatestDate != testDate {
		t.Errorf("Expected feature with latest date %s, got %+v", testDate, feature)
	}
	meta := f.ledger.metadata["Tahoe/lake|"+testDate]
	if meta == nil {
		t.Fatal("Expected metadata row")
	}
	if meta.DataPoints != testWidth*testHeight {
		t.Errorf("Expected %d data points, got %d", testWidth*testHeight, meta.DataPoints)
	}
	if meta.WaterOff {
		t.Error("Expected water mask to apply")
	}
	if meta.MetadataPath != "ECO/Tahoe/lake/metadata/"+base+"_metadata.json" {
		t.Errorf("Unexpected metadata path %s", meta.MetadataPath)
	}
	if string(meta.FilterHistogram) != `{"0":20}` {
		t.Errorf("Unexpected histogram %s", meta.FilterHistogram)
	}

	if f.provider.downloads != len(scene.AllBands) {
		t.Errorf("Expected %d downloads, got %d", len(scene.AllBands), f.provider.downloads)
	}
	assertWorkDirEmpty(t, f.workDir)
	if len(f.claims.held) != 0 {
		t.Error("Expected claim to be released")
	}
}

func TestHandle_RedeliveryIsNoop(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 1)

	if _, err := f.proc.Handle(context.Background(), msg); err != nil {
		t.Fatalf("First Handle failed: %v", err)
	}
	first := f.store.snapshot()

	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Second Handle failed: %v", err)
	}
	if outcome != OutcomeAlreadyPublished {
		t.Errorf("Expected outcome %s, got %s", OutcomeAlreadyPublished, outcome)
	}

	if n := f.ledger.count(database.JobProcess, database.JobSuccess); n != 1 {
		t.Errorf("Expected 1 success record, got %d", n)
	}
	if n := len(f.ledger.jobsOf(database.JobProcess)); n != 1 {
		t.Errorf("Expected 1 process job, got %d", n)
	}
	if f.provider.downloads != len(scene.AllBands) {
		t.Errorf("Expected no downloads on redelivery, got %d total", f.provider.downloads)
	}
	second := f.store.snapshot()
	if len(first) != len(second) {
		t.Fatalf("Expected %d objects, got %d", len(first), len(second))
	}
	for k, v := range first {
		if !bytes.Equal(v, second[k]) {
			t.Errorf("Object %s changed on redelivery", k)
		}
	}
	assertWorkDirEmpty(t, f.workDir)
}

func TestHandle_ReprocessingIsByteIdentical(t *testing.T) {
	a := newProcessorFixture(t)
	b := newProcessorFixture(t)
	msgA := a.message(t, 1)
	msgB := b.message(t, 1)

	if _, err := a.proc.Handle(context.Background(), msgA); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if _, err := b.proc.Handle(context.Background(), msgB); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	objA, objB := a.store.snapshot(), b.store.snapshot()
	for k, v := range objA {
		if !bytes.Equal(v, objB[k]) {
			t.Errorf("Object %s differs between runs", k)
		}
	}
}

func TestHandle_ResolvesOrphanedJobWhenAlreadyPublished(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 1)
	if _, err := f.proc.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	// an attempt that died after publishing left its row started
	if _, err := f.ledger.StartJob(context.Background(), database.JobSpec{
		JobType: database.JobProcess, TaskID: testTask, FeatureID: "Tahoe/lake", SceneDate: testDate,
	}); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomeAlreadyPublished {
		t.Errorf("Expected outcome %s, got %s", OutcomeAlreadyPublished, outcome)
	}
	if n := f.ledger.count(database.JobProcess, database.JobStarted); n != 0 {
		t.Errorf("Expected no started jobs, got %d", n)
	}
}

func TestHandle_MissingBandIsRecorded(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 1, scene.BandCloud)

	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Expected scene-local failure, got error %v", err)
	}
	if outcome != OutcomeFailed {
		t.Errorf("Expected outcome %s, got %s", OutcomeFailed, outcome)
	}

	jobs := f.ledger.jobsOf(database.JobProcess)
	if len(jobs) != 1 || jobs[0].Status != database.JobFailed {
		t.Fatalf("Expected one failed job, got %+v", jobs)
	}
	if code := deref(jobs[0].ErrorCode); code != CodeMissingLayer {
		t.Errorf("Expected code %s, got %s", CodeMissingLayer, code)
	}
	if len(f.store.snapshot()) != 0 {
		t.Error("Expected no published objects")
	}
	if len(f.ledger.metadata) != 0 {
		t.Error("Expected no metadata rows")
	}
	assertWorkDirEmpty(t, f.workDir)
}

func TestHandle_UnmappedRegion(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 9)

	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomeFailed {
		t.Errorf("Expected outcome %s, got %s", OutcomeFailed, outcome)
	}
	jobs := f.ledger.jobsOf(database.JobProcess)
	if len(jobs) != 1 || deref(jobs[0].ErrorCode) != CodeUnknownRegion {
		t.Fatalf("Expected one %s job, got %+v", CodeUnknownRegion, jobs)
	}
	if f.provider.downloads != 0 {
		t.Errorf("Expected no downloads, got %d", f.provider.downloads)
	}
}

func TestHandle_ClaimedByAnotherWorker(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 1)
	if _, ok, _ := f.claims.Acquire(context.Background(), msg.TaskID, msg.SceneID); !ok {
		t.Fatal("Expected to acquire claim")
	}

	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomeInProgress {
		t.Errorf("Expected outcome %s, got %s", OutcomeInProgress, outcome)
	}
	if len(f.ledger.jobs) != 0 {
		t.Errorf("Expected no ledger rows, got %d", len(f.ledger.jobs))
	}
}

func TestHandle_SceneClaimSpansTasks(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 1)
	held, ok, _ := f.claims.Acquire(context.Background(), "task-0", msg.SceneID)
	if !ok {
		t.Fatal("Expected to acquire claim")
	}

	// A second task covering the same scene must wait for the first
	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomeInProgress {
		t.Fatalf("Expected outcome %s, got %s", OutcomeInProgress, outcome)
	}
	if f.provider.downloads != 0 {
		t.Errorf("Expected no downloads while claimed, got %d", f.provider.downloads)
	}

	if err := f.claims.Release(context.Background(), held); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	outcome, err = f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomePublished {
		t.Errorf("Expected outcome %s, got %s", OutcomePublished, outcome)
	}
}

func TestHandle_StorageFailureRollsBack(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 1)
	f.store.failPut = func(key string) error {
		if filepath.Ext(key) == ".csv" {
			return fmt.Errorf("%w: %s", storage.ErrStorageWrite, key)
		}
		return nil
	}

	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomeFailed {
		t.Errorf("Expected outcome %s, got %s", OutcomeFailed, outcome)
	}
	if objects := f.store.snapshot(); len(objects) != 0 {
		t.Errorf("Expected uploaded raster to be rolled back, found %d objects", len(objects))
	}
	if len(f.store.removed) != 1 || filepath.Ext(f.store.removed[0]) != ".tif" {
		t.Errorf("Expected the raster to be removed, got %v", f.store.removed)
	}
	jobs := f.ledger.jobsOf(database.JobProcess)
	if len(jobs) != 1 || deref(jobs[0].ErrorCode) != CodeStorageWrite {
		t.Fatalf("Expected one %s job, got %+v", CodeStorageWrite, jobs)
	}
	if len(f.ledger.features) != 0 {
		t.Error("Expected no feature rows")
	}
	assertWorkDirEmpty(t, f.workDir)
}

func TestHandle_DownloadFailure(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 1)
	f.provider.downloadErr = &appeears.HTTPStatusError{Endpoint: "download", StatusCode: 503}

	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomeFailed {
		t.Errorf("Expected outcome %s, got %s", OutcomeFailed, outcome)
	}
	jobs := f.ledger.jobsOf(database.JobProcess)
	if len(jobs) != 1 || deref(jobs[0].ErrorCode) != CodeDownload {
		t.Fatalf("Expected one %s job, got %+v", CodeDownload, jobs)
	}
	assertWorkDirEmpty(t, f.workDir)
}

func TestHandle_LedgerUnavailableIsRetryable(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 1)
	f.ledger.startErr = errUnavailable

	outcome, err := f.proc.Handle(context.Background(), msg)
	if !errors.Is(err, errUnavailable) {
		t.Fatalf("Expected ledger error, got %v", err)
	}
	if outcome != "" {
		t.Errorf("Expected no outcome, got %s", outcome)
	}
	if len(f.claims.held) != 0 {
		t.Error("Expected claim to be released")
	}
}

func TestHandle_ReusesDownloadedFiles(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.message(t, 1)

	sceneDir := filepath.Join(f.workDir, msg.TaskID, msg.SceneID)
	if err := os.MkdirAll(sceneDir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, file := range msg.Files[:3] {
		if err := os.WriteFile(filepath.Join(sceneDir, file.FileName), f.provider.files[file.FileID], 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomePublished {
		t.Errorf("Expected outcome %s, got %s", OutcomePublished, outcome)
	}
	if want := len(msg.Files) - 3; f.provider.downloads != want {
		t.Errorf("Expected %d downloads, got %d", want, f.provider.downloads)
	}
	assertWorkDirEmpty(t, f.workDir)
}

func TestHandle_WaterOffScene(t *testing.T) {
	f := newProcessorFixture(t)
	msg := f.messageWith(t, 2, noWater)

	outcome, err := f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomePublished {
		t.Fatalf("Expected outcome %s, got %s", OutcomePublished, outcome)
	}

	base := filter.BaseName(regionOf(t, 2), testDate, true)
	if base != "Mono_lake_"+testDate+"_filter_wtoff" {
		t.Errorf("Unexpected base name %s", base)
	}
	if _, ok := f.store.snapshot()["ECO/Mono/lake/metadata/"+base+"_metadata.json"]; !ok {
		t.Error("Expected water-off metadata document")
	}
	meta := f.ledger.metadata["Mono/lake|"+testDate]
	if meta == nil || !meta.WaterOff {
		t.Fatalf("Expected water-off metadata row, got %+v", meta)
	}

	// the water-off variant also counts as published
	outcome, err = f.proc.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if outcome != OutcomeAlreadyPublished {
		t.Errorf("Expected outcome %s, got %s", OutcomeAlreadyPublished, outcome)
	}
}

func regionOf(t *testing.T, id int) regions.Region {
	t.Helper()
	r, ok := testCatalog(t).Lookup(id)
	if !ok {
		t.Fatalf("No region %d", id)
	}
	return r
}
