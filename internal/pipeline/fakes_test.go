package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/ecostress-pipeline/internal/appeears"
	"github.com/smukkama/ecostress-pipeline/internal/claim"
	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/queue"
	"github.com/smukkama/ecostress-pipeline/internal/raster"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
	"github.com/smukkama/ecostress-pipeline/internal/scene"
	"github.com/smukkama/ecostress-pipeline/internal/storage"
)

const testRegionsGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"name": "Tahoe", "location": "lake"}, "geometry": {"type": "Point", "coordinates": [-120.0, 39.1]}},
    {"type": "Feature", "properties": {"name": "Mono", "location": "lake"}, "geometry": {"type": "Point", "coordinates": [-119.0, 38.0]}}
  ]
}`

const (
	testDate   = "2024150183012"
	testWidth  = 5
	testHeight = 4
)

func testCatalog(t *testing.T) *regions.Catalog {
	t.Helper()
	c, err := regions.Parse([]byte(testRegionsGeoJSON))
	if err != nil {
		t.Fatalf("Failed to parse regions: %v", err)
	}
	return c
}

func bandValue(b scene.Band, i int) float32 {
	switch b {
	case scene.BandLST:
		return 280 + float32(i)
	case scene.BandLSTErr:
		return 0.5
	case scene.BandWater:
		return 1
	case scene.BandEmisWB:
		return 0.98
	case scene.BandHeight:
		return 1897
	}
	return 0 // QC, cloud
}

// sceneBundle builds the bundle entries and file contents of one synthetic
// scene. Omitted bands are left out of the bundle.
func sceneBundle(t *testing.T, regionID int, date string, omit ...scene.Band) ([]appeears.BundleFile, map[string][]byte) {
	t.Helper()
	return sceneBundleWith(t, regionID, date, bandValue, omit...)
}

func sceneBundleWith(t *testing.T, regionID int, date string, values func(scene.Band, int) float32,
	omit ...scene.Band) ([]appeears.BundleFile, map[string][]byte) {
	t.Helper()
	skip := make(map[scene.Band]bool)
	for _, b := range omit {
		skip[b] = true
	}

	geo := raster.NewGeographicGeoref(raster.GeoTransform{-120.2, 0.01, 0, 39.3, 0, -0.01})
	dir := t.TempDir()
	var files []appeears.BundleFile
	contents := make(map[string][]byte)
	for _, b := range scene.AllBands {
		if skip[b] {
			continue
		}
		data := make([]float32, testWidth*testHeight)
		for i := range data {
			data[i] = values(b, i)
		}
		bandPath := filepath.Join(dir, fmt.Sprintf("%s.tif", b))
		ds := &raster.Dataset{Width: testWidth, Height: testHeight, Bands: [][]float32{data}, Geo: geo}
		if err := raster.WriteFile(bandPath, ds); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		raw, err := os.ReadFile(bandPath)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		id := fmt.Sprintf("file-%d-%s-%s", regionID, date, b)
		name := fmt.Sprintf("ECO_L2T_LSTE.002/ECO_L2T_LSTE.002_%s_doy%s_aid%04d.tif", b, date, regionID)
		files = append(files, appeears.BundleFile{FileID: id, FileName: name, FileSize: int64(len(raw))})
		contents[id] = raw
	}
	return files, contents
}

// fakeProvider is an in-memory imagery provider
type fakeProvider struct {
	mu sync.Mutex

	loginErr    error
	submitErr   error
	taskID      string
	statuses    []string // returned in turn by TaskStatus, the last one repeats
	statusCalls int
	all         map[string]string
	bundle      *appeears.Bundle
	bundleErr   error
	files       map[string][]byte
	downloadErr error
	downloads   int
	submitted   []appeears.TaskRequest
}

func (f *fakeProvider) Login(ctx context.Context) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return "token", nil
}

func (f *fakeProvider) SubmitTask(ctx context.Context, task appeears.TaskRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, task)
	return f.taskID, nil
}

func (f *fakeProvider) TaskStatus(ctx context.Context, taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.statusCalls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.statusCalls++
	return f.statuses[i], nil
}

func (f *fakeProvider) TaskStatuses(ctx context.Context) (map[string]string, error) {
	return f.all, nil
}

func (f *fakeProvider) Bundle(ctx context.Context, taskID string) (*appeears.Bundle, error) {
	if f.bundleErr != nil {
		return nil, f.bundleErr
	}
	return f.bundle, nil
}

func (f *fakeProvider) DownloadFile(ctx context.Context, taskID, fileID, dest string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return 0, f.downloadErr
	}
	data, ok := f.files[fileID]
	if !ok {
		return 0, &appeears.HTTPStatusError{Endpoint: "download", StatusCode: 404}
	}
	f.downloads++
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

// fakeLedger keeps the ledger in memory with the same transitions as the
// database
type fakeLedger struct {
	mu sync.Mutex

	nextID   int64
	jobs     []*database.ProcessingJob
	order    []string
	requests map[string]*database.EcostressRequest
	features map[string]*database.Feature
	metadata map[string]*database.TemperatureMetadata

	startErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		requests: make(map[string]*database.EcostressRequest),
		features: make(map[string]*database.Feature),
		metadata: make(map[string]*database.TemperatureMetadata),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sameStage(j *database.ProcessingJob, spec database.JobSpec) bool {
	return j.TaskID == spec.TaskID && j.JobType == spec.JobType &&
		deref(j.FeatureID) == spec.FeatureID && deref(j.SceneDate) == spec.SceneDate
}

func (l *fakeLedger) StartJob(ctx context.Context, spec database.JobSpec) (*database.JobHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return nil, l.startErr
	}
	for _, j := range l.jobs {
		if sameStage(j, spec) && j.Status == database.JobStarted {
			j.Status = database.JobFailed
			j.ErrorCode = optional(database.CodeSuperseded)
		}
	}
	l.nextID++
	j := &database.ProcessingJob{
		ID:        l.nextID,
		JobType:   spec.JobType,
		TaskID:    spec.TaskID,
		FeatureID: optional(spec.FeatureID),
		SceneDate: optional(spec.SceneDate),
		Status:    database.JobStarted,
		StartedAt: time.Now(),
	}
	l.jobs = append(l.jobs, j)
	return &database.JobHandle{ID: j.ID, JobType: j.JobType, TaskID: j.TaskID, StartedAt: j.StartedAt}, nil
}

func (l *fakeLedger) resolve(j *database.ProcessingJob, result database.JobResult) {
	now := time.Now()
	j.Status = result.Status
	j.CompletedAt = &now
	j.ErrorCode = optional(result.Code)
	j.ErrorMessage = optional(result.Message)
}

func (l *fakeLedger) CompleteJob(ctx context.Context, h *database.JobHandle, result database.JobResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, j := range l.jobs {
		if j.ID == h.ID && j.Status == database.JobStarted {
			l.resolve(j, result)
			return nil
		}
	}
	return database.ErrJobNotStarted
}

func (l *fakeLedger) ResolveJobs(ctx context.Context, spec database.JobSpec, result database.JobResult) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, j := range l.jobs {
		if sameStage(j, spec) && j.Status == database.JobStarted {
			l.resolve(j, result)
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) FailStartedJobs(ctx context.Context, taskID, code, message string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, j := range l.jobs {
		if j.TaskID == taskID && j.Status == database.JobStarted {
			l.resolve(j, database.JobResult{Status: database.JobFailed, Code: code, Message: message})
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) RecordRequest(ctx context.Context, r *database.EcostressRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.requests[r.RequestID]; ok {
		r.Trigger = existing.Trigger
		if r.TaskID == nil {
			r.TaskID = existing.TaskID
		}
	} else {
		l.order = append(l.order, r.RequestID)
	}
	cp := *r
	l.requests[r.RequestID] = &cp
	return nil
}

func (l *fakeLedger) byTask(taskID string) *database.EcostressRequest {
	for _, r := range l.requests {
		if deref(r.TaskID) == taskID {
			return r
		}
	}
	return nil
}

func (l *fakeLedger) MarkRequestDispatched(ctx context.Context, taskID string, scenes int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.byTask(taskID); r != nil {
		now := time.Now()
		r.ScenesCount = &scenes
		r.DispatchedAt = &now
	}
	return nil
}

func (l *fakeLedger) MarkRequestError(ctx context.Context, taskID, code, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.byTask(taskID); r != nil {
		r.ErrorCode = optional(code)
		r.ErrorMessage = optional(message)
	}
	return nil
}

func (l *fakeLedger) PendingTaskIDs(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for _, id := range l.order {
		r := l.requests[id]
		if r.TaskID != nil && r.ScenesCount == nil && r.DispatchedAt == nil && r.ErrorMessage == nil {
			ids = append(ids, *r.TaskID)
		}
	}
	return ids, nil
}

func (l *fakeLedger) UpsertFeature(ctx context.Context, f *database.Feature) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *f
	if existing, ok := l.features[f.ID]; ok && existing.LatestDate > cp.LatestDate {
		cp.LatestDate = existing.LatestDate
	}
	l.features[f.ID] = &cp
	return nil
}

func (l *fakeLedger) UpsertMetadata(ctx context.Context, m *database.TemperatureMetadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.features[m.FeatureID]; !ok {
		return fmt.Errorf("%w: %s", database.ErrFeatureMissing, m.FeatureID)
	}
	cp := *m
	l.metadata[m.FeatureID+"|"+m.Date] = &cp
	return nil
}

// addPending records a submitted, not yet dispatched task
func (l *fakeLedger) addPending(t *testing.T, taskID string) {
	t.Helper()
	id := taskID
	l.RecordRequest(context.Background(), &database.EcostressRequest{
		RequestID: "req-" + taskID,
		TaskID:    &id,
		Trigger:   database.TriggerScheduled,
	})
	if _, err := l.StartJob(context.Background(), database.JobSpec{JobType: database.JobScrape, TaskID: taskID}); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
}

func (l *fakeLedger) count(jobType database.JobType, status database.JobStatus) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, j := range l.jobs {
		if j.JobType == jobType && j.Status == status {
			n++
		}
	}
	return n
}

func (l *fakeLedger) jobsOf(jobType database.JobType) []*database.ProcessingJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*database.ProcessingJob
	for _, j := range l.jobs {
		if j.JobType == jobType {
			out = append(out, j)
		}
	}
	return out
}

// fakeStore is an in-memory object store
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut func(key string) error
	removed []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) PutFile(ctx context.Context, key, localPath, contentType string) (*storage.Object, error) {
	if s.failPut != nil {
		if err := s.failPut(key); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := &storage.Object{Key: key, Size: int64(len(data))}
	if existing, ok := s.objects[key]; ok && bytes.Equal(existing, data) {
		obj.Skipped = true
		return obj, nil
	}
	s.objects[key] = data
	return obj, nil
}

func (s *fakeStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.removed = append(s.removed, key)
	return nil
}

func (s *fakeStore) List(ctx context.Context, sub string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := path.Join("ECO", sub) + "/"
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, root) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: not found", key)
	}
	return data, nil
}

func (s *fakeStore) ObjectKey(region regions.Region, file string) string {
	return storage.ObjectKey("ECO", region, file)
}

func (s *fakeStore) MetadataKey(region regions.Region, file string) string {
	return storage.MetadataKey("ECO", region, file)
}

func (s *fakeStore) snapshot() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.objects))
	for k, v := range s.objects {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// fakeClaimer hands out in-memory claims
type fakeClaimer struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func newFakeClaimer() *fakeClaimer {
	return &fakeClaimer{held: make(map[string]bool)}
}

func (c *fakeClaimer) Acquire(ctx context.Context, taskID, sceneID string) (*claim.Claim, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	key := claim.Key(sceneID)
	if c.held[key] {
		return nil, false, nil
	}
	c.held[key] = true
	return &claim.Claim{TaskID: taskID, SceneID: sceneID}, true, nil
}

func (c *fakeClaimer) Release(ctx context.Context, cl *claim.Claim) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := claim.Key(cl.SceneID)
	if !c.held[key] {
		return claim.ErrClaimLost
	}
	delete(c.held, key)
	return nil
}

// fakePublisher records published batches
type fakePublisher struct {
	mu       sync.Mutex
	messages []queue.Message
	err      error
}

func (p *fakePublisher) PublishBatch(ctx context.Context, messages []queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, messages...)
	return nil
}

// fakeSource replays queued messages and records commits
type fakeSource struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []int64
}

func newFakeSource(msgs ...kafka.Message) *fakeSource {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &fakeSource{messages: ch}
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-s.messages:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *fakeSource) Commit(ctx context.Context, msg kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msg.Offset)
	return nil
}

func (s *fakeSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

var errUnavailable = errors.New("connection refused")
