package database

import (
	"time"
)

// JobType names a pipeline stage recorded in processing_jobs
type JobType string

const (
	JobScrape   JobType = "scrape"
	JobManifest JobType = "manifest"
	JobProcess  JobType = "process"
)

// JobStatus is the lifecycle state of a processing job
type JobStatus string

const (
	JobStarted JobStatus = "started"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Trigger records what started a request
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// CodeSuperseded marks a started job replaced by a newer attempt
const CodeSuperseded = "superseded"

// ProcessingJob is one attempt at one pipeline stage
type ProcessingJob struct {
	ID           int64
	JobType      JobType
	TaskID       string
	FeatureID    *string
	SceneDate    *string
	Status       JobStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	DurationMs   *int64
	ErrorCode    *string
	ErrorMessage *string
	Metadata     []byte // JSON
}

// JobSpec describes a job about to start
type JobSpec struct {
	JobType   JobType
	TaskID    string
	FeatureID string
	SceneDate string
	Metadata  map[string]string
}

// JobHandle identifies the started row a job completes
type JobHandle struct {
	ID        int64
	JobType   JobType
	TaskID    string
	StartedAt time.Time
}

// JobResult is the terminal state written by CompleteJob
type JobResult struct {
	Status   JobStatus
	Duration time.Duration
	Code     string
	Message  string
}

// EcostressRequest is one submitted time-window task
type EcostressRequest struct {
	RequestID    string
	TaskID       *string
	Trigger      string
	StartDate    time.Time
	EndDate      time.Time
	ScenesCount  *int
	DispatchedAt *time.Time
	ErrorCode    *string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Feature is one region location with the newest scene date published for it
type Feature struct {
	ID          string
	Name        string
	Location    string
	LatestDate  string
	LastUpdated time.Time
}

// TemperatureMetadata holds the statistics of one published scene
type TemperatureMetadata struct {
	FeatureID       string
	Date            string
	MinTemp         *float64
	MaxTemp         *float64
	MeanTemp        *float64
	MedianTemp      *float64
	StdDev          *float64
	DataPoints      int
	WaterPixelCount int
	LandPixelCount  int
	WaterOff        bool
	CSVPath         string
	TIFPath         string
	MetadataPath    string
	FilterHistogram []byte // JSON
	UpdatedAt       time.Time
}
