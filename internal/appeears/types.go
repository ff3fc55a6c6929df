package appeears

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Task statuses reported by the provider
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// dateLayout is the provider's date format for task windows
const dateLayout = "01-02-2006"

// TaskRequest is the body of an area task submission
type TaskRequest struct {
	TaskType string     `json:"task_type"`
	TaskName string     `json:"task_name"`
	Params   TaskParams `json:"params"`
}

type TaskParams struct {
	Dates  []DateRange         `json:"dates"`
	Layers []Layer             `json:"layers"`
	Geo    jsoniter.RawMessage `json:"geo"`
	Output Output              `json:"output"`
}

type DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type Layer struct {
	Product string `json:"product"`
	Layer   string `json:"layer"`
}

type Output struct {
	Format     OutputFormat `json:"format"`
	Projection string       `json:"projection"`
}

type OutputFormat struct {
	Type string `json:"type"`
}

// NewAreaTask builds a GeoTIFF area request in geographic projection for the
// given layers over the regions in geo, covering start through end.
func NewAreaTask(name, product string, layers []string, geo []byte, start, end time.Time) TaskRequest {
	ls := make([]Layer, len(layers))
	for i, l := range layers {
		ls[i] = Layer{Product: product, Layer: l}
	}
	return TaskRequest{
		TaskType: "area",
		TaskName: name,
		Params: TaskParams{
			Dates:  []DateRange{{StartDate: start.Format(dateLayout), EndDate: end.Format(dateLayout)}},
			Layers: ls,
			Geo:    jsoniter.RawMessage(geo),
			Output: Output{
				Format:     OutputFormat{Type: "geotiff"},
				Projection: "geographic",
			},
		},
	}
}

type loginResponse struct {
	Token string `json:"token"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// TaskInfo is one task as listed by the provider
type TaskInfo struct {
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
	Status   string `json:"status"`
}

// BundleFile is one entry of a finished task's file manifest
type BundleFile struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	FileType string `json:"file_type"`
	SHA256   string `json:"sha256"`
}

// Bundle is the file manifest of a finished task
type Bundle struct {
	TaskID string       `json:"task_id"`
	Files  []BundleFile `json:"files"`
}
