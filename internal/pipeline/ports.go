package pipeline

import (
	"context"
	"time"

	"github.com/smukkama/ecostress-pipeline/internal/appeears"
	"github.com/smukkama/ecostress-pipeline/internal/claim"
	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/protocol"
	"github.com/smukkama/ecostress-pipeline/internal/queue"
	"github.com/smukkama/ecostress-pipeline/internal/regions"
	"github.com/smukkama/ecostress-pipeline/internal/storage"
)

// Provider is the upstream imagery service
type Provider interface {
	Login(ctx context.Context) (string, error)
	SubmitTask(ctx context.Context, task appeears.TaskRequest) (string, error)
	TaskStatus(ctx context.Context, taskID string) (string, error)
	TaskStatuses(ctx context.Context) (map[string]string, error)
	Bundle(ctx context.Context, taskID string) (*appeears.Bundle, error)
	DownloadFile(ctx context.Context, taskID, fileID, dest string) (int64, error)
}

// Ledger records requests, stage attempts and published scenes
type Ledger interface {
	StartJob(ctx context.Context, spec database.JobSpec) (*database.JobHandle, error)
	CompleteJob(ctx context.Context, h *database.JobHandle, result database.JobResult) error
	ResolveJobs(ctx context.Context, spec database.JobSpec, result database.JobResult) (int64, error)
	FailStartedJobs(ctx context.Context, taskID, code, message string) (int64, error)

	RecordRequest(ctx context.Context, r *database.EcostressRequest) error
	MarkRequestDispatched(ctx context.Context, taskID string, scenes int) error
	MarkRequestError(ctx context.Context, taskID, code, message string) error
	PendingTaskIDs(ctx context.Context) ([]string, error)

	FeatureLedger
}

// FeatureLedger records published scenes
type FeatureLedger interface {
	UpsertFeature(ctx context.Context, f *database.Feature) error
	UpsertMetadata(ctx context.Context, m *database.TemperatureMetadata) error
}

// ObjectStore publishes scene outputs
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	PutFile(ctx context.Context, key, localPath, contentType string) (*storage.Object, error)
	Remove(ctx context.Context, key string) error
	ObjectKey(region regions.Region, file string) string
	MetadataKey(region regions.Region, file string) string
}

// ObjectArchive lists and reads what was already published
type ObjectArchive interface {
	List(ctx context.Context, sub string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
	ObjectKey(region regions.Region, file string) string
}

// Publisher sends scene messages to the queue
type Publisher interface {
	PublishBatch(ctx context.Context, messages []queue.Message) error
}

// Claimer guards a scene against concurrent processing
type Claimer interface {
	Acquire(ctx context.Context, taskID, sceneID string) (*claim.Claim, bool, error)
	Release(ctx context.Context, cl *claim.Claim) error
}

// Scheduler runs callbacks at a later time
type Scheduler interface {
	Schedule(id string, at time.Time, fn func()) error
	Cancel(id string) bool
}

// SceneHandler processes one scene message
type SceneHandler interface {
	Handle(ctx context.Context, msg *protocol.SceneMessage) (Outcome, error)
}
