package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyPrefix = "scene_claim"

// ErrClaimLost is returned when releasing a claim that expired or was taken over
var ErrClaimLost = errors.New("scene claim lost")

// Claim marks a scene as being processed by one worker
type Claim struct {
	SceneID   string    `json:"scene_id"`
	TaskID    string    `json:"task_id"`
	Owner     string    `json:"owner"`
	ClaimedAt time.Time `json:"claimed_at"`

	raw string
}

// releaseScript deletes the key only while it still holds our claim
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Claimer manages scene claims in Redis
type Claimer struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewClaimer creates a claimer whose claims expire after ttl
func NewClaimer(redisClient *redis.Client, ttl time.Duration) *Claimer {
	return &Claimer{redis: redisClient, ttl: ttl}
}

// Key returns the Redis key of a scene claim. Claims are scoped to the scene
// alone because every task that covers a scene publishes to the same objects.
func Key(sceneID string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, sceneID)
}

// Acquire claims a scene for a task. ok is false when another worker holds
// it, whichever task that worker is serving.
func (c *Claimer) Acquire(ctx context.Context, taskID, sceneID string) (*Claim, bool, error) {
	cl := &Claim{
		SceneID:   sceneID,
		TaskID:    taskID,
		Owner:     uuid.NewString(),
		ClaimedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(cl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal claim: %w", err)
	}
	cl.raw = string(data)

	ok, err := c.redis.SetNX(ctx, Key(sceneID), cl.raw, c.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to set claim in Redis: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return cl, true, nil
}

// Release drops a claim held by this worker
func (c *Claimer) Release(ctx context.Context, cl *Claim) error {
	n, err := releaseScript.Run(ctx, c.redis, []string{Key(cl.SceneID)}, cl.raw).Int()
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Holder returns the current claim on a scene, or nil when unclaimed
func (c *Claimer) Holder(ctx context.Context, sceneID string) (*Claim, error) {
	data, err := c.redis.Get(ctx, Key(sceneID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim from Redis: %w", err)
	}

	var cl Claim
	if err := json.Unmarshal([]byte(data), &cl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claim: %w", err)
	}
	cl.raw = data
	return &cl, nil
}
