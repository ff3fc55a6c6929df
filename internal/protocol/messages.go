package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/smukkama/ecostress-pipeline/internal/scene"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrInvalidMessage = errors.New("invalid scene message")

// FileRef is one bundle file of a scene
type FileRef struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// SceneMessage is the queue message announcing one scene of a finished task
type SceneMessage struct {
	TaskID  string    `json:"task_id"`
	SceneID string    `json:"scene_id"`
	Files   []FileRef `json:"files"`
}

// NewSceneMessage builds the message for one scene bucket
func NewSceneMessage(taskID string, b *scene.Bucket) *SceneMessage {
	msg := &SceneMessage{
		TaskID:  taskID,
		SceneID: b.Key.String(),
		Files:   make([]FileRef, 0, len(b.Files)),
	}
	for _, f := range b.Files {
		msg.Files = append(msg.Files, FileRef{FileID: f.FileID, FileName: f.FileName})
	}
	return msg
}

// Validate checks that the message can be processed
func (m *SceneMessage) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("%w: missing task_id", ErrInvalidMessage)
	}
	if strings.ContainsAny(m.TaskID, `/\`) || m.TaskID == "." || m.TaskID == ".." {
		return fmt.Errorf("%w: malformed task_id %q", ErrInvalidMessage, m.TaskID)
	}
	if _, err := ParseSceneID(m.SceneID); err != nil {
		return err
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("%w: scene %s has no files", ErrInvalidMessage, m.SceneID)
	}
	for i, f := range m.Files {
		if f.FileID == "" || f.FileName == "" {
			return fmt.Errorf("%w: file %d of scene %s is incomplete", ErrInvalidMessage, i, m.SceneID)
		}
	}
	return nil
}

// Key returns the scene key of the message
func (m *SceneMessage) Key() (scene.Key, error) {
	return ParseSceneID(m.SceneID)
}

// FileNames returns the file names in message order
func (m *SceneMessage) FileNames() []string {
	names := make([]string, len(m.Files))
	for i, f := range m.Files {
		names[i] = f.FileName
	}
	return names
}

// ParseSceneID parses "<region-id>_<date>" back into a key
func ParseSceneID(id string) (scene.Key, error) {
	regionPart, date, ok := strings.Cut(id, "_")
	if !ok || regionPart == "" || len(date) != 13 {
		return scene.Key{}, fmt.Errorf("%w: malformed scene id %q", ErrInvalidMessage, id)
	}
	regionID, err := strconv.Atoi(regionPart)
	if err != nil || regionID < 0 {
		return scene.Key{}, fmt.Errorf("%w: malformed scene id %q", ErrInvalidMessage, id)
	}
	for _, c := range date {
		if c < '0' || c > '9' {
			return scene.Key{}, fmt.Errorf("%w: malformed scene id %q", ErrInvalidMessage, id)
		}
	}
	return scene.Key{RegionID: regionID, Date: date}, nil
}

// EncodeSceneMessage encodes a SceneMessage to JSON
func EncodeSceneMessage(msg *SceneMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeSceneMessage decodes and validates a SceneMessage
func DecodeSceneMessage(data []byte) (*SceneMessage, error) {
	var msg SceneMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
