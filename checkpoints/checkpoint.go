package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tsawler/go-landscape/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

// String returns the format name
func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from the file extension: ".json" is JSON,
// everything else is the binary protobuf encoding.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	Arch      string            `json:"arch"`
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-landscape"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = uuid.NewString()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProto:
		return cs.saveProto(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProto:
		return cs.loadProto(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Save writes checkpoint to path in the format implied by its extension.
func Save(checkpoint *Checkpoint, path string) error {
	return NewCheckpointSaver(FormatForPath(path)).SaveCheckpoint(checkpoint, path)
}

// Load reads a checkpoint in the format implied by the extension of path.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}

func (cs *CheckpointSaver) saveProto(checkpoint *Checkpoint, path string) error {
	data, err := marshalCheckpoint(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadProto(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	checkpoint, err := unmarshalCheckpoint(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

// CopyFile copies a saved checkpoint, used to publish the best model.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy checkpoint: %w", err)
	}
	return out.Close()
}
