package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"hope/internal/core"
)

// modelFile is the serialized form of the pre-trained signal classifier:
// a logistic model over named features.
type modelFile struct {
	SchemaVersion int                `json:"schema_version"`
	Weights       map[string]float64 `json:"weights"`
	Bias          float64            `json:"bias"`
}

// FileClassifier loads a logistic model from disk, refusing to load bytes
// whose SHA-256 does not match the registry hash.
type FileClassifier struct {
	model modelFile
}

// LoadClassifier reads and hash-validates the model at path. wantSHA256 is
// the lowercase hex digest from the model registry; an empty digest refuses
// to load anything, keeping an unpinned model out of production.
func LoadClassifier(path, wantSHA256 string) (*FileClassifier, error) {
	if wantSHA256 == "" {
		return nil, fmt.Errorf("classifier registry hash is empty, refusing to load %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classifier model: %w", err)
	}

	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, wantSHA256) {
		return nil, fmt.Errorf("classifier model hash mismatch: got %s want %s", got, wantSHA256)
	}

	var m modelFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse classifier model: %w", err)
	}
	if len(m.Weights) == 0 {
		return nil, fmt.Errorf("classifier model has no weights")
	}
	return &FileClassifier{model: m}, nil
}

// Score runs the logistic model over the features it knows about. Unknown
// features are ignored; missing ones contribute zero.
func (c *FileClassifier) Score(features map[string]float64) (float64, error) {
	z := c.model.Bias
	for name, w := range c.model.Weights {
		z += w * features[name]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

var _ core.IClassifier = (*FileClassifier)(nil)
