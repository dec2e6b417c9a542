package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lexiqai/speech-worker/internal/audio"
)

// ModelFile is the YAML document named by MODEL_CONFIG.
type ModelFile struct {
	Model ModelConfig `yaml:"model_config"`
}

// ModelConfig describes the inference model and its streaming parameters.
type ModelConfig struct {
	ModelPath        string  `yaml:"model_path"`
	CheckpointPath   string  `yaml:"if_ckpt_path"`
	SegmentLength    float64 `yaml:"segment_length"`  // seconds per inference window
	FrameThreshold   int     `yaml:"frame_threshold"` // frames, attention-guided decoding
	BufferLength     float64 `yaml:"buffer_len"`      // seconds of context kept by the engine
	MinSegmentLength float64 `yaml:"min_seg_len"`     // seconds before the engine transcribes
	Language         string  `yaml:"language"`
}

// DefaultModelConfig is used when MODEL_CONFIG is empty.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		SegmentLength:    1.0,
		FrameThreshold:   25,
		BufferLength:     10,
		MinSegmentLength: 0,
		Language:         "en",
	}
}

// LoadModelConfig reads and validates a model configuration file.
// An empty path yields the defaults.
func LoadModelConfig(path string) (*ModelConfig, error) {
	if path == "" {
		cfg := DefaultModelConfig()
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config %s: %w", path, err)
	}

	file := ModelFile{Model: DefaultModelConfig()}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse model config %s: %w", path, err)
	}

	if err := file.Model.Validate(); err != nil {
		return nil, fmt.Errorf("model config validation failed: %w", err)
	}
	return &file.Model, nil
}

// Validate checks each field of the model configuration.
func (m *ModelConfig) Validate() error {
	if m.SegmentLength <= 0 {
		return fmt.Errorf("segment_length must be positive, got %f", m.SegmentLength)
	}
	if m.FrameThreshold < 0 {
		return fmt.Errorf("frame_threshold must not be negative, got %d", m.FrameThreshold)
	}
	if m.BufferLength < 0 {
		return fmt.Errorf("buffer_len must not be negative, got %f", m.BufferLength)
	}
	if m.MinSegmentLength < 0 {
		return fmt.Errorf("min_seg_len must not be negative, got %f", m.MinSegmentLength)
	}
	if m.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}
	if _, err := m.Geometry(); err != nil {
		return err
	}
	return nil
}

// Geometry derives the chunk window geometry from the segment length.
func (m *ModelConfig) Geometry() (audio.Geometry, error) {
	return audio.NewGeometry(m.SegmentLength, audio.SampleRate, audio.HopLength, audio.FFTLength)
}
