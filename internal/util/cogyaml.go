package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidRef = errors.New("invalid predictor reference")

// CogYaml is the part of cog.yaml the daemon reads. Unknown keys are ignored.
type CogYaml struct {
	Build       Build       `yaml:"build"`
	Concurrency Concurrency `yaml:"concurrency"`
	Predict     string      `yaml:"predict"`
	Train       string      `yaml:"train"`
}

type Build struct {
	GPU           bool   `yaml:"gpu"`
	Fast          bool   `yaml:"fast"`
	PythonVersion string `yaml:"python_version"`
}

type Concurrency struct {
	Max int `yaml:"max"`
}

func ReadCogYaml(dir string) (*CogYaml, error) {
	bs, err := os.ReadFile(filepath.Join(dir, "cog.yaml")) //nolint:gosec // expected dynamic path
	if err != nil {
		return nil, err
	}
	var y CogYaml
	if err := yaml.Unmarshal(bs, &y); err != nil {
		return nil, fmt.Errorf("failed to parse cog.yaml: %w", err)
	}
	return &y, nil
}

// PredictorRef returns the "module.py:Class" reference for mode, either
// "predict" or "train".
func (y *CogYaml) PredictorRef(mode string) (string, error) {
	var ref string
	switch mode {
	case "predict":
		ref = y.Predict
	case "train":
		ref = y.Train
	default:
		return "", fmt.Errorf("unknown mode %q", mode)
	}
	module, class, ok := strings.Cut(ref, ":")
	if !ok || module == "" || class == "" || strings.Contains(class, ":") {
		return "", fmt.Errorf("%w for %s: %q", ErrInvalidRef, mode, ref)
	}
	return ref, nil
}

// WorkerEnv points the worker at the predictor and trainer. Modes without a
// valid reference are left out.
func (y *CogYaml) WorkerEnv() map[string]string {
	env := make(map[string]string, 2)
	if ref, err := y.PredictorRef("predict"); err == nil {
		env["COG_PREDICTOR"] = ref
	}
	if ref, err := y.PredictorRef("train"); err == nil {
		env["COG_TRAINER"] = ref
	}
	return env
}
