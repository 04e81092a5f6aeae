package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/layerchop/checkpoints"
	"github.com/tsawler/layerchop/chopper"
	"github.com/tsawler/layerchop/engine"
)

// saveClassifier writes a small classifier to dir and returns its path.
func saveClassifier(t *testing.T, dir string) string {
	t.Helper()
	m, err := engine.NewBuilder("classifier", []int{4}).
		AddDense(8, true, "fc1").
		AddReLU("act").
		AddDense(3, true, "fc2").
		AddSoftmax(-1, "probs").
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.InitWeights(m, 5))

	path := filepath.Join(dir, "classifier.json")
	require.NoError(t, checkpoints.SaveModel(m, path, checkpoints.FormatAuto))
	return path
}

// quiet keeps log output out of test runs.
var quiet = []string{"--log-level", "error", "--log-format", "json", "--env-file", ""}

func TestRunExtract(t *testing.T) {
	dir := t.TempDir()
	source := saveClassifier(t, dir)
	dest := filepath.Join(dir, "head.onnx")

	var out bytes.Buffer
	args := append([]string{
		"--source-model", source,
		"--dest-model", dest,
		"--input-names", "fc2",
		"--output-names", "probs",
	}, quiet...)
	require.NoError(t, run(&out, args))

	assert.Contains(t, out.String(), "Saved extracted model to "+dest)
	assert.Contains(t, out.String(), "input_fc2:0 [-1 8]")
	assert.Contains(t, out.String(), "probs:0 [-1 3]")
	assert.Contains(t, out.String(), "Fingerprint: ")

	loaded, err := checkpoints.LoadModel(dest, checkpoints.FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, "classifier_fragment", loaded.Name())
	assert.Len(t, loaded.Layers(), 3)
}

func TestRunVerboseReport(t *testing.T) {
	dir := t.TempDir()
	source := saveClassifier(t, dir)

	var out bytes.Buffer
	args := append([]string{
		"--source-model", source,
		"--dest-model", filepath.Join(dir, "body.yaml"),
		"--input-names", "input",
		"--output-names", "act",
		"--verbose",
	}, quiet...)
	require.NoError(t, run(&out, args))

	assert.Contains(t, out.String(), "Copied layers: fc1, act")
	assert.Contains(t, out.String(), "Resolver rounds: 0")
	assert.Contains(t, out.String(), "Model: classifier_fragment")
}

func TestRunExplicitFormat(t *testing.T) {
	dir := t.TempDir()
	source := saveClassifier(t, dir)
	dest := filepath.Join(dir, "fragment.bin")

	args := append([]string{
		"--source-model", source,
		"--dest-model", dest,
		"--input-names", "fc1",
		"--output-names", "fc2",
		"--format", "onnx",
	}, quiet...)
	require.NoError(t, run(&bytes.Buffer{}, args))

	_, err := checkpoints.LoadModel(dest, checkpoints.FormatONNX)
	require.NoError(t, err)
}

func TestRunConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	source := saveClassifier(t, dir)
	dest := filepath.Join(dir, "from-env.json")

	cfgPath := filepath.Join(dir, "layerchop.yaml")
	content := fmt.Sprintf("source_model: %s\ninput_names: [fc1]\noutput_names: [probs]\n", source)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	t.Setenv("LAYERCHOP_DEST_MODEL", dest)

	args := append([]string{"--config", cfgPath}, quiet...)
	require.NoError(t, run(&bytes.Buffer{}, args))
	assert.FileExists(t, dest)
}

func TestRunPlan(t *testing.T) {
	dir := t.TempDir()
	saveClassifier(t, dir)

	planPath := filepath.Join(dir, "plan.hcl")
	require.NoError(t, os.WriteFile(planPath, []byte(`
source = "classifier.json"

extract "body" {
  inputs  = ["input"]
  outputs = ["act"]
  dest    = "body.json"
}

extract "head" {
  inputs  = ["fc2"]
  outputs = ["probs"]
  dest    = "head.yaml"
}
`), 0644))

	var out bytes.Buffer
	args := append([]string{"--plan", planPath, "--workers", "2"}, quiet...)
	require.NoError(t, run(&out, args))

	assert.Contains(t, out.String(), "[body] Saved extracted model to "+filepath.Join(dir, "body.json"))
	assert.Contains(t, out.String(), "[head] Saved extracted model to "+filepath.Join(dir, "head.yaml"))
	assert.FileExists(t, filepath.Join(dir, "body.json"))
	assert.FileExists(t, filepath.Join(dir, "head.yaml"))
}

func TestRunUsageErrors(t *testing.T) {
	dir := t.TempDir()
	source := saveClassifier(t, dir)

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown flag", args: []string{"--frobnicate"}},
		{name: "stray argument", args: []string{"model.json"}},
		{name: "missing names", args: []string{"--source-model", source, "--dest-model", "x.json"}},
		{name: "bad policy", args: []string{"--source-model", source, "--dest-model", "x.json", "--input-names", "fc1", "--output-names", "fc2", "--policy", "lenient"}},
		{name: "bad log level", args: []string{"--source-model", source, "--dest-model", "x.json", "--input-names", "fc1", "--output-names", "fc2", "--log-level", "loud"}},
		{name: "missing config", args: []string{"--config", filepath.Join(dir, "absent.yaml")}},
		{name: "missing plan", args: []string{"--plan", filepath.Join(dir, "absent.hcl")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(append([]string{}, quiet...), tt.args...)
			err := run(&bytes.Buffer{}, args)
			require.Error(t, err)

			var exitErr *ExitError
			require.True(t, errors.As(err, &exitErr), "expected ExitError, got %v", err)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}

func TestRunExtractionFailure(t *testing.T) {
	dir := t.TempDir()
	source := saveClassifier(t, dir)

	args := append([]string{
		"--source-model", source,
		"--dest-model", filepath.Join(dir, "x.json"),
		"--input-names", "fc1",
		"--output-names", "nope",
	}, quiet...)
	err := run(&bytes.Buffer{}, args)
	require.Error(t, err)

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
	assert.ErrorIs(t, err, chopper.ErrNameNotFound)
	assert.NoFileExists(t, filepath.Join(dir, "x.json"))
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(&out, []string{"--help"}))
	assert.Contains(t, out.String(), "--source-model")

	out.Reset()
	require.NoError(t, run(&out, nil))
	assert.Contains(t, out.String(), "layerchop --plan FILE.hcl")
}
