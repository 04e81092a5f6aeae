package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/layerchop/checkpoints"
	"github.com/tsawler/layerchop/chopper"
	"github.com/tsawler/layerchop/engine"
)

const autoencoderPlan = `
source  = "autoencoder.json"
policy  = "strict"
workers = 2

extract "encoder" {
  inputs  = ["input"]
  outputs = ["latent"]
  dest    = "${env.OUT_DIR}/encoder.onnx"
}

extract "decoder" {
  inputs  = ["dec1"]
  outputs = ["recon"]
  dest    = "decoder.yaml"
  policy  = "permissive"
}
`

func autoencoder(t *testing.T) *engine.Model {
	t.Helper()
	m, err := engine.NewBuilder("autoencoder", []int{8}).
		AddDense(16, true, "enc1").
		AddReLU("enc_act").
		AddDense(4, true, "latent").
		AddDense(16, true, "dec1").
		AddReLU("dec_act").
		AddDense(8, true, "recon").
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.InitWeights(m, 11))
	return m
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte(autoencoderPlan), "plan.hcl", map[string]string{"OUT_DIR": "/tmp/out"})
	require.NoError(t, err)

	assert.Equal(t, "autoencoder.json", p.Source)
	assert.Equal(t, 2, p.Workers)
	require.Len(t, p.Jobs, 2)

	enc := p.Jobs[0]
	assert.Equal(t, "encoder", enc.Name)
	assert.Equal(t, []string{"input"}, enc.Inputs)
	assert.Equal(t, []string{"latent"}, enc.Outputs)
	assert.Equal(t, "/tmp/out/encoder.onnx", enc.Dest)
	assert.Equal(t, chopper.Strict, p.policy(enc))
	assert.Equal(t, checkpoints.FormatAuto, p.format(enc))

	dec := p.Jobs[1]
	assert.Equal(t, chopper.Permissive, p.policy(dec))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "syntax", src: `source = `},
		{name: "missing source", src: `extract "a" { inputs = ["x"] outputs = ["y"] dest = "a.json" }`},
		{name: "no jobs", src: `source = "m.json"`},
		{name: "unknown env", src: `
source = "${env.NOPE}"
extract "a" {
  inputs  = ["x"]
  outputs = ["y"]
  dest    = "a.json"
}`},
		{name: "duplicate job", src: `
source = "m.json"
extract "a" {
  inputs  = ["x"]
  outputs = ["y"]
  dest    = "a.json"
}
extract "a" {
  inputs  = ["x"]
  outputs = ["y"]
  dest    = "b.json"
}`},
		{name: "duplicate dest", src: `
source = "m.json"
extract "a" {
  inputs  = ["x"]
  outputs = ["y"]
  dest    = "a.json"
}
extract "b" {
  inputs  = ["x"]
  outputs = ["y"]
  dest    = "a.json"
}`},
		{name: "empty outputs", src: `
source = "m.json"
extract "a" {
  inputs  = ["x"]
  outputs = []
  dest    = "a.json"
}`},
		{name: "bad policy", src: `
source = "m.json"
extract "a" {
  inputs  = ["x"]
  outputs = ["y"]
  dest    = "a.json"
  policy  = "lenient"
}`},
		{name: "bad format", src: `
source = "m.json"
format = "h5"
extract "a" {
  inputs  = ["x"]
  outputs = ["y"]
  dest    = "a.json"
}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "plan.hcl", map[string]string{})
			assert.Error(t, err)
		})
	}
}

func TestLoadFileResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OUT_DIR", filepath.Join(dir, "out"))
	path := filepath.Join(dir, "plan.hcl")
	require.NoError(t, os.WriteFile(path, []byte(autoencoderPlan), 0644))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "autoencoder.json"), p.Source)
	assert.Equal(t, filepath.Join(dir, "out", "encoder.onnx"), p.Jobs[0].Dest)
	assert.Equal(t, filepath.Join(dir, "decoder.yaml"), p.Jobs[1].Dest)
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "out"), 0755))
	t.Setenv("OUT_DIR", filepath.Join(dir, "out"))

	source := autoencoder(t)
	require.NoError(t, checkpoints.SaveModel(source, filepath.Join(dir, "autoencoder.json"), checkpoints.FormatAuto))

	path := filepath.Join(dir, "plan.hcl")
	require.NoError(t, os.WriteFile(path, []byte(autoencoderPlan), 0644))
	p, err := LoadFile(path)
	require.NoError(t, err)

	results, err := Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	enc := results[0]
	assert.Equal(t, "encoder", enc.Job)
	require.NotNil(t, enc.Result)
	assert.Equal(t, []string{"enc1", "enc_act", "latent"}, enc.Result.Copied)
	assert.Equal(t, "encoder", enc.Result.Model.Name())

	dec := results[1]
	require.NotNil(t, dec.Result)
	assert.Equal(t, []string{"dec1", "dec_act", "recon"}, dec.Result.Copied)

	for _, r := range results {
		loaded, err := checkpoints.LoadModel(r.Dest, checkpoints.FormatAuto)
		require.NoError(t, err, r.Job)
		fingerprint, err := checkpoints.Fingerprint(loaded)
		require.NoError(t, err)
		assert.Equal(t, r.Fingerprint, fingerprint, r.Job)
	}
}

func TestRunModelJobFailure(t *testing.T) {
	dir := t.TempDir()
	p := &Plan{
		Source: "unused",
		Jobs: []*Job{
			{Name: "good", Inputs: []string{"input"}, Outputs: []string{"latent"}, Dest: filepath.Join(dir, "good.json")},
			{Name: "bad", Inputs: []string{"input"}, Outputs: []string{"nope"}, Dest: filepath.Join(dir, "bad.json")},
		},
	}
	require.NoError(t, p.Validate())

	results, err := RunModel(context.Background(), autoencoder(t), p, RunOptions{Workers: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, chopper.ErrNameNotFound)
	assert.Contains(t, err.Error(), `extract "bad"`)

	require.Len(t, results, 2)
	assert.NotNil(t, results[0].Result)
	assert.Nil(t, results[1].Result)
	assert.NoFileExists(t, filepath.Join(dir, "bad.json"))
}

func TestRunModelCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &Plan{
		Source: "unused",
		Jobs: []*Job{
			{Name: "encoder", Inputs: []string{"input"}, Outputs: []string{"latent"}, Dest: filepath.Join(t.TempDir(), "enc.json")},
		},
	}
	results, err := RunModel(ctx, autoencoder(t), p, RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results[0].Result)
}

func TestRunMissingSource(t *testing.T) {
	p := &Plan{
		Source: filepath.Join(t.TempDir(), "absent.json"),
		Jobs:   []*Job{{Name: "a", Inputs: []string{"x"}, Outputs: []string{"y"}, Dest: "a.json"}},
	}
	_, err := Run(context.Background(), p, RunOptions{})
	assert.Error(t, err)
}
