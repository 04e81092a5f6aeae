// Package plan reads batch extraction plans written in HCL and runs them.
//
// A plan names one source model and any number of extract blocks:
//
//	source = "models/autoencoder.json"
//	policy = "strict"
//
//	extract "encoder" {
//	  inputs  = ["image"]
//	  outputs = ["latent"]
//	  dest    = "${env.OUT_DIR}/encoder.onnx"
//	}
//
// The env variable exposes the process environment to expressions. Relative
// paths are resolved against the directory holding the plan file.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/tsawler/layerchop/checkpoints"
	"github.com/tsawler/layerchop/chopper"
)

// Plan is a decoded plan file.
type Plan struct {
	Source string `hcl:"source"`
	// Policy and Format are defaults for jobs that do not set their own.
	Policy  string `hcl:"policy,optional"`
	Format  string `hcl:"format,optional"`
	Workers int    `hcl:"workers,optional"`
	Jobs    []*Job `hcl:"extract,block"`
}

// Job is one extract block.
type Job struct {
	Name    string   `hcl:"name,label"`
	Inputs  []string `hcl:"inputs"`
	Outputs []string `hcl:"outputs"`
	Dest    string   `hcl:"dest"`
	Policy  string   `hcl:"policy,optional"`
	Format  string   `hcl:"format,optional"`
}

// LoadFile parses and validates the plan at path.
func LoadFile(path string) (*Plan, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %v", err)
	}
	p, err := Parse(src, path, environ())
	if err != nil {
		return nil, err
	}
	p.resolvePaths(filepath.Dir(path))
	return p, nil
}

// Parse decodes a plan from src. env populates the env variable.
func Parse(src []byte, filename string, env map[string]string) (*Plan, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", filename, diags)
	}

	var p Plan
	if diags := gohcl.DecodeBody(file.Body, evalContext(env), &p); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode plan file %s: %w", filename, diags)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %v", filename, err)
	}
	return &p, nil
}

func evalContext(env map[string]string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(env))
	for k, v := range env {
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// Validate checks every job is complete and uniquely named.
func (p *Plan) Validate() error {
	if p.Source == "" {
		return fmt.Errorf("source is empty")
	}
	if len(p.Jobs) == 0 {
		return fmt.Errorf("no extract blocks")
	}
	if p.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if _, err := chopper.ParsePolicy(p.Policy); err != nil {
		return err
	}
	if _, err := checkpoints.ParseFormat(p.Format); err != nil {
		return err
	}

	seen := make(map[string]bool, len(p.Jobs))
	dests := make(map[string]string, len(p.Jobs))
	for _, j := range p.Jobs {
		if seen[j.Name] {
			return fmt.Errorf("extract %q is declared twice", j.Name)
		}
		seen[j.Name] = true

		switch {
		case len(j.Inputs) == 0:
			return fmt.Errorf("extract %q has no inputs", j.Name)
		case len(j.Outputs) == 0:
			return fmt.Errorf("extract %q has no outputs", j.Name)
		case j.Dest == "":
			return fmt.Errorf("extract %q has no dest", j.Name)
		}
		if other, dup := dests[j.Dest]; dup {
			return fmt.Errorf("extract %q and %q both write %s", other, j.Name, j.Dest)
		}
		dests[j.Dest] = j.Name

		if _, err := chopper.ParsePolicy(j.Policy); err != nil {
			return fmt.Errorf("extract %q: %v", j.Name, err)
		}
		if _, err := checkpoints.ParseFormat(j.Format); err != nil {
			return fmt.Errorf("extract %q: %v", j.Name, err)
		}
	}
	return nil
}

func (p *Plan) resolvePaths(dir string) {
	abs := func(path string) string {
		if filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(dir, path)
	}
	p.Source = abs(p.Source)
	for _, j := range p.Jobs {
		j.Dest = abs(j.Dest)
	}
}

// policy returns the job's policy, falling back to the plan default.
func (p *Plan) policy(j *Job) chopper.Policy {
	name := j.Policy
	if name == "" {
		name = p.Policy
	}
	policy, _ := chopper.ParsePolicy(name)
	return policy
}

func (p *Plan) format(j *Job) checkpoints.CheckpointFormat {
	name := j.Format
	if name == "" {
		name = p.Format
	}
	format, _ := checkpoints.ParseFormat(name)
	return format
}
