package plan

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/layerchop/checkpoints"
	"github.com/tsawler/layerchop/chopper"
	"github.com/tsawler/layerchop/engine"
)

// RunOptions configure a plan run.
type RunOptions struct {
	// Workers bounds concurrent jobs. Zero uses the plan's workers setting,
	// then 1.
	Workers int
	Verbose bool
	Logger  *zerolog.Logger
}

// JobResult reports one finished job.
type JobResult struct {
	Job         string
	Dest        string
	Result      *chopper.Result
	Fingerprint string
	Elapsed     time.Duration
}

// Run loads the plan's source model once and runs every job against it.
// Results are returned in declaration order; jobs that did not finish have a
// nil Result. The first job error cancels jobs that have not started.
func Run(ctx context.Context, p *Plan, opts RunOptions) ([]JobResult, error) {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	source, err := checkpoints.LoadModel(p.Source, checkpoints.FormatAuto)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load source model")
	}
	log.Info().Str("source", p.Source).Int("layers", len(source.Layers())).Int("jobs", len(p.Jobs)).Msg("Plan started")

	return RunModel(ctx, source, p, opts)
}

// RunModel runs the plan's jobs against an already loaded source model.
func RunModel(ctx context.Context, source *engine.Model, p *Plan, opts RunOptions) ([]JobResult, error) {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = p.Workers
	}
	if workers <= 0 {
		workers = 1
	}

	results := make([]JobResult, len(p.Jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, job := range p.Jobs {
		results[i] = JobResult{Job: job.Name, Dest: job.Dest}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			jobLog := log.With().Str("job", job.Name).Logger()
			start := time.Now()

			res, err := chopper.Extract(source, job.Inputs, job.Outputs, chopper.Options{
				Policy:    p.policy(job),
				Verbose:   opts.Verbose,
				Logger:    &jobLog,
				ModelName: job.Name,
			})
			if err != nil {
				return errors.Wrapf(err, "extract %q", job.Name)
			}
			if err := checkpoints.SaveModel(res.Model, job.Dest, p.format(job)); err != nil {
				return errors.Wrapf(err, "extract %q: failed to save %s", job.Name, job.Dest)
			}
			fingerprint, err := checkpoints.Fingerprint(res.Model)
			if err != nil {
				return errors.Wrapf(err, "extract %q", job.Name)
			}

			results[i].Result = res
			results[i].Fingerprint = fingerprint
			results[i].Elapsed = time.Since(start)
			jobLog.Info().
				Str("dest", job.Dest).
				Int("copied", len(res.Copied)).
				Int("rounds", res.Rounds).
				Dur("elapsed", results[i].Elapsed).
				Msg("Extraction saved")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
