// Command layerchop extracts the sub-network between named layers of a saved
// model and writes it as a standalone model.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tsawler/layerchop/checkpoints"
	"github.com/tsawler/layerchop/chopper"
	"github.com/tsawler/layerchop/config"
	"github.com/tsawler/layerchop/engine"
	"github.com/tsawler/layerchop/logger"
	"github.com/tsawler/layerchop/plan"
)

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run is main without the process exit, so tests can drive it.
func run(outW io.Writer, args []string) error {
	cfg, shouldExit, err := parseArgs(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return usageError("%v", err)
	}
	defer closer.Close()

	if cfg.Plan != "" {
		return runPlan(outW, cfg, &log)
	}
	return runExtract(outW, cfg, &log)
}

func runExtract(outW io.Writer, cfg *config.Config, log *zerolog.Logger) error {
	source, err := checkpoints.LoadModel(cfg.SourceModel, checkpoints.FormatAuto)
	if err != nil {
		return errors.Wrap(err, "failed to load source model")
	}
	log.Debug().Str("path", cfg.SourceModel).Int("layers", len(source.Layers())).Msg("Source model loaded")

	res, err := chopper.Extract(source, cfg.InputNames, cfg.OutputNames, chopper.Options{
		Policy:  cfg.PolicyValue(),
		Verbose: cfg.Verbose,
		Logger:  log,
	})
	if err != nil {
		return errors.Wrap(err, "extraction failed")
	}

	if err := checkpoints.SaveModel(res.Model, cfg.DestModel, cfg.FormatValue()); err != nil {
		return errors.Wrap(err, "failed to save extracted model")
	}
	fingerprint, err := checkpoints.Fingerprint(res.Model)
	if err != nil {
		return err
	}

	fmt.Fprintf(outW, "Saved extracted model to %s\n", cfg.DestModel)
	printBoundary(outW, res.Model)
	fmt.Fprintf(outW, "Fingerprint: %s\n", fingerprint)
	if cfg.Verbose {
		fmt.Fprintln(outW)
		fmt.Fprint(outW, res.Model.Summary())
		printReport(outW, res)
	}
	return nil
}

func runPlan(outW io.Writer, cfg *config.Config, log *zerolog.Logger) error {
	p, err := plan.LoadFile(cfg.Plan)
	if err != nil {
		return usageError("%v", err)
	}

	results, err := plan.Run(context.Background(), p, plan.RunOptions{
		Workers: cfg.Workers,
		Verbose: cfg.Verbose,
		Logger:  log,
	})
	for _, r := range results {
		if r.Result == nil {
			continue
		}
		fmt.Fprintf(outW, "[%s] Saved extracted model to %s\n", r.Job, r.Dest)
		printBoundary(outW, r.Result.Model)
		fmt.Fprintf(outW, "Fingerprint: %s\n", r.Fingerprint)
		if cfg.Verbose {
			printReport(outW, r.Result)
		}
	}
	return err
}

func printBoundary(w io.Writer, m *engine.Model) {
	fmt.Fprintln(w, "Inputs:")
	for _, v := range m.Inputs() {
		fmt.Fprintf(w, "  %s %v\n", v.Name(), v.Shape())
	}
	fmt.Fprintln(w, "Outputs:")
	for _, v := range m.Outputs() {
		fmt.Fprintf(w, "  %s %v\n", v.Name(), v.Shape())
	}
}

func printReport(w io.Writer, res *chopper.Result) {
	copied := "none"
	if len(res.Copied) > 0 {
		copied = strings.Join(res.Copied, ", ")
	}
	fmt.Fprintf(w, "Copied layers: %s\n", copied)
	fmt.Fprintf(w, "Resolver rounds: %d\n", res.Rounds)
	for _, u := range res.Unresolved {
		fmt.Fprintf(w, "Unresolved: %s waits on %s (fragment from %s)\n", u.Consumer, strings.Join(u.Missing, ", "), u.From)
	}
}
