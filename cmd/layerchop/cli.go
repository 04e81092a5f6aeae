package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/tsawler/layerchop/config"
)

// ExitError is an error carrying a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...interface{}) error {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// parseArgs layers the configuration: defaults, the --config file, the
// environment, then flags given on the command line. It returns nil and
// true when the caller should exit cleanly (help was requested).
func parseArgs(args []string, output io.Writer) (*config.Config, bool, error) {
	flagSet := flag.NewFlagSet("layerchop", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
layerchop - extract a sub-network between named layers of a saved model.

Usage:
  layerchop --source-model PATH --dest-model PATH --input-names a,b --output-names c,d
  layerchop --plan FILE.hcl

Options:
`)
		flagSet.PrintDefaults()
	}

	var (
		sourceModel = flagSet.String("source-model", "", "Path to the model to extract from.")
		destModel   = flagSet.String("dest-model", "", "Path to write the extracted model to.")
		inputNames  = flagSet.String("input-names", "", "Comma-separated names of the layers that become the new inputs.")
		outputNames = flagSet.String("output-names", "", "Comma-separated names of the layers that become the new outputs.")
		verbose     = flagSet.Bool("verbose", false, "Trace every copied layer and print the extraction report.")
		policy      = flagSet.String("policy", "", "Unmet merge dependencies: 'permissive' warns, 'strict' fails.")
		format      = flagSet.String("format", "", "Destination format: 'auto', 'json', 'yaml' or 'onnx'.")
		planPath    = flagSet.String("plan", "", "Run the extractions listed in an HCL plan file.")
		workers     = flagSet.Int("workers", 0, "Concurrent extractions when running a plan.")
		logLevel    = flagSet.String("log-level", "", "Log level: 'debug', 'info', 'warn' or 'error'.")
		logFormat   = flagSet.String("log-format", "", "Log format: 'console' or 'json'.")
		configPath  = flagSet.String("config", "", "Path to a YAML configuration file.")
		envFile     = flagSet.String("env-file", ".env", "Environment file to load before reading LAYERCHOP_* variables.")
	)

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if flagSet.NArg() > 0 {
		return nil, false, usageError("unexpected arguments: %v", flagSet.Args())
	}
	if len(args) == 0 {
		flagSet.Usage()
		return nil, true, nil
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromPath(*configPath)
		if err != nil {
			return nil, false, usageError("%v", err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(*envFile); err != nil {
		return nil, false, usageError("%v", err)
	}

	// Only flags given explicitly override file and environment values.
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "source-model":
			cfg.SourceModel = *sourceModel
		case "dest-model":
			cfg.DestModel = *destModel
		case "input-names":
			cfg.InputNames = config.SplitNames(*inputNames)
		case "output-names":
			cfg.OutputNames = config.SplitNames(*outputNames)
		case "verbose":
			cfg.Verbose = *verbose
		case "policy":
			cfg.Policy = *policy
		case "format":
			cfg.Format = *format
		case "plan":
			cfg.Plan = *planPath
		case "workers":
			cfg.Workers = *workers
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, false, usageError("%v", err)
	}
	return cfg, false, nil
}
