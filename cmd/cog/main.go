package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/replicate/go/logging"
	"github.com/replicate/go/must"
	_ "go.uber.org/automaxprocs"

	"github.com/replicate/cog-serve/internal/config"
	"github.com/replicate/cog-serve/internal/prediction"
	"github.com/replicate/cog-serve/internal/service"
	"github.com/replicate/cog-serve/internal/uploader"
	"github.com/replicate/cog-serve/internal/util"
	"github.com/replicate/cog-serve/internal/worker"
)

var logger = logging.New("cog")

var ErrPredictionFailed = errors.New("prediction did not succeed")

// predictorEnv points the worker at the predictor and trainer from cog.yaml,
// if there is one.
func predictorEnv(cfg *config.Config) {
	log := logger.Sugar()
	dir := cfg.WorkingDirectory
	if dir == "" {
		dir = must.Get(os.Getwd())
	}
	y, err := util.ReadCogYaml(dir)
	if err != nil {
		log.Debugw("no cog.yaml", "dir", dir, "error", err)
		return
	}
	if cfg.EnvSet == nil {
		cfg.EnvSet = make(map[string]string)
	}
	for k, v := range y.WorkerEnv() {
		if _, ok := cfg.EnvSet[k]; !ok {
			cfg.EnvSet[k] = v
		}
	}
}

func serverCommand() *ff.Command {
	log := logger.Sugar()

	var cfg config.Config
	flags := ff.NewFlagSet("server")
	must.Do(flags.AddStruct(&cfg))

	return &ff.Command{
		Name:  "server",
		Usage: "server [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			predictorEnv(&cfg)
			log.Infow("configuration",
				"await-explicit-shutdown", cfg.AwaitExplicitShutdown,
				"upload-url", cfg.UploadURL,
				"worker-command", cfg.WorkerCommand,
				"working-dir", cfg.WorkingDirectory,
			)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			if !cfg.AwaitExplicitShutdown {
				go func() {
					ch := make(chan os.Signal, 1)
					signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
					select {
					case s := <-ch:
						log.Infow("stopping Cog HTTP server", "signal", s)
						cancel()
					case <-ctx.Done():
					}
				}()
			}

			s := service.New(cfg, logger)
			if err := s.Initialize(ctx); err != nil {
				return err
			}
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if code := s.ExitCode(); code != 0 {
				return fmt.Errorf("worker exited with code %d", code)
			}
			log.Infow("shutdown completed normally")
			return nil
		},
	}
}

// parseInputs turns key=value pairs into a prediction input. Values that
// parse as JSON keep their type, anything else is a string.
func parseInputs(args []string) (map[string]any, error) {
	input := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", arg)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			input[k] = parsed
		} else {
			input[k] = v
		}
	}
	return input, nil
}

func startWorker(cfg config.Config) (*worker.ProcessWorker, error) {
	w, err := worker.New(worker.Config{
		Command:             cfg.Command(),
		Dir:                 cfg.WorkingDirectory,
		EnvSet:              cfg.EnvSet,
		EnvUnset:            cfg.EnvUnset,
		ShutdownGracePeriod: cfg.RunnerShutdownGracePeriod,
		Stderr:              os.Stderr,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}

// setup runs setup on a fresh control plane and waits for it to succeed.
func setup(ctx context.Context, cfg config.Config, w *worker.ProcessWorker, opts ...prediction.Option) (*prediction.Service, error) {
	svc := prediction.NewService(w, logger, opts...)
	task, err := svc.Setup(ctx)
	if err != nil {
		return nil, err
	}
	waitCtx := ctx
	if cfg.SetupTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, cfg.SetupTimeout)
		defer cancel()
	}
	if err := task.Wait(waitCtx); err != nil {
		return nil, fmt.Errorf("setup did not complete: %w", err)
	}
	if res := task.Result(); res.Status != prediction.SetupSucceeded {
		return nil, fmt.Errorf("setup failed: %s", strings.Join(res.Logs, ""))
	}
	return svc, nil
}

func predictCommand() *ff.Command {
	var cfg config.Config
	flags := ff.NewFlagSet("predict")
	must.Do(flags.AddStruct(&cfg))

	return &ff.Command{
		Name:      "predict",
		Usage:     "predict [FLAGS] [KEY=VALUE...]",
		ShortHelp: "run one prediction and print the result",
		Flags:     flags,
		Exec: func(ctx context.Context, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			input, err := parseInputs(args)
			if err != nil {
				return err
			}
			predictorEnv(&cfg)

			w, err := startWorker(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = w.Shutdown() }()

			up := uploader.New(cfg.UploadURL, logger)
			svc, err := setup(ctx, cfg, w, prediction.WithUploader(up.ForRequest))
			if err != nil {
				return err
			}

			task, err := svc.Predict(ctx, prediction.PredictionRequest{Input: input})
			if err != nil {
				return err
			}
			if err := task.Wait(ctx); err != nil {
				_ = svc.Cancel(task.ID())
				return err
			}
			res := task.Result()
			bs, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			must.Get(fmt.Fprintln(os.Stdout, string(bs)))
			if res.Status != prediction.StatusSucceeded {
				return fmt.Errorf("%w: %s", ErrPredictionFailed, res.Status)
			}
			return nil
		},
	}
}

func schemaCommand() *ff.Command {
	var cfg config.Config
	flags := ff.NewFlagSet("schema")
	must.Do(flags.AddStruct(&cfg))

	return &ff.Command{
		Name:      "schema",
		Usage:     "schema [FLAGS]",
		ShortHelp: "print the OpenAPI schema of the model",
		Flags:     flags,
		Exec: func(ctx context.Context, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			predictorEnv(&cfg)

			w, err := startWorker(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = w.Shutdown() }()

			if _, err := setup(ctx, cfg, w); err != nil {
				return err
			}
			bs := w.Schema()
			if len(bs) == 0 {
				return errors.New("model did not report a schema")
			}
			must.Get(fmt.Fprintln(os.Stdout, string(bs)))
			return nil
		},
	}
}

func main() {
	log := logger.Sugar()
	flags := ff.NewFlagSet("cog")
	cmd := &ff.Command{
		Name:  "cog",
		Usage: "cog <COMMAND> [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			return ff.ErrHelp
		},
		Subcommands: []*ff.Command{
			serverCommand(),
			predictCommand(),
			schemaCommand(),
		},
	}
	err := cmd.ParseAndRun(context.Background(), os.Args[1:], ff.WithEnvVarPrefix("COG"))
	switch {
	case errors.Is(err, ff.ErrHelp):
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		os.Exit(1)
	case err != nil:
		log.Error(err)
		os.Exit(1)
	}
}
