package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearline/retriever/common/checkpoint"
	"github.com/clearline/retriever/common/config"
	"github.com/clearline/retriever/common/job"
	"github.com/clearline/retriever/common/logger"
	"github.com/clearline/retriever/common/models"
	"github.com/clearline/retriever/common/registration"
	"github.com/clearline/retriever/common/registry"
	redisWrapper "github.com/clearline/retriever/common/redis"
)

func main() {
	app := &cli.App{
		Name:  "retriever",
		Usage: "register, download, and resume resource-retrieval jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "optional YAML config file overlaying the environment",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "submit",
				Usage: "register a new retrieval job and run it",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true, Usage: "user id"},
					&cli.StringFlag{Name: "resource", Required: true, Usage: "resource id to retrieve"},
					&cli.StringFlag{Name: "context", Usage: "purpose/context of the request"},
					&cli.StringFlag{Name: "receiver", Usage: "CEL receiver-selection expression"},
				},
				Action: runSubmit,
			},
			{
				Name:      "resume",
				Usage:     "resume an interrupted job from its checkpoint",
				ArgsUsage: "<job-id>",
				Action:    runResume,
			},
			{
				Name:      "status",
				Usage:     "print the checkpointed state of a job",
				ArgsUsage: "<job-id>",
				Action:    runStatus,
			},
			{
				Name:      "cleanup",
				Usage:     "delete a job checkpoint",
				ArgsUsage: "<job-id>",
				Action:    runCleanup,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "retriever: %v\n", err)
		os.Exit(1)
	}
}

// components bundles everything a command needs
type components struct {
	cfg    *config.Config
	log    *logger.Logger
	store  checkpoint.Store
	closer func()
}

func setup(c *cli.Context) (*components, error) {
	var cfg *config.Config
	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFile("retriever", path)
	} else {
		cfg, err = config.Load("retriever")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	store, closer, err := buildStore(c.Context, cfg, log)
	if err != nil {
		return nil, err
	}

	return &components{cfg: cfg, log: log, store: store, closer: closer}, nil
}

func buildStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (checkpoint.Store, func(), error) {
	switch cfg.Checkpoint.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store := checkpoint.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Checkpoint.RedisAddr,
			Password: cfg.Checkpoint.RedisPassword,
			DB:       cfg.Checkpoint.RedisDB,
		})
		wrapped := redisWrapper.NewClient(client, log)
		if err := wrapped.Ping(ctx); err != nil {
			return nil, nil, err
		}
		return checkpoint.NewRedisStore(wrapped), func() { client.Close() }, nil
	}
}

func buildMachine(comp *components) (*job.Machine, error) {
	cfg := comp.cfg
	return job.New(job.Options{
		Store:          comp.store,
		Registration:   registration.NewClient(cfg.Broker.RegistrationURL, comp.log),
		Registry:       registry.Default(cfg.Downloads.TransferTimeout, comp.log),
		Sink:           job.NewDirSink(cfg.Downloads.OutputDir),
		Logger:         comp.log,
		Workers:        cfg.Downloads.WorkerCount,
		PollTimeout:    cfg.Broker.PollTimeout,
		ReconnectLimit: cfg.Broker.ReconnectLimit,
	})
}

func runSubmit(c *cli.Context) error {
	comp, err := setup(c)
	if err != nil {
		return err
	}
	defer comp.closer()

	machine, err := buildMachine(comp)
	if err != nil {
		return err
	}

	state, err := machine.Submit(c.Context, models.JobConfig{
		UserID:     c.String("user"),
		ResourceID: c.String("resource"),
		Context:    c.String("context"),
		Receiver:   c.String("receiver"),
	})
	if state != nil {
		printReport(state)
	}
	return err
}

func runResume(c *cli.Context) error {
	jobID := c.Args().First()
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}

	comp, err := setup(c)
	if err != nil {
		return err
	}
	defer comp.closer()

	machine, err := buildMachine(comp)
	if err != nil {
		return err
	}

	state, err := machine.Resume(c.Context, jobID)
	if state != nil {
		printReport(state)
	}
	return err
}

func runStatus(c *cli.Context) error {
	jobID := c.Args().First()
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}

	comp, err := setup(c)
	if err != nil {
		return err
	}
	defer comp.closer()

	state, err := comp.store.Load(c.Context, jobID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runCleanup(c *cli.Context) error {
	jobID := c.Args().First()
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}

	comp, err := setup(c)
	if err != nil {
		return err
	}
	defer comp.closer()

	if err := comp.store.Delete(c.Context, jobID); err != nil {
		return err
	}
	comp.log.Info("checkpoint deleted", "job_id", jobID)
	return nil
}

func printReport(state *models.JobState) {
	summary := state.Summarize()
	fmt.Printf("job %s: %s (succeeded=%d failed=%d pending=%d skipped=%d)\n",
		state.JobID, state.Status,
		summary.Succeeded, summary.Failed, summary.Pending, summary.Skipped)

	for id, rec := range state.Downloads {
		switch rec.State {
		case models.DownloadSucceeded:
			fmt.Printf("  %s: %s (%d bytes) -> %s\n", id, rec.State, rec.Bytes, rec.Path)
		case models.DownloadFailed:
			fmt.Printf("  %s: %s (%s)\n", id, rec.State, rec.Reason)
		default:
			fmt.Printf("  %s: %s\n", id, rec.State)
		}
	}
}
