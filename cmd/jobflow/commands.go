package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	jobflow "github.com/SoundOrion/JobFlow2"
)

// newRootCommand constructs the jobflow CLI. Every subcommand reads the
// configuration from the environment first; flags override it.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobflow",
		Short:         "Durable task dispatch over NATS JetStream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("nats-url", "", "broker URL (overrides NATS_URL)")
	flags.String("identity", "", "host identity used for per-host consumers (defaults to the hostname)")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")

	root.AddCommand(
		newProvisionCommand(),
		newPublishCommand(),
		newWorkerCommand(),
		newStatusCommand(),
	)
	return root
}

// newProvisionCommand constructs the `provision` subcommand.
func newProvisionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the configured streams and consumers",
		Long: `Create the configured streams and durable consumers.

Existing streams with matching settings are left alone. A stream that exists
with different settings is never modified; the command fails and lists the
differing fields.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *jobflow.Service) error {
				if err := svc.ProvisionStreams(ctx); err != nil {
					return err
				}
				created, err := svc.ProvisionConsumers(ctx)
				if err != nil {
					return err
				}
				for _, b := range svc.Bindings() {
					cons := created[b.Class]
					fmt.Fprintf(cmd.OutOrStdout(), "%s: stream %s, consumer %s\n", b.Class, b.Stream.Name, cons.Name)
				}
				return nil
			})
		},
	}
}

// newPublishCommand constructs the `publish` subcommand.
func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish tasks",
		Long: `Publish tasks to one or both delivery classes.

With --id a single task is published to every selected class. Without it,
three sample tasks are published to every selected class.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			classFlag, _ := cmd.Flags().GetString("class")
			id, _ := cmd.Flags().GetInt64("id")
			description, _ := cmd.Flags().GetString("description")
			provision, _ := cmd.Flags().GetBool("provision")

			classes, err := parseClasses(classFlag)
			if err != nil {
				return err
			}

			return withService(cmd, func(ctx context.Context, svc *jobflow.Service) error {
				if provision {
					if err := svc.ProvisionStreams(ctx); err != nil {
						return err
					}
				}
				for _, class := range classes {
					tasks := sampleTasks(class)
					if cmd.Flags().Changed("id") {
						tasks = []jobflow.Task{jobflow.NewTask(id, description)}
					}
					for _, task := range tasks {
						ack, err := svc.Publish(ctx, class, task)
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s (seq %d)\n", ack.Subject, ack.Stream, ack.Sequence)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().String("class", "all", "delivery class: limits, workqueue or all")
	cmd.Flags().Int64("id", 0, "task id; omit to publish sample tasks")
	cmd.Flags().String("description", "", "task description")
	cmd.Flags().Bool("provision", true, "create missing streams before publishing")
	return cmd
}

// newWorkerCommand constructs the `worker` subcommand.
func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "worker",
		Aliases: []string{"run"},
		Short:   "Consume tasks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			classFlag, _ := cmd.Flags().GetString("class")
			metricsPort, _ := cmd.Flags().GetInt("metrics-port")
			statusPort, _ := cmd.Flags().GetInt("status-port")

			classes, err := parseClasses(classFlag)
			if err != nil {
				return err
			}

			conf, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if metricsPort > 0 {
				conf.MetricsEnabled = true
				conf.MetricsPort = metricsPort
			}
			if statusPort > 0 {
				conf.StatusEnabled = true
				conf.StatusPort = statusPort
			}

			ctx := cmd.Context()
			svc, err := jobflow.NewService(ctx, conf, logger, jobflow.ServiceDependencies{
				Hooks: jobflow.LoggingHooks(logger),
			})
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.ProvisionStreams(ctx); err != nil {
				return err
			}
			for _, class := range classes {
				if _, err := svc.AddLoop(ctx, class, printTask(cmd)); err != nil {
					return err
				}
			}

			logger.Info("Worker started", jobflow.LogFields{"classes": classFlag, "identity": conf.Identity})
			err = svc.Run(ctx)
			if errors.Is(err, jobflow.ErrLoopStopped) && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("class", "all", "delivery class: limits, workqueue or all")
	cmd.Flags().Int("metrics-port", 0, "serve Prometheus metrics on this port")
	cmd.Flags().Int("status-port", 0, "serve the status API on this port")
	return cmd
}

// newStatusCommand constructs the `status` subcommand.
func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print stream and consumer state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *jobflow.Service) error {
				body, err := jobflow.Marshal(svc.StreamStatuses(ctx))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return err
			})
		},
	}
}

func printTask(cmd *cobra.Command) jobflow.Handler {
	return func(ctx context.Context, d jobflow.Delivery) error {
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] Received: TaskId=%d, Description=%s\n", d.Stream, d.Task.TaskID, d.Task.Description)
		return nil
	}
}

func sampleTasks(class jobflow.Class) []jobflow.Task {
	label := "Limits"
	if class == jobflow.ClassWorkqueue {
		label = "Workqueue"
	}
	tasks := make([]jobflow.Task, 0, 3)
	for i := int64(1); i <= 3; i++ {
		tasks = append(tasks, jobflow.NewTask(i, fmt.Sprintf("Task %d for %s", i, label)))
	}
	return tasks
}

func parseClasses(value string) ([]jobflow.Class, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "all":
		return []jobflow.Class{jobflow.ClassLimits, jobflow.ClassWorkqueue}, nil
	case string(jobflow.ClassLimits):
		return []jobflow.Class{jobflow.ClassLimits}, nil
	case string(jobflow.ClassWorkqueue):
		return []jobflow.Class{jobflow.ClassWorkqueue}, nil
	}
	return nil, fmt.Errorf("unknown class %q", value)
}

// loadConfig layers defaults, the environment and flags, in that order.
func loadConfig(cmd *cobra.Command) (*jobflow.Config, jobflow.ServiceLogger, error) {
	conf := jobflow.DefaultConfig()
	if err := jobflow.ConfigFromEnv(&conf); err != nil {
		return nil, nil, err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("nats-url"); v != "" {
		conf.NATSURL = v
	}
	if v, _ := flags.GetString("identity"); v != "" {
		conf.Identity = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		conf.LogLevel = v
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		conf.LogFormat = v
	}
	if err := jobflow.ValidateConfig(&conf); err != nil {
		return nil, nil, err
	}

	slogger, err := jobflow.NewSlogLogger(cmd.ErrOrStderr(), conf.LogFormat, conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return &conf, jobflow.NewSlogServiceLogger(slogger), nil
}

func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *jobflow.Service) error) error {
	conf, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	svc, err := jobflow.NewService(ctx, conf, logger, jobflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}
