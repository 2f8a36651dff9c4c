package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/regainflow/console/internal/domain"
	apiclient "github.com/regainflow/console/pkg/api/client"
	"github.com/regainflow/console/pkg/config"
)

const requestTimeout = 15 * time.Second

type rootOptions struct {
	apiBase string
	output  string
	actor   string
}

func (o *rootOptions) client() (*apiclient.Client, error) {
	return apiclient.New(o.apiBase, apiclient.WithActor(o.actor))
}

func (o *rootOptions) printer(cmd *cobra.Command) printer {
	return newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), o.output)
}

func newRootCommand() *cobra.Command {
	cfg := config.LoadCLIConfig()
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "regainflow",
		Short:         "Operate the RegainFlow infrastructure console",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.apiBase, "api", cfg.APIBaseURL, "Console API base URL")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", cfg.Output, "Output format (auto|text|json)")
	cmd.PersistentFlags().StringVar(&opts.actor, "actor", os.Getenv("USER"), "Operator name recorded in the audit trail")

	cmd.AddCommand(
		newEnvsCommand(opts),
		newPlanCommand(opts),
		newDeployCommand(opts),
		newLogsCommand(opts),
		newCancelCommand(opts),
		newBlueprintsCommand(opts),
		newAuditCommand(opts),
	)
	return cmd
}

func newEnvsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "envs",
		Aliases: []string{"environments"},
		Short:   "List environments",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			envs, err := client.ListEnvironments(ctx)
			if err != nil {
				return err
			}
			return opts.printer(cmd).Environments(envs)
		},
	}
}

func newPlanCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Draft deployment plans",
	}

	var fields apiclient.StaticPlanInput
	static := &cobra.Command{
		Use:   "static",
		Short: "Build a plan from form fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			res, err := client.StaticPlan(ctx, fields)
			if err != nil {
				return err
			}
			return opts.printer(cmd).Plan(res.Plan, res.Source)
		},
	}
	bindStaticFlags(static, &fields)

	generate := &cobra.Command{
		Use:   "generate <request>",
		Short: "Draft a plan from a free-form request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			var res apiclient.PlanResult
			err = p.Spin("Generating plan", func() error {
				ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
				defer cancel()
				var genErr error
				res, genErr = client.GeneratePlan(ctx, strings.Join(args, " "))
				return genErr
			})
			if err != nil {
				return err
			}
			return p.Plan(res.Plan, res.Source)
		},
	}

	cmd.AddCommand(static, generate)
	return cmd
}

func bindStaticFlags(cmd *cobra.Command, fields *apiclient.StaticPlanInput) {
	cmd.Flags().StringVar(&fields.Name, "name", "", "Environment name")
	cmd.Flags().StringVar(&fields.Region, "region", "", "Region (default us-east-1)")
	cmd.Flags().StringVar(&fields.Type, "type", "", "Environment type (default K8s Cluster)")
	cmd.Flags().StringVar(&fields.CPU, "cpu", "", "CPU allocation")
	cmd.Flags().StringVar(&fields.Memory, "memory", "", "Memory allocation")
	cmd.Flags().StringVar(&fields.Storage, "storage", "", "Storage allocation")
	cmd.Flags().StringVar(&fields.Description, "description", "", "Plan summary")
}

func newDeployCommand(opts *rootOptions) *cobra.Command {
	var (
		fields    apiclient.StaticPlanInput
		prompt    string
		blueprint string
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create an environment and start its rollout",
		Example: `  regainflow deploy --name payments --region eu-west-1
  regainflow deploy --prompt "k8s cluster for microservices" --follow
  regainflow deploy --blueprint bp-002 --name sandbox`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			input, err := deployInput(cmd.Context(), client, fields, prompt, blueprint)
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			var dep apiclient.Deployment
			err = p.Spin("Starting deployment", func() error {
				ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
				defer cancel()
				var depErr error
				dep, depErr = client.Deploy(ctx, input)
				return depErr
			})
			if err != nil {
				return err
			}
			if p.json && !follow {
				return p.JSON(dep)
			}
			if !p.json {
				fmt.Fprintf(p.out, "deployment started: %s (%s) status=%s plan=%s\n", dep.Environment.ID, dep.Environment.Name, dep.Environment.Status, dep.Source)
			}
			if !follow {
				return nil
			}
			return followLogs(cmd, client, p, dep.Environment.ID, 0)
		},
	}
	bindStaticFlags(cmd, &fields)
	cmd.Flags().StringVar(&prompt, "prompt", "", "Generate the plan from a free-form request")
	cmd.Flags().StringVar(&blueprint, "blueprint", "", "Deploy a blueprint by id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream deployment logs until the rollout ends")
	cmd.MarkFlagsMutuallyExclusive("prompt", "blueprint")
	return cmd
}

// deployInput turns the flag set into exactly one plan source.
func deployInput(ctx context.Context, client *apiclient.Client, fields apiclient.StaticPlanInput, prompt, blueprint string) (apiclient.DeployInput, error) {
	switch {
	case strings.TrimSpace(prompt) != "":
		return apiclient.DeployInput{Prompt: prompt}, nil
	case strings.TrimSpace(blueprint) != "":
		return apiclient.DeployInput{BlueprintID: blueprint, Name: fields.Name}, nil
	case strings.TrimSpace(fields.Name) == "":
		return apiclient.DeployInput{}, errors.New("--name, --prompt or --blueprint is required")
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	res, err := client.StaticPlan(reqCtx, fields)
	if err != nil {
		return apiclient.DeployInput{}, err
	}
	input := apiclient.DeployInput{Plan: &res.Plan, Region: fields.Region, Type: fields.Type}
	if fields.CPU != "" || fields.Memory != "" || fields.Storage != "" {
		input.Resources = &domain.Resources{CPU: fields.CPU, Memory: fields.Memory, Storage: fields.Storage}
	}
	return input, nil
}

func newLogsCommand(opts *rootOptions) *cobra.Command {
	var (
		follow bool
		after  int64
	)
	cmd := &cobra.Command{
		Use:   "logs [environment-id]",
		Short: "Show deployment logs",
		Long:  "Show logs for one environment, or for all environments when no id is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			envID := ""
			if len(args) == 1 {
				envID = args[0]
			}
			if follow {
				if envID == "" {
					return errors.New("--follow requires an environment id")
				}
				return followLogs(cmd, client, p, envID, after)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			entries, err := client.FetchLogs(ctx, envID, after)
			if err != nil {
				return err
			}
			if p.json {
				return p.JSON(entries)
			}
			for _, entry := range entries {
				if err := p.LogEntry(entry); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new entries until the rollout ends")
	cmd.Flags().Int64Var(&after, "after", 0, "Only show entries with a greater sequence number")
	return cmd
}

var errStreamDone = errors.New("stream done")

// followLogs streams entries until a terminal entry arrives or the user interrupts.
func followLogs(cmd *cobra.Command, client *apiclient.Client, p printer, envID string, after int64) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := client.StreamLogs(ctx, envID, after, func(entry domain.LogEntry) error {
		if err := p.LogEntry(entry); err != nil {
			return err
		}
		if entry.Level == domain.LevelSuccess || entry.Level == domain.LevelError {
			return errStreamDone
		}
		return nil
	})
	if errors.Is(err, errStreamDone) || ctx.Err() != nil {
		return nil
	}
	return err
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <environment-id>",
		Short: "Cancel a running deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			run, err := client.Cancel(ctx, args[0])
			if apiclient.IsStatus(err, http.StatusNotFound) {
				return fmt.Errorf("%s has no running deployment", args[0])
			}
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			if p.json {
				return p.JSON(run)
			}
			fmt.Fprintf(p.out, "deployment %s cancelled\n", run.ID)
			return nil
		},
	}
}

func newBlueprintsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "blueprints",
		Short: "List deployment blueprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			bps, err := client.ListBlueprints(ctx)
			if err != nil {
				return err
			}
			return opts.printer(cmd).Blueprints(bps)
		},
	}
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			events, err := client.ListAudit(ctx, limit)
			if err != nil {
				return err
			}
			return opts.printer(cmd).Audit(events)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	return cmd
}
