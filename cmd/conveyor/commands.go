package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/pkg/domain"
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	var showEnv bool

	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Execute a pipeline definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			job, err := a.service.ExecuteFile(ctx, args[0])
			if err != nil {
				return err
			}

			printJob(cmd, job, showEnv)
			if job.Status == domain.StageFailed {
				return fmt.Errorf("pipeline %s failed", job.Pipeline)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showEnv, "show-env", false, "Print the pipeline environment after the run")
	return cmd
}

func newValidateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline-file>",
		Short: "Validate a pipeline definition without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			result, err := a.service.ValidateFile(ctx, args[0])
			if err != nil {
				return err
			}

			for _, f := range result.Findings {
				cmd.Println(formatFinding(f))
			}
			if !result.Valid {
				return fmt.Errorf("%s is not a valid pipeline", args[0])
			}
			cmd.Printf("%s is valid\n", args[0])
			return nil
		},
	}
}

func newEnginesCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List registered script engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			for _, desc := range a.service.Engines() {
				caps := make([]string, 0, len(desc.Capabilities))
				for _, c := range desc.Capabilities {
					caps = append(caps, string(c))
				}
				cmd.Printf("%s\t%s %s\t%s\t[%s]\n",
					desc.ID, desc.Name, desc.Version,
					strings.Join(desc.Extensions, ","),
					strings.Join(caps, ","),
				)
			}
			return nil
		},
	}
}

func printJob(cmd *cobra.Command, job domain.JobResult, showEnv bool) {
	cmd.Printf("pipeline %s: %s (%s)\n", job.Pipeline, job.Status, job.Duration.Round(time.Millisecond))
	for _, stage := range job.Stages {
		line := fmt.Sprintf("  stage %s: %s", stage.Stage, stage.Status)
		if stage.Status != domain.StageSkipped {
			line += fmt.Sprintf(" (%s)", stage.Duration.Round(time.Millisecond))
		}
		if stage.Err != "" {
			line += ": " + stage.Err
		}
		cmd.Println(line)
	}
	if job.LogExcerpt != "" {
		cmd.Println(strings.TrimRight(job.LogExcerpt, "\n"))
	}
	if showEnv {
		for k, v := range job.Env {
			cmd.Printf("  %s=%s\n", k, v)
		}
	}
}

func formatFinding(f domain.Diagnostic) string {
	var b strings.Builder
	b.WriteString(string(f.Severity))
	if f.Location != nil {
		fmt.Fprintf(&b, " %s:%d", f.Location.File, f.Location.Line)
	}
	b.WriteString(": ")
	b.WriteString(f.Message)
	return b.String()
}
