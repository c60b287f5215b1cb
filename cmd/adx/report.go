package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apiclient "github.com/splax/autodeploy/pkg/client"
)

// newReportCmd groups the callbacks a build job posts while it runs.
func newReportCmd() *cobra.Command {
	var pipelineID string
	var buildNumber int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "post build progress callbacks (used from CI jobs)",
	}
	cmd.PersistentFlags().StringVar(&pipelineID, "pipeline", "", "pipeline id")
	cmd.PersistentFlags().IntVar(&buildNumber, "build", 0, "build number")

	reporter := func() (*apiclient.Reporter, error) {
		return apiclient.NewReporter(viper.GetString("api"), nil)
	}

	var stage, message string
	status := &cobra.Command{
		Use:   "status STATUS",
		Short: "report a pipeline status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := reporter()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return rep.Status(ctx, apiclient.StatusReport{
				PipelineID: pipelineID, BuildNumber: buildNumber, Status: args[0], Stage: stage, Message: message,
			})
		},
	}
	status.Flags().StringVar(&stage, "stage", "", "current stage")
	status.Flags().StringVar(&message, "message", "", "status message")

	stageCmd := &cobra.Command{
		Use:   "stage NAME STATUS",
		Short: "report a stage transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := reporter()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return rep.Stage(ctx, apiclient.StageReport{
				PipelineID: pipelineID, BuildNumber: buildNumber, Stage: args[0], Status: args[1], Message: message,
			})
		},
	}
	stageCmd.Flags().StringVar(&message, "message", "", "stage message")

	var level string
	logCmd := &cobra.Command{
		Use:   "log MESSAGE...",
		Short: "append a log line to the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := reporter()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return rep.Log(ctx, pipelineID, level, stage, strings.Join(args, " "))
		},
	}
	logCmd.Flags().StringVar(&level, "level", "info", "log level (info|success|warning|error)")
	logCmd.Flags().StringVar(&stage, "stage", "", "stage the line belongs to")

	var details []string
	eventCmd := &cobra.Command{
		Use:   "event TYPE STATUS",
		Short: "record a deployment event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseDetails(details)
			if err != nil {
				return err
			}
			rep, err := reporter()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return rep.DeploymentEvent(ctx, apiclient.DeploymentEventReport{
				PipelineID: pipelineID, EventType: args[0], Status: args[1], Details: parsed,
			})
		},
	}
	eventCmd.Flags().StringArrayVar(&details, "detail", nil, "event detail as key=value (repeatable)")

	cmd.AddCommand(status, stageCmd, logCmd, eventCmd)
	return cmd
}

func parseDetails(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid detail %q, expected key=value", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}
