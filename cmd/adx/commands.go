package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/splax/autodeploy/internal/domain"
	"github.com/splax/autodeploy/internal/service/events"
	apiclient "github.com/splax/autodeploy/pkg/client"
)

var errWatchDone = errors.New("watch complete")

func newTriggerCmd() *cobra.Command {
	var in apiclient.TriggerInput
	var follow bool
	cmd := &cobra.Command{
		Use:   "trigger NAME",
		Short: "start a pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = strings.TrimSpace(args[0])
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			p, err := client.TriggerPipeline(ctx, in)
			cancel()
			if err != nil {
				return err
			}
			out := newPrinter()
			out.printf("pipeline triggered: %s (%s) status=%s\n", p.ID, p.Name, out.status(string(p.Status)))
			if !follow {
				return nil
			}
			return watchPipeline(cmd, client, out, p.ID, true)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&in.ID, "id", "", "explicit pipeline id")
	flags.StringVar(&in.Branch, "branch", "main", "branch to build")
	flags.StringVar(&in.Environment, "env", "", "target environment (server default when empty)")
	flags.BoolVar(&in.SkipTests, "skip-tests", false, "skip the test stage")
	flags.BoolVar(&in.SkipSecurityScan, "skip-security-scan", false, "skip the security scan")
	flags.StringVar(&in.DeployTag, "deploy-tag", "", "image tag to deploy")
	flags.BoolVarP(&follow, "follow", "f", false, "follow the run until it finishes")
	return cmd
}

func newPipelinesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pipelines [ID]",
		Short: "list recent pipelines or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			out := newPrinter()
			if len(args) == 1 {
				p, err := client.GetPipeline(ctx, args[0])
				if err != nil {
					return err
				}
				out.pipelineDetail(p)
				return nil
			}
			list, err := client.ListPipelines(ctx, limit)
			if err != nil {
				return err
			}
			for _, p := range list {
				out.pipelineRow(p)
			}
			stats, err := client.Stats(ctx)
			if err != nil {
				return err
			}
			out.printf("total=%d success=%d failed=%d active=%d rate=%.1f%%\n",
				stats.Total, stats.Success, stats.Failed, stats.Active, stats.SuccessRate)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of pipelines")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var pipelineID string
	var untilDone bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "stream live pipeline and deployment events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			return watchPipeline(cmd, client, newPrinter(), pipelineID, untilDone && pipelineID != "")
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "only show events for this pipeline")
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "exit when the pipeline finishes (requires --pipeline)")
	return cmd
}

func watchPipeline(cmd *cobra.Command, client *apiclient.Client, out printer, pipelineID string, untilDone bool) error {
	err := client.Watch(cmd.Context(), func(ev apiclient.Event) error {
		return renderEvent(out, ev, pipelineID, untilDone)
	})
	if errors.Is(err, errWatchDone) {
		return nil
	}
	return err
}

// renderEvent prints one envelope. It returns errWatchDone once the watched
// pipeline reaches a terminal status and untilDone is set.
func renderEvent(out printer, ev apiclient.Event, pipelineID string, untilDone bool) error {
	matches := func(id string) bool { return pipelineID == "" || id == pipelineID }
	switch domain.EventType(ev.Type) {
	case domain.EventConnected:
		out.printf("%s\n", out.paint(ansiCyan, "connected"))
	case domain.EventPipelineStatus:
		var p events.PipelineStatus
		if err := ev.Decode(&p); err != nil || !matches(p.PipelineID) {
			return nil
		}
		out.printf("%s pipeline %s %s build %s\n", ev.Timestamp.Format("15:04:05"), p.PipelineID, out.status(string(p.Status)), buildLabel(p.BuildNumber))
		if untilDone && p.Status.Terminal() {
			return errWatchDone
		}
	case domain.EventStageUpdate:
		var s events.StageUpdate
		if err := ev.Decode(&s); err != nil || !matches(s.PipelineID) {
			return nil
		}
		out.printf("%s stage %s %s\n", ev.Timestamp.Format("15:04:05"), s.StageName, out.status(string(s.Status)))
	case domain.EventLogEntry:
		var l events.LogEntry
		if err := ev.Decode(&l); err != nil || !matches(l.PipelineID) {
			return nil
		}
		out.logLine(domain.LogEntry{Timestamp: l.Timestamp, Level: l.Level, Message: l.Message, Stage: l.Stage})
	case domain.EventManualDeployment, domain.EventDeploymentComplete, domain.EventRollback:
		var d events.Deployment
		if err := ev.Decode(&d); err != nil || pipelineID != "" {
			return nil
		}
		out.printf("%s %s ", ev.Timestamp.Format("15:04:05"), ev.Type)
		out.deployment(d.Deployment)
	case domain.EventError:
		out.printf("%s %s\n", out.paint(ansiRed, "error"), string(ev.Data))
	}
	return nil
}

func newDeployCmd() *cobra.Command {
	var in apiclient.DeployInput
	cmd := &cobra.Command{
		Use:   "deploy TAG",
		Short: "roll out an image tag to the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Tag = strings.TrimSpace(args[0])
			if in.Tag == "" {
				return fmt.Errorf("image tag is required")
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			rec, err := client.Deploy(ctx, in)
			if err != nil {
				return err
			}
			newPrinter().deployment(rec)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&in.Workload, "workload", "", "workload name (server default when empty)")
	flags.StringVar(&in.Namespace, "namespace", "", "namespace (server default when empty)")
	flags.StringVar(&in.Image, "image", "", "image repository (server default when empty)")
	flags.StringVar(&in.PipelineID, "pipeline", "", "pipeline that produced the image")
	flags.IntVar(&in.Replicas, "replicas", 0, "desired replica count")
	return cmd
}

func newRollbackCmd() *cobra.Command {
	var workload, namespace string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "return a workload to its previous revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			rec, err := client.Rollback(ctx, workload, namespace)
			if err != nil {
				return err
			}
			newPrinter().deployment(rec)
			return nil
		},
	}
	cmd.Flags().StringVar(&workload, "workload", "", "workload name (server default when empty)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace (server default when empty)")
	return cmd
}
