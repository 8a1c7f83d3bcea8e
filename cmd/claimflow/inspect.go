package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/claimflow/internal/client"
	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

// inspectOptions identify the server and the caller.
type inspectOptions struct {
	server  string
	subject string
	token   string
}

func (o *inspectOptions) client() (*client.Client, error) {
	opts := []client.Option{client.WithSubject(o.subject)}
	if o.token != "" {
		opts = append(opts, client.WithBearerToken(o.token))
	}
	return client.New(o.server, opts...)
}

func (o *inspectOptions) rctx() *model.RequestContext {
	return &model.RequestContext{SubjectID: o.subject}
}

func newInspectCommand() *cobra.Command {
	opts := &inspectOptions{}

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect workflows on a running server",
	}
	flags := inspectCmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("CLAIMFLOW_SERVER", "http://localhost:8080"), "Server base URL")
	flags.StringVar(&opts.subject, "subject", os.Getenv("USER"), "Subject sent to servers using header identity")
	flags.StringVar(&opts.token, "token", os.Getenv("CLAIMFLOW_TOKEN"), "Bearer token for servers using JWT identity")

	inspectCmd.AddCommand(newInspectStepsCommand(opts))
	inspectCmd.AddCommand(newInspectListCommand(opts))
	inspectCmd.AddCommand(newInspectShowCommand(opts))
	inspectCmd.AddCommand(newInspectWatchCommand(opts))
	inspectCmd.AddCommand(newInspectAuditCommand(opts))

	return inspectCmd
}

func newInspectStepsCommand(opts *inspectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List the pipeline steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			steps, err := c.Steps(cmd.Context(), opts.rctx())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(steps))
			for _, s := range steps {
				rows = append(rows, []string{strconv.Itoa(s.Order), string(s.Name), s.Label})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Order", "Step", "Label"}, rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft}))
			return nil
		},
	}
}

func newInspectListCommand(opts *inspectOptions) *cobra.Command {
	var (
		status string
		owner  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			list, err := c.List(cmd.Context(), opts.rctx(), workflow.ListFilters{
				OwnerID: owner,
				Status:  model.WorkflowStatus(status),
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workflows")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderWorkflows(list))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only workflows with this status")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner (defaults to the caller)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of workflows")
	return cmd
}

func newInspectShowCommand(opts *inspectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			inst, err := c.Get(cmd.Context(), opts.rctx(), args[0])
			if err != nil {
				return err
			}
			writeWorkflow(cmd.OutOrStdout(), inst)
			return nil
		},
	}
}

func newInspectWatchCommand(opts *inspectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <workflow-id>",
		Short: "Print a workflow's change events as they happen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			events, err := c.Subscribe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for evt := range events {
				line := fmt.Sprintf("%s  v%-3d %-20s", evt.OccurredAt.Format(time.RFC3339), evt.Version, evt.Type)
				if evt.StepName != "" {
					line += " step=" + string(evt.StepName)
				}
				if evt.ActorID != "" {
					line += " by=" + evt.ActorID
				}
				fmt.Fprintln(out, line)
			}
			if err := cmd.Context().Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newInspectAuditCommand(opts *inspectOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <workflow-id>",
		Short: "Print a workflow's stored change history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			events, err := c.AuditLog(cmd.Context(), opts.rctx(), args[0])
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(events))
			for _, evt := range events {
				at := evt.OccurredAt
				rows = append(rows, []string{
					strconv.Itoa(evt.Version),
					string(evt.Type),
					string(evt.StepName),
					evt.ActorID,
					formatTime(&at),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Version", "Event", "Step", "Actor", "At"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func renderWorkflows(list []model.WorkflowInstance) string {
	rows := make([][]string, 0, len(list))
	for _, inst := range list {
		rows = append(rows, []string{
			inst.ID,
			inst.Name,
			string(inst.Status),
			string(inst.CurrentStep),
			fmt.Sprintf("%d/%d", inst.CompletedSteps, inst.TotalSteps),
			formatTime(&inst.StartedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Name", "Status", "Current", "Done", "Started"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func writeWorkflow(w io.Writer, inst model.WorkflowInstance) {
	fmt.Fprintf(w, "Workflow:  %s (%s)\n", inst.Name, inst.ID)
	fmt.Fprintf(w, "Owner:     %s\n", inst.OwnerID)
	fmt.Fprintf(w, "Status:    %s, %d of %d steps completed\n", inst.Status, inst.CompletedSteps, inst.TotalSteps)
	fmt.Fprintf(w, "Current:   %s\n", inst.CurrentStep)
	if inst.Description != "" {
		fmt.Fprintf(w, "About:     %s\n", inst.Description)
	}

	rows := make([][]string, 0, len(inst.Steps))
	for _, s := range inst.Steps {
		marker := ""
		if s.StepName == inst.CurrentStep {
			marker = "*"
		}
		rows = append(rows, []string{
			strconv.Itoa(s.StepOrder),
			string(s.StepName) + marker,
			string(s.Status),
			strconv.Itoa(s.Progress) + "%",
			s.ResourceID,
			formatTime(s.CompletedAt),
		})
	}
	fmt.Fprint(w, renderTable(
		[]string{"#", "Step", "Status", "Progress", "Resource", "Completed"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	))
	fmt.Fprintf(w, "%d transitions\n", len(inst.Transitions))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
