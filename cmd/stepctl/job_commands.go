package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/timmy/stepflow/internal/api/handler"
	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/service"
	"github.com/timmy/stepflow/internal/source"
	"github.com/timmy/stepflow/internal/source/directory"
	"github.com/timmy/stepflow/internal/source/manifest"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var opts inputOptions

	cmd := &cobra.Command{
		Use:   "submit <job.yaml|->",
		Short: "Submit a job described in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readJobRequest(cmd, args[0])
			if err != nil {
				return err
			}
			extra, err := opts.collect(cmd.Context(), req.MaxResults)
			if err != nil {
				return err
			}
			req.Inputs = append(req.Inputs, extra...)

			var job domain.Job
			resp, err := ctx.api().R().
				SetContext(cmd.Context()).
				SetBody(req).
				SetResult(&job).
				SetError(&apiErrorBody{}).
				Post("/jobs")
			if err := checkResponse(resp, err, "submit job"); err != nil {
				return err
			}

			if ctx.jsonOutput() {
				return writeJSON(cmd, job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (%d steps, %d inputs)\n", job.ID, len(job.Steps), job.NumInputs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.dir, "inputs-dir", "", "Add every file under this directory as an input")
	cmd.Flags().StringVar(&opts.prefix, "inputs-prefix", "", "URL prefix for files found with --inputs-dir")
	cmd.Flags().StringSliceVar(&opts.extensions, "inputs-ext", nil, "Only add files with these extensions")
	cmd.Flags().StringVar(&opts.manifest, "inputs-manifest", "", "Add the inputs listed in a JSONL manifest")
	return cmd
}

type inputOptions struct {
	dir        string
	prefix     string
	extensions []string
	manifest   string
}

// collect gathers inputs from the sources selected on the command line.
func (o *inputOptions) collect(ctx context.Context, maxResults int) ([]string, error) {
	var sources []source.Source
	if o.dir != "" {
		sources = append(sources, directory.NewAdapter(o.dir, o.prefix, o.extensions))
	}
	if o.manifest != "" {
		sources = append(sources, manifest.NewAdapter(o.manifest))
	}

	var refs []string
	for _, src := range sources {
		inputs, err := source.Collect(ctx, src, maxResults)
		if err != nil {
			return nil, err
		}
		for _, in := range inputs {
			refs = append(refs, in.Ref)
		}
	}
	return refs, nil
}

func readJobRequest(cmd *cobra.Command, path string) (*service.JobRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var req service.JobRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	if len(req.Steps) == 0 {
		return nil, fmt.Errorf("job file %s defines no steps", path)
	}
	return &req, nil
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status, progress and errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job domain.Job
			resp, err := ctx.api().R().
				SetContext(cmd.Context()).
				SetResult(&job).
				SetError(&apiErrorBody{}).
				Get("/jobs/" + args[0])
			if err := checkResponse(resp, err, "get job"); err != nil {
				return err
			}

			if ctx.jsonOutput() {
				return writeJSON(cmd, job)
			}
			renderJob(cmd.OutOrStdout(), &job)
			return nil
		},
	}
}

func renderJob(w io.Writer, job *domain.Job) {
	fmt.Fprintf(w, "Job:      %s\n", job.ID)
	fmt.Fprintf(w, "Status:   %s\n", job.Status)
	fmt.Fprintf(w, "Progress: %d%%\n", job.Progress)
	if job.Message != "" {
		fmt.Fprintf(w, "Message:  %s\n", job.Message)
	}

	if len(job.Steps) > 0 {
		rows := make([][]string, 0, len(job.Steps))
		for _, step := range job.Steps {
			rows = append(rows, []string{
				strconv.Itoa(step.StepIndex),
				step.ServiceID,
				step.Operation,
				yesNo(step.IsAggregating),
				yesNo(step.HasContinuation),
				strconv.Itoa(step.WorkItemCount),
			})
		}
		fmt.Fprint(w, renderTable(
			[]string{"Step", "Service", "Operation", "Aggregating", "Paged", "Items"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
		))
	}

	if len(job.Errors) > 0 {
		rows := make([][]string, 0, len(job.Errors))
		for _, e := range job.Errors {
			rows = append(rows, []string{strconv.FormatUint(e.WorkItemID, 10), e.URL, e.Message})
		}
		fmt.Fprintf(w, "Errors (%d):\n", len(job.Errors))
		fmt.Fprint(w, renderTable([]string{"Item", "URL", "Message"}, rows, []columnAlignment{alignRight}))
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int
	var offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var page handler.ListJobsResponse
			req := ctx.api().R().
				SetContext(cmd.Context()).
				SetQueryParam("limit", strconv.Itoa(limit)).
				SetQueryParam("offset", strconv.Itoa(offset)).
				SetResult(&page).
				SetError(&apiErrorBody{})
			if status != "" {
				req.SetQueryParam("status", strings.ToLower(status))
			}
			resp, err := req.Get("/jobs")
			if err := checkResponse(resp, err, "list jobs"); err != nil {
				return err
			}

			if ctx.jsonOutput() {
				return writeJSON(cmd, page)
			}
			if len(page.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			rows := make([][]string, 0, len(page.Jobs))
			for _, job := range page.Jobs {
				rows = append(rows, []string{
					job.ID,
					string(job.Status),
					strconv.Itoa(job.Progress) + "%",
					strconv.Itoa(job.ErrorCount),
					job.CreatedAt.Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Job", "Status", "Progress", "Errors", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			fmt.Fprintf(cmd.OutOrStdout(), "Showing %d of %d jobs\n", len(page.Jobs), page.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of jobs to skip")
	return cmd
}

func newItemsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "items <job-id>",
		Short: "List the work items of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var page handler.ListWorkItemsResponse
			resp, err := ctx.api().R().
				SetContext(cmd.Context()).
				SetResult(&page).
				SetError(&apiErrorBody{}).
				Get("/jobs/" + args[0] + "/work-items")
			if err := checkResponse(resp, err, "list work items"); err != nil {
				return err
			}

			if ctx.jsonOutput() {
				return writeJSON(cmd, page)
			}
			if len(page.WorkItems) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No work items")
				return nil
			}
			rows := make([][]string, 0, len(page.WorkItems))
			for _, item := range page.WorkItems {
				rows = append(rows, []string{
					strconv.FormatUint(item.ID, 10),
					strconv.Itoa(item.StepIndex),
					item.ServiceID,
					string(item.Status),
					strconv.Itoa(item.RetryCount),
					strconv.Itoa(len(item.Results)),
					item.ErrorMessage,
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Step", "Service", "Status", "Retries", "Outputs", "Error"},
				rows,
				[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newControlCommands(ctx *commandContext) []*cobra.Command {
	actions := []struct {
		name  string
		short string
		done  string
	}{
		{"cancel", "Cancel a job and all of its unfinished work items", "Canceled"},
		{"pause", "Pause a job so no more of its items are handed out", "Paused"},
		{"resume", "Resume a paused job", "Resumed"},
	}

	cmds := make([]*cobra.Command, 0, len(actions))
	for _, action := range actions {
		cmds = append(cmds, &cobra.Command{
			Use:   action.name + " <job-id>",
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var job domain.Job
				resp, err := ctx.api().R().
					SetContext(cmd.Context()).
					SetResult(&job).
					SetError(&apiErrorBody{}).
					Post("/jobs/" + args[0] + "/" + action.name)
				if err := checkResponse(resp, err, action.name+" job"); err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s job %s (status %s)\n", action.done, job.ID, job.Status)
				return nil
			},
		})
	}
	return cmds
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
