package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/timmy/stepflow/internal/storage"
)

const (
	outOfMemoryExitCode = 137
	outOfMemoryMessage  = "Service failed due to running out of memory"
	errorFileName       = "error.json"
)

// serviceError is the optional error file a service writes before exiting non-zero.
type serviceError struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// CommandExecutor runs a service as a subprocess. Inputs held in the object
// store are staged into the task directory, files the process leaves in its
// output directory are uploaded as results, and its combined output is kept
// as a log object.
type CommandExecutor struct {
	command []string
	store   storage.ObjectStore
}

// NewCommandExecutor creates an executor that runs command for every task.
func NewCommandExecutor(command []string, store storage.ObjectStore) (*CommandExecutor, error) {
	if len(command) == 0 {
		return nil, errors.New("worker command is required")
	}
	return &CommandExecutor{command: command, store: store}, nil
}

// Invoke runs the command for one task.
// The process receives the input paths as arguments and these environment variables:
// STEPFLOW_OPERATION, STEPFLOW_OUTPUT_DIR, STEPFLOW_JOB_ID, STEPFLOW_WORK_ITEM_ID.
func (e *CommandExecutor) Invoke(ctx context.Context, task *Task) (*Output, error) {
	inputDir := filepath.Join(task.WorkDir, "inputs")
	outputDir := filepath.Join(task.WorkDir, "outputs")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to prepare work dir: %w", err)
		}
	}

	args, err := e.stageInputs(ctx, task, inputDir)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(task.WorkDir, "service.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.command[0], append(e.command[1:], args...)...)
	cmd.Dir = task.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"STEPFLOW_OPERATION="+task.Metadata.Operation,
		"STEPFLOW_OUTPUT_DIR="+outputDir,
		"STEPFLOW_JOB_ID="+task.Item.JobID,
		"STEPFLOW_WORK_ITEM_ID="+strconv.FormatUint(task.Item.ID, 10),
	)
	runErr := cmd.Run()
	logFile.Close()

	if err := e.uploadLog(ctx, task, logPath); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		return nil, errors.New(failureMessage(runErr, outputDir))
	}
	return e.collectOutputs(ctx, task, outputDir)
}

func (e *CommandExecutor) stageInputs(ctx context.Context, task *Task, inputDir string) ([]string, error) {
	args := make([]string, 0, len(task.Item.InputRefs))
	for i, ref := range task.Item.InputRefs {
		key, ok := e.store.KeyFor(ref)
		if !ok {
			args = append(args, ref)
			continue
		}
		local := filepath.Join(inputDir, fmt.Sprintf("%d-%s", i, path.Base(key)))
		if err := e.fetch(ctx, key, local); err != nil {
			return nil, err
		}
		args = append(args, local)
	}
	return args, nil
}

func (e *CommandExecutor) fetch(ctx context.Context, key, dest string) error {
	rc, err := e.store.Fetch(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to fetch input %s: %w", key, err)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to stage input %s: %w", key, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("failed to stage input %s: %w", key, err)
	}
	return nil
}

func (e *CommandExecutor) uploadLog(ctx context.Context, task *Task, logPath string) error {
	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	key := LogKey(task.Item.JobID, task.Item.ID)
	if err := e.store.Store(context.WithoutCancel(ctx), key, f, info.Size(), "text/plain"); err != nil {
		return fmt.Errorf("failed to upload log: %w", err)
	}
	return nil
}

func (e *CommandExecutor) collectOutputs(ctx context.Context, task *Task, outputDir string) (*Output, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read outputs: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := &Output{}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == errorFileName {
			continue
		}
		p := filepath.Join(outputDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		key := OutputKey(task.Item.JobID, task.Item.ID, entry.Name())
		err = e.store.Store(ctx, key, f, info.Size(), contentTypeFor(entry.Name()))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to upload output %s: %w", entry.Name(), err)
		}
		out.Refs = append(out.Refs, e.store.URL(key))
		out.Sizes = append(out.Sizes, info.Size())
	}
	return out, nil
}

// failureMessage turns a failed process into the message reported for the item.
func failureMessage(runErr error, outputDir string) string {
	if data, err := os.ReadFile(filepath.Join(outputDir, errorFileName)); err == nil {
		var se serviceError
		if json.Unmarshal(data, &se) == nil && strings.TrimSpace(se.Error) != "" {
			return se.Error
		}
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if code == outOfMemoryExitCode || (code == -1 && strings.Contains(exitErr.String(), "killed")) {
			return outOfMemoryMessage
		}
		return fmt.Sprintf("Service exited with code %d", code)
	}
	return fmt.Sprintf("Service could not be started: %v", runErr)
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".nc", ".nc4":
		return "application/x-netcdf"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".txt", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// LogKey is the object key of a work item's service log.
func LogKey(jobID string, workItemID uint64) string {
	return path.Join("jobs", jobID, "logs", strconv.FormatUint(workItemID, 10)+".log")
}

// OutputKey is the object key of one output file of a work item.
func OutputKey(jobID string, workItemID uint64, name string) string {
	return path.Join("jobs", jobID, "outputs", strconv.FormatUint(workItemID, 10), name)
}
