package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
)

// Task is one independent unit of a sync, usually one resource type.
type Task struct {
	Name string
	Run  func(ctx context.Context) (TaskOutcome, error)
}

type TaskOutcome struct {
	Processed int
	// Skipped counts items fetched but rejected, e.g. failing validation.
	Skipped  int
	Metadata map[string]any
}

type taskReport struct {
	outcome  TaskOutcome
	duration time.Duration
}

// Orchestrator fans sync work out and aggregates it into one SyncResult. It
// is the only place partial failure is absorbed.
type Orchestrator struct {
	Now            func() time.Time
	Logger         core.Logger
	MaxConcurrency int
}

func NewOrchestrator(logger core.Logger) *Orchestrator {
	return &Orchestrator{
		Now:    func() time.Time { return time.Now().UTC() },
		Logger: core.ResolveLogger("integrations.sync", logger),
	}
}

// SyncAll runs tasks concurrently and waits for all of them. When every task
// fails the result has Success false and the error is a SyncError wrapping
// the first failure in task order. Otherwise Success is true, Errors lists
// the failed tasks, and counts come from the successful tasks only.
func (o *Orchestrator) SyncAll(ctx context.Context, identity core.ProviderIdentity, tasks []Task) (core.SyncResult, error) {
	if len(tasks) == 0 {
		return core.SyncResult{Success: false}, core.BadInputError("tasks", "at least one sync task is required")
	}
	started := o.now()

	fns := make([]func(ctx context.Context) (taskReport, error), len(tasks))
	for i, task := range tasks {
		fns[i] = func(ctx context.Context) (taskReport, error) {
			if task.Run == nil {
				return taskReport{}, fmt.Errorf("sync: task %q has no run function", task.Name)
			}
			taskStarted := o.now()
			outcome, err := task.Run(ctx)
			return taskReport{outcome: outcome, duration: o.now().Sub(taskStarted)}, err
		}
	}
	settled := Settle(ctx, o.MaxConcurrency, fns...)

	result := core.SyncResult{Metadata: map[string]any{}}
	statuses := make(map[string]any, len(tasks))
	var firstErr error
	failed := 0
	for i, item := range settled {
		name := taskName(tasks[i], i)
		if !item.IsOk() {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, item.Err)
			}
			result.Errors = append(result.Errors, name+": "+item.Err.Error())
			statuses[name] = map[string]any{"status": "failed", "error_code": core.ErrorCode(item.Err)}
			continue
		}
		result.ItemsProcessed += item.Value.outcome.Processed
		result.ItemsSkipped += item.Value.outcome.Skipped
		status := map[string]any{
			"status":      "ok",
			"processed":   item.Value.outcome.Processed,
			"skipped":     item.Value.outcome.Skipped,
			"duration_ms": item.Value.duration.Milliseconds(),
		}
		for key, value := range item.Value.outcome.Metadata {
			status[key] = value
		}
		statuses[name] = status
	}

	result.Metadata["identity"] = identity.Key()
	result.Metadata["tasks"] = statuses
	result.Metadata["tasks_total"] = len(tasks)
	result.Metadata["tasks_failed"] = failed
	result.Metadata["duration_ms"] = o.now().Sub(started).Milliseconds()

	fields := map[string]any{
		"identity":        identity.Key(),
		"tasks_total":     len(tasks),
		"tasks_failed":    failed,
		"items_processed": result.ItemsProcessed,
		"items_skipped":   result.ItemsSkipped,
	}
	if failed == len(tasks) {
		result.Success = false
		core.Log(ctx, o.Logger, core.LogError, "sync failed", fields)
		return result, &core.SyncError{Identity: identity, Failed: failed, Cause: firstErr}
	}
	result.Success = true
	level := core.LogInfo
	if failed > 0 {
		level = core.LogWarn
	}
	core.Log(ctx, o.Logger, level, "sync completed", fields)
	return result, nil
}

// Merge folds several per-integration results into one, using the same
// success rule as SyncAll.
func Merge(identityKey string, results map[string]core.SyncResult, errs map[string]error) core.SyncResult {
	keys := make([]string, 0, len(results)+len(errs))
	seen := map[string]bool{}
	for key := range results {
		seen[key] = true
		keys = append(keys, key)
	}
	for key := range errs {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	merged := core.SyncResult{Metadata: map[string]any{"identity": identityKey}}
	perIntegration := map[string]any{}
	succeeded := 0
	for _, key := range keys {
		if err := errs[key]; err != nil {
			merged.Errors = append(merged.Errors, key+": "+err.Error())
			perIntegration[key] = map[string]any{"status": "failed", "error_code": core.ErrorCode(err)}
			continue
		}
		result := results[key]
		succeeded++
		merged.ItemsProcessed += result.ItemsProcessed
		merged.ItemsSkipped += result.ItemsSkipped
		for _, msg := range result.Errors {
			merged.Errors = append(merged.Errors, key+": "+msg)
		}
		perIntegration[key] = map[string]any{"status": "ok", "processed": result.ItemsProcessed}
	}
	merged.Success = succeeded > 0
	merged.Metadata["integrations"] = perIntegration
	return merged
}

func (o *Orchestrator) now() time.Time {
	if o != nil && o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func taskName(task Task, index int) string {
	if name := strings.TrimSpace(task.Name); name != "" {
		return name
	}
	return fmt.Sprintf("task_%d", index)
}
