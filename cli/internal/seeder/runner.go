package seeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/telhawk-systems/taskhub-stack/cli/internal/client"
)

// TaskAPI is the tenant-scoped part of the core API the runner drives.
type TaskAPI interface {
	CreateTask(ctx context.Context, req client.CreateTaskRequest) (*client.Task, error)
	UpdateTask(ctx context.Context, id string, req client.UpdateTaskRequest) (*client.Task, error)
	UploadAttachment(ctx context.Context, taskID, filename, contentType string, data []byte) (*client.Attachment, error)
}

// Config controls a seeding run.
type Config struct {
	Count           int
	Concurrency     int
	Seed            int64
	UpdateRatio     float64
	AttachmentRatio float64
}

// Result summarises a run.
type Result struct {
	Tasks       int64 `json:"tasks" yaml:"tasks"`
	Updates     int64 `json:"updates" yaml:"updates"`
	Attachments int64 `json:"attachments" yaml:"attachments"`
	Failures    int64 `json:"failures" yaml:"failures"`
}

// Events is the number of domain events the run should have published.
func (r Result) Events() int64 { return r.Tasks + r.Updates + r.Attachments }

type Runner struct {
	cfg    Config
	logger *slog.Logger
}

func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Run creates cfg.Count tasks through api. Generation happens on the calling
// goroutine so a seed always yields the same specs in the same order.
func (r *Runner) Run(ctx context.Context, api TaskAPI) (Result, error) {
	if api == nil {
		return Result{}, errors.New("seeder: nil task api")
	}
	gen := NewGenerator(r.cfg.Seed, r.cfg.UpdateRatio, r.cfg.AttachmentRatio)

	var (
		res  Result
		wg   sync.WaitGroup
		jobs = make(chan TaskSpec)
	)
	for range r.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range jobs {
				r.seedOne(ctx, api, spec, &res)
			}
		}()
	}

feed:
	for i := 0; i < r.cfg.Count; i++ {
		select {
		case jobs <- gen.Next():
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	out := Result{
		Tasks:       atomic.LoadInt64(&res.Tasks),
		Updates:     atomic.LoadInt64(&res.Updates),
		Attachments: atomic.LoadInt64(&res.Attachments),
		Failures:    atomic.LoadInt64(&res.Failures),
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if out.Tasks == 0 && r.cfg.Count > 0 {
		return out, fmt.Errorf("seeder: all %d tasks failed", r.cfg.Count)
	}
	return out, nil
}

func (r *Runner) seedOne(ctx context.Context, api TaskAPI, spec TaskSpec, res *Result) {
	task, err := api.CreateTask(ctx, client.CreateTaskRequest{
		Title:       spec.Title,
		Description: spec.Description,
		Assignee:    spec.Assignee,
	})
	if err != nil {
		atomic.AddInt64(&res.Failures, 1)
		r.logger.Warn("create task failed", slog.String("error", err.Error()))
		return
	}
	atomic.AddInt64(&res.Tasks, 1)

	if spec.Update != nil {
		title, status := spec.Update.Title, spec.Update.Status
		if _, err := api.UpdateTask(ctx, task.ID, client.UpdateTaskRequest{
			Version: task.Version,
			Title:   &title,
			Status:  &status,
		}); err != nil {
			atomic.AddInt64(&res.Failures, 1)
			r.logger.Warn("update task failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		} else {
			atomic.AddInt64(&res.Updates, 1)
		}
	}

	if a := spec.Attachment; a != nil {
		if _, err := api.UploadAttachment(ctx, task.ID, a.Filename, a.ContentType, a.Data); err != nil {
			atomic.AddInt64(&res.Failures, 1)
			r.logger.Warn("upload attachment failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		} else {
			atomic.AddInt64(&res.Attachments, 1)
		}
	}
}
