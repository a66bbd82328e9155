package seeder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/taskhub-stack/cli/internal/client"
)

func TestGeneratorDeterministic(t *testing.T) {
	a := NewGenerator(42, 0.5, 0.5)
	b := NewGenerator(42, 0.5, 0.5)
	for range 20 {
		assert.Equal(t, a.Next(), b.Next())
	}
}

func TestGeneratorRatios(t *testing.T) {
	never := NewGenerator(1, 0, 0)
	always := NewGenerator(1, 1, 1)
	for range 10 {
		spec := never.Next()
		assert.Nil(t, spec.Update)
		assert.Nil(t, spec.Attachment)

		spec = always.Next()
		require.NotNil(t, spec.Update)
		require.NotNil(t, spec.Attachment)
		assert.Contains(t, []string{"in_progress", "done"}, spec.Update.Status)
		assert.NotEmpty(t, spec.Attachment.Data)
		assert.NotEmpty(t, strings.TrimSpace(spec.Title))
	}
}

type fakeAPI struct {
	mu        sync.Mutex
	tasks     map[string]client.Task
	failEvery int
	calls     int
}

func (f *fakeAPI) CreateTask(_ context.Context, req client.CreateTaskRequest) (*client.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failEvery > 0 && f.calls%f.failEvery == 0 {
		return nil, errors.New("boom")
	}
	if f.tasks == nil {
		f.tasks = make(map[string]client.Task)
	}
	task := client.Task{ID: fmt.Sprintf("t-%d", len(f.tasks)+1), Title: req.Title, Version: 1}
	f.tasks[task.ID] = task
	return &task, nil
}

func (f *fakeAPI) UpdateTask(_ context.Context, id string, req client.UpdateTaskRequest) (*client.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := f.tasks[id]
	if task.Version != req.Version {
		return nil, &client.APIError{Status: 409, Code: "version_conflict"}
	}
	task.Version++
	f.tasks[id] = task
	return &task, nil
}

func (f *fakeAPI) UploadAttachment(_ context.Context, taskID, filename, _ string, data []byte) (*client.Attachment, error) {
	return &client.Attachment{ID: taskID + "-att", Filename: filename, Size: int64(len(data))}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerSeedsEverything(t *testing.T) {
	api := &fakeAPI{}
	res, err := NewRunner(Config{Count: 25, Concurrency: 3, Seed: 7, UpdateRatio: 1, AttachmentRatio: 1}, quietLogger()).
		Run(context.Background(), api)

	require.NoError(t, err)
	assert.Equal(t, Result{Tasks: 25, Updates: 25, Attachments: 25}, res)
	assert.Equal(t, int64(75), res.Events())
	assert.Len(t, api.tasks, 25)
}

func TestRunnerCountsFailures(t *testing.T) {
	api := &fakeAPI{failEvery: 5}
	res, err := NewRunner(Config{Count: 10, Seed: 1}, quietLogger()).Run(context.Background(), api)

	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Tasks)
	assert.Equal(t, int64(2), res.Failures)
}

func TestRunnerAllFailed(t *testing.T) {
	api := &fakeAPI{failEvery: 1}
	_, err := NewRunner(Config{Count: 3, Seed: 1}, quietLogger()).Run(context.Background(), api)
	assert.ErrorContains(t, err, "all 3 tasks failed")
}

func TestRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(Config{Count: 1000, Seed: 1}, quietLogger()).Run(ctx, &fakeAPI{})
	assert.ErrorIs(t, err, context.Canceled)
}
