package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-mfg/internal/bom"
	jobmetrics "github.com/odyssey-erp/odyssey-mfg/internal/jobs"
)

type stubRecoster struct {
	recostIDs []int64
	recostErr error
	allCount  int
	allErr    error
}

func (s *stubRecoster) Recost(_ context.Context, id int64) ([]int64, error) {
	s.recostIDs = append(s.recostIDs, id)
	if s.recostErr != nil {
		return nil, s.recostErr
	}
	return []int64{id, id + 1}, nil
}

func (s *stubRecoster) RecostAll(context.Context) (int, error) {
	return s.allCount, s.allErr
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestNewBOMRecostTask(t *testing.T) {
	task, err := NewBOMRecostTask(42)
	require.NoError(t, err)
	require.Equal(t, TaskBOMRecost, task.Type())
	var payload BOMRecostPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, int64(42), payload.BOMID)
	require.Equal(t, "bom:recost:42", recostTaskID(42))

	_, err = NewBOMRecostTask(0)
	require.Error(t, err)
}

func TestBOMRecostJobHandle(t *testing.T) {
	svc := &stubRecoster{}
	job := NewBOMRecostJob(svc, nil, testMetrics())
	task, err := NewBOMRecostTask(7)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int64{7}, svc.recostIDs)

	err = job.Handle(context.Background(), asynq.NewTask(TaskBOMRecost, []byte(`{"bom_id":"x"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	svc.recostErr = bom.ErrNotFound
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)

	svc.recostErr = errors.New("db down")
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func jobCount(t *testing.T, reg *prometheus.Registry, job, status string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "odyssey_jobs_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["job"] == job && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestBOMRecostJobCountsVanishedBOMAsFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	job := NewBOMRecostJob(&stubRecoster{recostErr: bom.ErrNotFound}, nil, jobmetrics.NewMetrics(reg))
	task, err := NewBOMRecostTask(9)
	require.NoError(t, err)

	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
	require.Equal(t, float64(1), jobCount(t, reg, TaskBOMRecost, "failure"))
	require.Zero(t, jobCount(t, reg, TaskBOMRecost, "success"))
}

func TestBOMRecostJobHandleAll(t *testing.T) {
	svc := &stubRecoster{allCount: 12}
	job := NewBOMRecostJob(svc, nil, testMetrics())
	require.NoError(t, job.HandleAll(context.Background(), NewBOMRecostAllTask()))

	svc.allErr = errors.New("timeout")
	require.Error(t, job.HandleAll(context.Background(), NewBOMRecostAllTask()))

	var missing *BOMRecostJob
	require.Error(t, missing.HandleAll(context.Background(), NewBOMRecostAllTask()))
}

type stubPurger struct {
	olderThan time.Duration
	deleted   int64
	err       error
}

func (s *stubPurger) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.olderThan = olderThan
	return s.deleted, s.err
}

func TestIdempotencyCleanupJob(t *testing.T) {
	store := &stubPurger{deleted: 3}
	job := &IdempotencyCleanupJob{Store: store, Retention: 72 * time.Hour, Metrics: testMetrics()}

	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	require.Equal(t, 72*time.Hour, store.olderThan)

	store.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))

	job.Retention = 0
	require.Error(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
}

type stubEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "x", Type: task.Type()}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

func TestClientEnqueueRecostDebounces(t *testing.T) {
	stub := &stubEnqueuer{}
	client := &Client{client: stub}

	queued, err := client.EnqueueRecost(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, queued)

	stub.err = asynq.ErrTaskIDConflict
	queued, err = client.EnqueueRecost(context.Background(), 5)
	require.NoError(t, err)
	require.False(t, queued)
	require.NoError(t, client.ScheduleRecost(context.Background(), 5))

	stub.err = errors.New("redis down")
	require.Error(t, client.ScheduleRecost(context.Background(), 5))
}

func TestNewWorkerRequiresHandlers(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	require.Error(t, err)
}

func TestJobsHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":0,"scheduled":0,"retry":0,"paused":false}`, rr.Body.String())
}
