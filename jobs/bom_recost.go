package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-mfg/internal/bom"
	jobmetrics "github.com/odyssey-erp/odyssey-mfg/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BOMRecoster refreshes cached BOM totals.
type BOMRecoster interface {
	Recost(ctx context.Context, id int64) ([]int64, error)
	RecostAll(ctx context.Context) (int, error)
}

// BOMRecostJob handles both the per-BOM and the full recost tasks.
type BOMRecostJob struct {
	Service BOMRecoster
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBOMRecostJob constructs the job handler.
func NewBOMRecostJob(service BOMRecoster, logger *slog.Logger, metrics *jobmetrics.Metrics) *BOMRecostJob {
	return &BOMRecostJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes a TaskBOMRecost task.
func (j *BOMRecostJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("bom recost: dependencies not configured")
	}
	var payload BOMRecostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.BOMID <= 0 {
		return fmt.Errorf("bom recost: bad payload: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskBOMRecost)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	ids, err := j.Service.Recost(ctx, payload.BOMID)
	if errors.Is(err, bom.ErrNotFound) {
		j.log(TaskBOMRecost).Info("bom vanished before recost", slog.Int64("bom_id", payload.BOMID))
		resultErr = fmt.Errorf("bom recost %d: %v: %w", payload.BOMID, err, asynq.SkipRetry)
		return resultErr
	}
	if err != nil {
		resultErr = err
		j.log(TaskBOMRecost).Error("recost bom", slog.Int64("bom_id", payload.BOMID), slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddProcessed(TaskBOMRecost, len(ids))
	j.log(TaskBOMRecost).Info("recosted bom", slog.Int64("bom_id", payload.BOMID), slog.Int("refreshed", len(ids)), slog.Duration("duration", time.Since(start)))
	return resultErr
}

// HandleAll executes a TaskBOMRecostAll task.
func (j *BOMRecostJob) HandleAll(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("bom recost all: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskBOMRecostAll)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	n, err := j.Service.RecostAll(ctx)
	j.metrics().AddProcessed(TaskBOMRecostAll, n)
	if err != nil {
		resultErr = err
		j.log(TaskBOMRecostAll).Error("recost all boms", slog.Int("refreshed", n), slog.Any("error", err))
		return resultErr
	}
	j.log(TaskBOMRecostAll).Info("recosted all boms", slog.Int("refreshed", n), slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *BOMRecostJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BOMRecostJob) log(task string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}
