package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBOMRecost refreshes the cached totals of one BOM and its ancestors.
	TaskBOMRecost = "bom:recost"
	// TaskBOMRecostAll refreshes the cached totals of every BOM.
	TaskBOMRecostAll = "bom:recost_all"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// RecostDebounce delays a recost so bursts of saves collapse into one run.
const RecostDebounce = 5 * time.Second

// BOMRecostPayload identifies the BOM whose totals should be refreshed.
type BOMRecostPayload struct {
	BOMID int64 `json:"bom_id"`
}

// NewBOMRecostTask constructs a debounced recost task. At most one task per BOM
// is queued at a time.
func NewBOMRecostTask(bomID int64) (*asynq.Task, error) {
	if bomID <= 0 {
		return nil, fmt.Errorf("jobs: invalid bom id %d", bomID)
	}
	body, err := json.Marshal(BOMRecostPayload{BOMID: bomID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBOMRecost, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(recostTaskID(bomID)),
		asynq.ProcessIn(RecostDebounce),
		asynq.MaxRetry(5),
	), nil
}

func recostTaskID(bomID int64) string {
	return TaskBOMRecost + ":" + strconv.FormatInt(bomID, 10)
}

// NewBOMRecostAllTask constructs the nightly recost task.
func NewBOMRecostAllTask() *asynq.Task {
	return asynq.NewTask(TaskBOMRecostAll, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// NewIdempotencyCleanupTask constructs the idempotency purge task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}
