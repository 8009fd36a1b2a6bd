package jobs

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hibiken/asynq"
)

const TaskRefresh = "swr:refresh"

const (
	DefaultQueue   = "swr"
	DefaultTimeout = 60 * time.Second
	DefaultRetries = 5
)

type RefreshPayload struct {
	Key string `json:"key"`
}

// NewRefreshTask builds the refresh task for key.
func NewRefreshTask(key string) (*asynq.Task, error) {
	b, err := json.Marshal(RefreshPayload{Key: key})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRefresh, b), nil
}

// RefreshOptions are the enqueue options of a refresh task. The task id is
// the key itself so the broker keeps at most one refresh per key.
func RefreshOptions(key, queue string) []asynq.Option {
	if queue == "" {
		queue = DefaultQueue
	}
	return []asynq.Option{
		asynq.TaskID(key),
		asynq.Queue(queue),
		asynq.MaxRetry(DefaultRetries),
		asynq.Timeout(DefaultTimeout),
	}
}

// ParseRefreshPayload decodes a refresh task payload.
func ParseRefreshPayload(b []byte) (RefreshPayload, error) {
	var p RefreshPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, errors.Wrap(err, "bad refresh payload")
	}
	if p.Key == "" {
		return p, errors.New("bad refresh payload: empty key")
	}
	return p, nil
}
