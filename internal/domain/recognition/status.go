package recognition

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/formulatex/formulatex-api/internal/domain/task"
)

// StatusChannel is the Redis pub/sub channel carrying task status changes
// for external pollers and websocket bridges.
const StatusChannel = "tasks:status"

type statusEvent struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// RedisStatusNotifier publishes task status changes to Redis. It is
// best-effort: a nil client or a failed publish only costs visibility.
type RedisStatusNotifier struct {
	rdb *redis.Client
}

func NewRedisStatusNotifier(rdb *redis.Client) *RedisStatusNotifier {
	return &RedisStatusNotifier{rdb: rdb}
}

func (n *RedisStatusNotifier) NotifyStatus(ctx context.Context, taskID uuid.UUID, status task.Status) {
	if n.rdb == nil {
		return
	}

	payload, err := json.Marshal(statusEvent{TaskID: taskID.String(), Status: string(status)})
	if err != nil {
		return
	}

	if err := n.rdb.Publish(ctx, StatusChannel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("task_id", taskID.String()).Msg("Failed to publish status event")
	}
}
