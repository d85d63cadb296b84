package worker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/songforge/internal/config"
)

const (
	TaskTypeGeneration = "generation:run"
	TaskTypePipeline   = "pipeline:run"
	TaskTypeReap       = "maintenance:reap"

	QueueGeneration  = "generation"
	QueueMaintenance = "maintenance"
)

// unitTimeout bounds a single job or pipeline task. Pipelines run several
// provider rounds, each bounded by its poll budget.
const unitTimeout = 2 * time.Hour

type unitPayload struct {
	ID string `json:"id"`
}

func newUnitTask(taskType, id string) (*asynq.Task, error) {
	payload, err := json.Marshal(unitPayload{ID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, payload), nil
}

func parseUnitPayload(t *asynq.Task) (string, error) {
	var p unitPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return "", fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if p.ID == "" {
		return "", fmt.Errorf("task payload without id")
	}
	return p.ID, nil
}

// RedisOpt converts the redis config into asynq connection options.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// LogLevel maps the server log level onto asynq's.
func LogLevel(level string) asynq.LogLevel {
	switch {
	case strings.EqualFold(level, "debug"):
		return asynq.DebugLevel
	case strings.EqualFold(level, "warn"):
		return asynq.WarnLevel
	case strings.EqualFold(level, "error"):
		return asynq.ErrorLevel
	}
	return asynq.InfoLevel
}
