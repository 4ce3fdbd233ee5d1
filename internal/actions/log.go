package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// LogConfig configures the log action
type LogConfig struct {
	Message string                 `json:"message"`
	Level   string                 `json:"level" validate:"omitempty,oneof=debug info warn error"`
	Data    map[string]interface{} `json:"data"`
}

// LogAction writes a message to the application log
type LogAction struct {
	logger *logger.Logger
}

// NewLogAction creates a log action
func NewLogAction(log *logger.Logger) *LogAction {
	return &LogAction{logger: log.Component("workflow")}
}

func (a *LogAction) Kind() string { return "log" }

func (a *LogAction) ValidateConfig(raw map[string]interface{}) error {
	var cfg LogConfig
	return engine.DecodeConfig(raw, &cfg)
}

func (a *LogAction) Execute(_ context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
	var cfg LogConfig
	if err := engine.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	message := cfg.Message
	if message == "" {
		message = fmt.Sprintf("Log action executed: %v", cfg.Data)
	}

	fields := []logger.Field{
		logger.Any("execution_id", vars["execution_id"]),
		logger.Any("workflow_id", vars["workflow_id"]),
	}
	if len(cfg.Data) > 0 {
		fields = append(fields, logger.Any("data", cfg.Data))
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	switch level {
	case "debug":
		a.logger.Debug(message, fields...)
	case "warn":
		a.logger.Warn(message, fields...)
	case "error":
		a.logger.Error(message, fields...)
	default:
		a.logger.Info(message, fields...)
	}

	return map[string]interface{}{
		"message":   message,
		"level":     level,
		"logged_at": time.Now().Unix(),
	}, nil
}
