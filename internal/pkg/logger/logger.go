package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"mizan-engine/internal/config"
)

type Fields = logrus.Fields

// Logger wraps logrus with key/value helpers and the engine's event shapes.
type Logger struct {
	*logrus.Logger
}

func New(cfg config.LogConfig) (*Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	output, err := resolveOutput(cfg)
	if err != nil {
		return nil, err
	}
	log.SetOutput(output)

	return &Logger{Logger: log}, nil
}

// NewNop returns a logger that discards everything; handy for tests.
func NewNop() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Logger{Logger: log}
}

func resolveOutput(cfg config.LogConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("log output is file but no file path is configured")
		}
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}, nil
	case "both":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("log output is both but no file path is configured")
		}
		return io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}), nil
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
}

func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.Logger.WithFields(toFields(keyvals)).Info(msg)
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.Logger.WithFields(toFields(keyvals)).Debug(msg)
}

func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.Logger.WithFields(toFields(keyvals)).Warn(msg)
}

func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.Logger.WithFields(toFields(keyvals)).Error(msg)
}

// LogService records one call to an external collaborator.
func (l *Logger) LogService(service, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.Logger.WithFields(Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	}).WithFields(fields)

	if err != nil {
		entry.WithError(err).Error("Service call failed")
		return
	}
	entry.Debug("Service call completed")
}

// LogTurn records a turn lifecycle event.
func (l *Logger) LogTurn(turnID, conversationID, event string, duration time.Duration, err error) {
	entry := l.Logger.WithFields(Fields{
		"turn_id":         turnID,
		"conversation_id": conversationID,
		"event":           event,
		"duration_ms":     duration.Milliseconds(),
	})

	if err != nil {
		entry.WithError(err).Error("Turn event")
		return
	}
	entry.Info("Turn event")
}

// LogStage records the outcome of one state machine stage.
func (l *Logger) LogStage(turnID, stage, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.Logger.WithFields(Fields{
		"turn_id":     turnID,
		"stage":       stage,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	}).WithFields(fields)

	if err != nil {
		entry.WithError(err).Warn("Stage failed")
		return
	}
	entry.Debug("Stage completed")
}

// LogTool records one tool invocation.
func (l *Logger) LogTool(turnID, tool string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.Logger.WithFields(Fields{
		"turn_id":     turnID,
		"tool":        tool,
		"duration_ms": duration.Milliseconds(),
	}).WithFields(fields)

	if err != nil {
		entry.WithError(err).Warn("Tool invocation failed")
		return
	}
	entry.Debug("Tool invocation completed")
}

func toFields(keyvals []interface{}) Fields {
	fields := make(Fields, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keyvals[i])
		}
		if i+1 < len(keyvals) {
			fields[key] = keyvals[i+1]
		} else {
			fields[key] = "MISSING"
		}
	}
	return fields
}
