package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GetLogger sets up the logging infrastructure by creating a timestamped
// session directory and a logger writing to both the session file and stderr.
func GetLogger(logDir, level string, maxLogsToKeep int) (*zap.Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	// Clean up old log sessions before creating new ones
	if err := rotateLogSessions(logDir, maxLogsToKeep); err != nil {
		return nil, fmt.Errorf("failed to rotate log sessions: %w", err)
	}

	sessionDir := filepath.Join(logDir, time.Now().Format("2006-01-02_15-04-05"))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logFile, err := os.OpenFile(
		filepath.Join(sessionDir, "main.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY,
		0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file: %w", err)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(logFile), zapLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stderr), zapLevel),
	)

	return zap.New(
		core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Development(),
	), nil
}

// rotateLogSessions maintains the log directory by removing oldest sessions
// when the total number exceeds maxLogsToKeep.
func rotateLogSessions(logDir string, maxLogsToKeep int) error {
	sessions, err := filepath.Glob(filepath.Join(logDir, "*"))
	if err != nil {
		return err
	}

	if len(sessions) <= maxLogsToKeep {
		return nil
	}

	// Sort by modification time to identify oldest sessions
	sort.Slice(sessions, func(i, j int) bool {
		iInfo, _ := os.Stat(sessions[i])
		jInfo, _ := os.Stat(sessions[j])

		return iInfo.ModTime().Before(jInfo.ModTime())
	})

	for i := range len(sessions) - maxLogsToKeep {
		if err := os.RemoveAll(sessions[i]); err != nil {
			return err
		}
	}

	return nil
}
