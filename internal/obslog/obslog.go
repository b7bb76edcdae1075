// Package obslog configures the structured logger shared by the worker,
// archive worker, and supervisor processes, per the ambient logging
// conventions of the expanded specification.
package obslog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// redactedFields never appear in log output even when present on the
// entry; they are replaced with a fixed placeholder.
var redactedFields = []string{"token", "api_key", "authorization", "password"}

// New builds a *logrus.Logger writing to out (os.Stderr via NewDefault in
// production, a buffer in tests) with json=true selecting the JSON formatter used by
// supervised/piped deployments and json=false the human-readable text
// formatter used at an interactive terminal.
func New(out io.Writer, json bool, level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	logger.AddHook(redactHook{})

	if json {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// NewDefault builds the standard worker/supervisor logger against stderr,
// the same stream the worker's progress bar draws on.
func NewDefault(jsonFormat bool, level logrus.Level) *logrus.Logger {
	return New(os.Stderr, jsonFormat, level)
}

// WorkerFields returns the base field set every worker log line carries, as
// named in section 4.13.
func WorkerFields(shardID int) logrus.Fields {
	return logrus.Fields{"shard_id": shardID}
}

// SupervisorFields returns the base field set every supervisor log line
// carries.
func SupervisorFields() logrus.Fields {
	return logrus.Fields{"component": "supervisor"}
}

// redactHook scrubs sensitive field values before they reach any formatter.
type redactHook struct{}

func (redactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (redactHook) Fire(entry *logrus.Entry) error {
	for _, key := range redactedFields {
		if _, ok := entry.Data[key]; ok {
			entry.Data[key] = "[redacted]"
		}
	}
	return nil
}
