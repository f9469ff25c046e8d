// Package logger configures the process-wide logrus logger.
package logger

import (
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

const logContext = "LambdaLogShipper"

// Init installs the JSON formatter and sets the level. Each line carries
// level, timestamp, app_name, environment, context and message.
func Init(level, appName, environment string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}

	log.SetLevel(lvl)
	log.SetFormatter(NewFormatter())
	log.AddHook(&fieldsHook{fields: log.Fields{
		"app_name":    appName,
		"environment": environment,
		"context":     logContext,
	}})
	return nil
}

// SetOutput redirects process logs
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// NewFormatter returns the JSON formatter used for extension logs
func NewFormatter() *log.JSONFormatter {
	return &log.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: log.FieldMap{
			log.FieldKeyTime: "timestamp",
			log.FieldKeyMsg:  "message",
		},
	}
}

// fieldsHook adds static fields to every entry without overriding
// fields set at the call site
type fieldsHook struct {
	fields log.Fields
}

func (h *fieldsHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *fieldsHook) Fire(entry *log.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
