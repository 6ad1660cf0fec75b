// logger.go - Structured logging for the score ledger daemon
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the daemon logger plus a separate audit sink. Audit receives every entry at
// WARN or above and every explicit Audit call.
type Logger struct {
	*logrus.Logger
	file  *os.File
	audit *logrus.Logger
	aFile *os.File
}

// auditHook copies WARN and above into the audit logger.
type auditHook struct{ audit *logrus.Logger }

func (h auditHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (h auditHook) Fire(e *logrus.Entry) error {
	h.audit.WithFields(e.Data).Log(e.Level, e.Message)
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(level string, logFile string, auditFile string) (*Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	l := &Logger{Logger: logrus.New()}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		l.SetOutput(io.MultiWriter(os.Stdout, file))
	}

	if auditFile != "" {
		file, err := os.OpenFile(auditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.aFile = file
		l.audit = logrus.New()
		l.audit.SetOutput(file)
		l.audit.SetFormatter(&logrus.JSONFormatter{})
		l.AddHook(auditHook{audit: l.audit})
	}
	return l, nil
}

// Close closes the logger and its files
func (l *Logger) Close() error {
	var first error
	for _, f := range []*os.File{l.file, l.aFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Audit logs an audit event
func (l *Logger) Audit(event string, details logrus.Fields) {
	if l.audit == nil {
		return
	}
	l.audit.WithFields(details).WithField("audit", true).Info(event)
}
