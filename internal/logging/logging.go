// Package logging is the ambient log backend both daemons use. The
// teacher repo (rcmukkamala-weather-server) logs with bare fmt.Printf
// calls sprinkled through the TCP server and batch writer; no structured
// logging library appears anywhere in the retrieval pack's teacher, so
// this wrapper keeps that texture — a thin prefix-tagged stdlib `log`
// logger rather than a bespoke structured backend. Log backend selection
// itself is an external collaborator per spec.md §1; this is the default
// one ships with.
package logging

import (
	"log"
	"os"
)

// Logger is a minimal tagged logger. The zero value is unusable; use New.
type Logger struct {
	*log.Logger
}

// New creates a Logger that prefixes every line with tag.
func New(tag string) *Logger {
	return &Logger{Logger: log.New(os.Stdout, "["+tag+"] ", log.LstdFlags)}
}

// Named derives a sub-logger with an additional tag segment, e.g.
// New("worker").Named("scheduler") logs "[worker.scheduler] ...".
func (l *Logger) Named(sub string) *Logger {
	prefix := l.Logger.Prefix()
	return &Logger{Logger: log.New(os.Stdout, prefix[:len(prefix)-2]+"."+sub+"] ", log.LstdFlags)}
}
