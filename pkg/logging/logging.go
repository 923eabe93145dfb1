// Package logging wraps the standard library logger with a component tag,
// prefixing every line with a bracketed component name ("[Cluster] ...",
// "[Gossip] ...") rather than reaching for a third-party logging library.
package logging

import (
	"log"
	"os"
)

// Logger tags every line with a component name and an optional node id.
type Logger struct {
	component string
	nodeID    string
	std       *log.Logger
}

// New returns a Logger for the given component, writing to stderr.
func New(component string) *Logger {
	return &Logger{
		component: component,
		std:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

// WithNode returns a copy of the logger tagged with a node id.
func (l *Logger) WithNode(nodeID string) *Logger {
	return &Logger{component: l.component, nodeID: nodeID, std: l.std}
}

func (l *Logger) prefix() string {
	if l.nodeID != "" {
		return "[" + l.component + " node=" + l.nodeID + "] "
	}
	return "[" + l.component + "] "
}

// Printf logs a formatted line tagged with the component (and node, if set).
func (l *Logger) Printf(format string, args ...any) {
	l.std.Printf(l.prefix()+format, args...)
}

// Println logs a line tagged with the component (and node, if set).
func (l *Logger) Println(args ...any) {
	l.std.Println(append([]any{l.prefix()}, args...)...)
}
