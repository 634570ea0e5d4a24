package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LoggingConfig configures the production logger.
type LoggingConfig struct {
	// Level is the minimum level emitted: debug, info, warn, error.
	// Default: info.
	Level string

	// Format is "json" or "text". Default: json.
	Format string

	// Output is "stdout" or "stderr". Default: stdout.
	Output string
}

var levelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

// ProductionLogger writes structured log lines. The WithContext variants
// attach the active trace and span IDs so log lines correlate with traces.
type ProductionLogger struct {
	mu        sync.Mutex
	out       io.Writer
	minLevel  int
	jsonLines bool
	component string
}

// NewProductionLogger creates a logger for the named component.
func NewProductionLogger(config LoggingConfig, component string) *ProductionLogger {
	minLevel, known := levelRank[strings.ToLower(config.Level)]
	if !known {
		minLevel = levelRank["info"]
	}
	out := io.Writer(os.Stdout)
	if config.Output == "stderr" {
		out = os.Stderr
	}
	return &ProductionLogger{
		out:       out,
		minLevel:  minLevel,
		jsonLines: config.Format != "text",
		component: component,
	}
}

func (l *ProductionLogger) log(ctx context.Context, level, msg string, fields map[string]interface{}) {
	if levelRank[level] < l.minLevel {
		return
	}

	entry := make(map[string]interface{}, len(fields)+5)
	for k, v := range fields {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}
	if ctx != nil {
		if span := trace.SpanContextFromContext(ctx); span.IsValid() {
			entry["trace_id"] = span.TraceID().String()
			entry["span_id"] = span.SpanID().String()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonLines {
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.out, string(data))
			return
		}
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k == "time" || k == "level" || k == "message" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", entry["time"], strings.ToUpper(level), msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	fmt.Fprintln(l.out, b.String())
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(nil, "info", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(nil, "error", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(nil, "warn", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(nil, "debug", msg, fields)
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, "info", msg, fields)
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, "error", msg, fields)
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, "warn", msg, fields)
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, "debug", msg, fields)
}
