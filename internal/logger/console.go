// Package logger provides a thread-safe, level-filtered console logger for
// orchestrator execution events. Output is colorized when writing to a TTY.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/blueman82/ralph/internal/models"
)

// Log level constants for filtering.
const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
)

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// Logger is the event-oriented logging contract used throughout the
// orchestrator. Event names follow spec.md §4.2/§5: task:start,
// provider:*, validation:*, judge:*, task:complete|failed.
type Logger interface {
	Event(event string, fields map[string]any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	LogJudgeSummary(taskID string, agg models.JudgeAggregate)
}

// ConsoleLogger writes timestamped, level-filtered, optionally colorized
// lines to an io.Writer. Safe for concurrent use.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mu          sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger writing to w at the given level
// (trace/debug/info/warn/error, case-insensitive; invalid or empty -> info).
// Color is enabled automatically when w is a TTY (os.Stdout/os.Stderr).
func NewConsoleLogger(w io.Writer, level string) *ConsoleLogger {
	if w == nil {
		w = io.Discard
	}
	colorOutput := false
	if f, ok := w.(*os.File); ok {
		colorOutput = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if level == "" {
		level = "info"
	}
	return &ConsoleLogger{writer: w, logLevel: level, colorOutput: colorOutput}
}

func (cl *ConsoleLogger) enabled(level int) bool {
	return level >= levelRank(cl.logLevel)
}

func (cl *ConsoleLogger) write(level int, prefix string, colorFn func(string, ...any) string, msg string) {
	if !cl.enabled(level) {
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	line := fmt.Sprintf("[%s] %s %s\n", ts, prefix, msg)
	if cl.colorOutput && colorFn != nil {
		line = fmt.Sprintf("[%s] %s\n", ts, colorFn("%s %s", prefix, msg))
	}
	fmt.Fprint(cl.writer, line)
}

func (cl *ConsoleLogger) Debugf(format string, args ...any) {
	cl.write(levelDebug, "DEBUG", color.New(color.FgHiBlack).SprintfFunc(), fmt.Sprintf(format, args...))
}

func (cl *ConsoleLogger) Infof(format string, args ...any) {
	cl.write(levelInfo, "INFO ", color.New(color.FgCyan).SprintfFunc(), fmt.Sprintf(format, args...))
}

func (cl *ConsoleLogger) Warnf(format string, args ...any) {
	cl.write(levelWarn, "WARN ", color.New(color.FgYellow).SprintfFunc(), fmt.Sprintf(format, args...))
}

func (cl *ConsoleLogger) Errorf(format string, args ...any) {
	cl.write(levelError, "ERROR", color.New(color.FgRed).SprintfFunc(), fmt.Sprintf(format, args...))
}

// Event logs a structured lifecycle event (task:start, provider:*, ...)
// at info level with its fields rendered as key=value pairs.
func (cl *ConsoleLogger) Event(event string, fields map[string]any) {
	if !cl.enabled(levelInfo) {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	cl.write(levelInfo, "EVT  ", color.New(color.FgGreen).SprintfFunc(), b.String())
}

// Box drawing characters for the judge summary table.
const (
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"
	boxHorizontal  = "─"
	boxVertical    = "│"
)

// terminalWidth returns the current terminal column width, capped at 120
// (max for readability), falling back to 80 when w isn't a terminal, width
// detection fails, or the width is under 60 (minimum readable).
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 80
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width < 60 {
		return 80
	}
	if width > 120 {
		return 120
	}
	return width
}

func boxLine(content string, width int) string {
	visible := runewidth.StringWidth(content)
	padding := width - 4 - visible
	if padding < 0 {
		content = runewidth.Truncate(content, width-4-3, "...")
		padding = width - 4 - runewidth.StringWidth(content)
	}
	return boxVertical + " " + content + strings.Repeat(" ", padding) + " " + boxVertical
}

// LogJudgeSummary renders a task's judge aggregate as a boxed table, one row
// per persona, width-fit to the current terminal (info level).
func (cl *ConsoleLogger) LogJudgeSummary(taskID string, agg models.JudgeAggregate) {
	if !cl.enabled(levelInfo) {
		return
	}
	width := terminalWidth(cl.writer)

	var b strings.Builder
	b.WriteString(boxTopLeft + strings.Repeat(boxHorizontal, width-2) + boxTopRight + "\n")
	b.WriteString(boxLine(fmt.Sprintf("judge summary: %s (%s)", taskID, agg.Summary), width) + "\n")
	for _, r := range agg.Results {
		status := "FAIL"
		if r.Passed {
			status = "PASS"
		}
		b.WriteString(boxLine(fmt.Sprintf("%-12s %-4s score=%-3d %s", r.Persona, status, r.Score, r.Verdict), width) + "\n")
	}
	b.WriteString(boxBottomLeft + strings.Repeat(boxHorizontal, width-2) + boxBottomRight)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	fmt.Fprintln(cl.writer, b.String())
}
