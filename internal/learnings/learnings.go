// Package learnings implements the append-only learnings markdown file
// (spec.md §6): four fixed sections, each append date-stamped and
// optionally tagged with the originating task id.
//
// Grounded on internal/learning/analysis.go's pattern-extraction regexes
// from the teacher, adapted from its SQLite-backed knowledge graph to a
// flat markdown file per spec.md, using yuin/goldmark to locate section
// boundaries rather than hand-rolled line scanning.
package learnings

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/blueman82/ralph/internal/filelock"
)

// appendLockTimeout bounds one Append's read-modify-write cycle. Factory
// workers finishing at nearly the same time can all append a learning for
// their own task, so this is the longest timeout of filelock's callers -
// long enough to queue several workers' appends rather than drop one.
const appendLockTimeout = 10 * time.Second

// Section names, in the fixed order spec.md §6 defines them.
const (
	SectionPatterns    = "Patterns Discovered"
	SectionValidation  = "Validation Failures"
	SectionGotchas     = "Gotchas"
	SectionSummaries   = "Session Summaries"
)

var sectionOrder = []string{SectionPatterns, SectionValidation, SectionGotchas, SectionSummaries}

// Entry is one parsed <learning> block.
type Entry struct {
	Pattern string
	Context string
	Insight string
}

var learningBlock = regexp.MustCompile(`(?s)<learning>(.*?)</learning>`)
var fieldLine = regexp.MustCompile(`(?m)^\s*(Pattern|Context|Insight):\s*(.*)$`)

// ExtractEntries finds every <learning>...</learning> block in provider
// output and parses its Pattern:/Context:/Insight: lines.
func ExtractEntries(output string) []Entry {
	var entries []Entry
	for _, m := range learningBlock.FindAllStringSubmatch(output, -1) {
		var e Entry
		for _, fm := range fieldLine.FindAllStringSubmatch(m[1], -1) {
			switch fm[1] {
			case "Pattern":
				e.Pattern = strings.TrimSpace(fm[2])
			case "Context":
				e.Context = strings.TrimSpace(fm[2])
			case "Insight":
				e.Insight = strings.TrimSpace(fm[2])
			}
		}
		if e.Pattern != "" || e.Context != "" || e.Insight != "" {
			entries = append(entries, e)
		}
	}
	return entries
}

// File manages one learnings markdown file on disk.
type File struct {
	Path string
	now  func() time.Time
}

// New creates a File at path, initializing it with the four fixed section
// headers if it does not already exist.
func New(path string) (*File, error) {
	f := &File{Path: path, now: time.Now}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(skeleton()), 0o644); err != nil {
			return nil, fmt.Errorf("creating learnings file: %w", err)
		}
	}
	return f, nil
}

func skeleton() string {
	var b strings.Builder
	b.WriteString("# Learnings\n\n")
	for _, s := range sectionOrder {
		fmt.Fprintf(&b, "## %s\n\n", s)
	}
	return b.String()
}

// Append adds entry's text as a date-stamped bullet under section,
// optionally prefixed with a task id, inserting the section header (with
// surrounding blank lines) if the file predates it.
//
// The whole read-modify-write cycle runs under a file lock: several
// factory workers can finish and append a learning within the same
// instant, and insertUnderSection's offset-based insert would silently
// drop one writer's entry if two appends interleaved unprotected.
func (f *File) Append(section, taskID, text string) error {
	lock := filelock.NewFileLock(f.Path + ".lock")
	if err := lock.LockTimeout(appendLockTimeout, 0); err != nil {
		return err
	}
	defer lock.Unlock()

	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			data = []byte(skeleton())
		} else {
			return fmt.Errorf("reading learnings file: %w", err)
		}
	}

	stamp := f.now().Format("2006-01-02")
	prefix := ""
	if taskID != "" {
		prefix = fmt.Sprintf("(%s) ", taskID)
	}
	line := fmt.Sprintf("- [%s] %s%s\n", stamp, prefix, text)

	updated, err := insertUnderSection(string(data), section, line)
	if err != nil {
		return err
	}
	return filelock.AtomicWrite(f.Path, []byte(updated))
}

// AppendEntry appends one parsed <learning> block under "Patterns
// Discovered", formatted from its Pattern/Context/Insight fields.
func (f *File) AppendEntry(taskID string, e Entry) error {
	var parts []string
	if e.Pattern != "" {
		parts = append(parts, "Pattern: "+e.Pattern)
	}
	if e.Context != "" {
		parts = append(parts, "Context: "+e.Context)
	}
	if e.Insight != "" {
		parts = append(parts, "Insight: "+e.Insight)
	}
	return f.Append(SectionPatterns, taskID, strings.Join(parts, "; "))
}

// insertUnderSection locates section's "## <section>" heading using
// goldmark's AST (tolerating whitespace variation; only level-2 headings
// match) and
// inserts line immediately after it, creating the section at the end of
// the file if absent.
func insertUnderSection(markdown, section, line string) (string, error) {
	src := []byte(markdown)
	reader := text.NewReader(src)
	parser := goldmark.DefaultParser()
	doc := parser.Parse(reader)

	insertOffset := -1
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level != 2 {
			return ast.WalkContinue, nil
		}
		if headingText(heading, src) != section {
			return ast.WalkContinue, nil
		}
		if lines := heading.Lines(); lines.Len() > 0 {
			seg := lines.At(lines.Len() - 1)
			insertOffset = seg.Stop
		}
		return ast.WalkStop, nil
	})
	if err != nil {
		return "", fmt.Errorf("walking learnings markdown: %w", err)
	}

	if insertOffset == -1 {
		var b strings.Builder
		b.WriteString(markdown)
		if !strings.HasSuffix(markdown, "\n") {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s", section, line)
		return b.String(), nil
	}

	before := markdown[:insertOffset]
	after := markdown[insertOffset:]
	after = strings.TrimPrefix(after, "\n")
	return before + "\n" + line + after, nil
}

func headingText(h *ast.Heading, src []byte) string {
	var buf bytes.Buffer
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(src))
		}
	}
	return strings.TrimSpace(buf.String())
}
