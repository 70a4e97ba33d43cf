// Package ledger owns the on-disk work queue, the results file and the
// sent-result ledger shared with the computation program.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/nemanja-m/primenet/internal/shared/logging"
	"github.com/nemanja-m/primenet/internal/worker/core"
	"github.com/nemanja-m/primenet/pkg/textfile"
)

var resultRegex = regexp.MustCompile(`[Pp]rogram|CUDALucas`)

// Ledger is file-backed. The computation program removes finished queue
// lines on its own, so every read goes back to disk.
type Ledger struct {
	workDir        string
	workFile       string
	resultsPattern string
	sentFile       string
	logger         logging.Logger
}

// New builds a ledger rooted at workDir. resultsPattern may be a plain file
// name or a doublestar glob relative to workDir.
func New(workDir, workFile, resultsPattern, sentFile string, logger logging.Logger) *Ledger {
	return &Ledger{
		workDir:        workDir,
		workFile:       filepath.Join(workDir, workFile),
		resultsPattern: resultsPattern,
		sentFile:       filepath.Join(workDir, sentFile),
		logger:         logger,
	}
}

func (l *Ledger) pendingLines() ([]textfile.Line, error) {
	lines, err := textfile.ReadLines(l.workFile)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", l.workFile, err)
	}
	var pending []textfile.Line
	for _, line := range lines {
		if IsPending(line.Text) {
			pending = append(pending, line)
		}
	}
	return pending, nil
}

// ListPending returns the queue lines of recognised kinds in file order.
func (l *Ledger) ListPending() ([]string, error) {
	pending, err := l.pendingLines()
	if err != nil {
		return nil, err
	}
	return textfile.Texts(pending), nil
}

// Entries parses every pending line. Malformed lines are logged and skipped
// but never removed from the queue.
func (l *Ledger) Entries() ([]core.Entry, error) {
	pending, err := l.pendingLines()
	if err != nil {
		return nil, err
	}
	entries := make([]core.Entry, 0, len(pending))
	for _, line := range pending {
		entry, err := ParseEntry(line.Text)
		if err != nil {
			l.logger.Warn("Skipping work entry", "path", l.workFile, "line", line.Number, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *Ledger) AppendEntries(lines []string) error {
	if err := textfile.AppendLines(l.workFile, lines); err != nil {
		return fmt.Errorf("error appending to %s: %w", l.workFile, err)
	}
	return nil
}

// ResultFiles resolves the results pattern to existing regular files.
func (l *Ledger) ResultFiles() ([]string, error) {
	pattern := l.resultsPattern
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(l.workDir, pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid results pattern %q: %w", l.resultsPattern, err)
	}
	var files []string
	for _, name := range matches {
		info, err := os.Lstat(name)
		if err != nil {
			continue
		}
		// The sent ledger may itself match a pattern like results*.txt.
		if info.Mode().IsRegular() && filepath.Clean(name) != filepath.Clean(l.sentFile) {
			files = append(files, name)
		}
	}
	return files, nil
}

// UnsentResults returns result lines that are not yet in the sent ledger,
// de-duplicated and in file order.
func (l *Ledger) UnsentResults() ([]string, error) {
	sentLines, err := textfile.ReadLines(l.sentFile)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", l.sentFile, err)
	}
	seen := make(map[string]struct{}, len(sentLines))
	for _, line := range sentLines {
		seen[line.Text] = struct{}{}
	}

	files, err := l.ResultFiles()
	if err != nil {
		return nil, err
	}

	var unsent []string
	for _, file := range files {
		lines, err := textfile.ReadLines(file)
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", file, err)
		}
		for _, line := range lines {
			if !resultRegex.MatchString(line.Text) {
				continue
			}
			if _, ok := seen[line.Text]; ok {
				continue
			}
			seen[line.Text] = struct{}{}
			unsent = append(unsent, line.Text)
		}
	}
	return unsent, nil
}

// MarkSent appends lines to the sent ledger and syncs it.
func (l *Ledger) MarkSent(lines []string) error {
	if err := textfile.AppendLines(l.sentFile, lines); err != nil {
		return fmt.Errorf("error appending to %s: %w", l.sentFile, err)
	}
	return nil
}

// Deficit is how many assignments to fetch to reach cacheSize.
func Deficit(pending, cacheSize int) int {
	return max(cacheSize-pending, 0)
}

// EffectiveCacheSize always keeps one spare assignment, plus one more when the
// known queue runs dry within daysOfWork.
func EffectiveCacheSize(base int, aggregateETA *int64, daysOfWork int) int {
	size := base + 1
	if aggregateETA != nil && *aggregateETA < int64(daysOfWork)*86400 {
		size++
	}
	return size
}
