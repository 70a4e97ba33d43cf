package progress

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/nemanja-m/primenet/pkg/textfile"
)

// Dialect selects the log format of the computation program.
type Dialect int

const (
	// Mlucas writes one p<exponent>.stat file per assignment.
	Mlucas Dialect = iota
	// CUDALucas writes a single output file for all assignments.
	CUDALucas
)

func (d Dialect) String() string {
	switch d {
	case Mlucas:
		return "Mlucas"
	case CUDALucas:
		return "CUDALucas"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

const maxSamples = 5

var (
	mlucasIterRegex    = regexp.MustCompile(`Iter# = (.+?) .*?(\d+\.\d+) (m?sec)/iter`)
	cudaIterationRegex = regexp.MustCompile(`\b\d{5,}\b`)
	cudaDurationRegex  = regexp.MustCompile(`\b\d*:*\d*:*\d+:+\d+`)
)

// StatFilePath is where Mlucas logs progress for exponent.
func StatFilePath(workDir string, exponent int64) string {
	return filepath.Join(workDir, fmt.Sprintf("p%d.stat", exponent))
}

// ParseLog extracts the latest iteration and the observed speed from a
// progress log. A missing log yields (0, nil, nil).
func ParseLog(path string, dialect Dialect, target int64) (int64, *float64, error) {
	lines, err := textfile.ReadLines(path)
	if err != nil {
		return 0, nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	iteration, ms := ParseLines(textfile.Texts(lines), dialect, target)
	return iteration, ms, nil
}

// ParseLines scans lines from the most recent backwards and keeps at most five
// samples. The iteration comes from the most recent sample and the speed is
// the low median of all samples.
func ParseLines(lines []string, dialect Dialect, target int64) (int64, *float64) {
	var samples []float64
	var iteration int64
	found := false

	for i := len(lines) - 1; i >= 0 && len(samples) < maxSamples; i-- {
		var (
			iter int64
			ms   float64
			ok   bool
		)
		switch dialect {
		case CUDALucas:
			iter, ms, ok = parseCUDALucasLine(lines[i], target)
		default:
			iter, ms, ok = parseMlucasLine(lines[i])
		}
		if !ok {
			continue
		}
		if !found {
			iteration = iter
			found = true
		} else if dialect == CUDALucas && iter > iteration {
			// Older output of a previous run.
			break
		}
		samples = append(samples, ms)
	}

	if !found {
		return 0, nil
	}
	if len(samples) == 0 {
		return iteration, nil
	}
	ms := LowMedian(samples)
	return iteration, &ms
}

func parseMlucasLine(line string) (int64, float64, bool) {
	m := mlucasIterRegex.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	iter, err := strconv.ParseInt(strings.TrimSpace(m[1]), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	ms, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, 0, false
	}
	if m[3] == "sec" {
		ms *= 1000
	}
	return iter, ms, true
}

func parseCUDALucasLine(line string, target int64) (int64, float64, bool) {
	iters := cudaIterationRegex.FindAllString(line, 1)
	durations := cudaDurationRegex.FindAllString(line, 2)
	if len(iters) == 0 || len(durations) < 2 {
		return 0, 0, false
	}
	iter, err := strconv.ParseInt(iters[0], 10, 64)
	if err != nil || iter >= target {
		return 0, 0, false
	}
	remaining, err := convertToMs(durations[1])
	if err != nil {
		return 0, 0, false
	}
	return iter, remaining / float64(target-iter), true
}

// convertToMs converts d:h:m:s, h:m:s, m:s or plain seconds to milliseconds.
func convertToMs(duration string) (float64, error) {
	parts := strings.Split(duration, ":")
	if len(parts) > 4 {
		return 0, fmt.Errorf("too many fields in duration %q", duration)
	}
	multipliers := []int64{86400, 3600, 60, 1}[4-len(parts):]

	var seconds int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", duration, err)
		}
		seconds += n * multipliers[i]
	}
	return float64(seconds) * 1000, nil
}

// LowMedian returns the lower of the two middle values for an even number of
// samples. It panics on an empty slice.
func LowMedian(samples []float64) float64 {
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	return sorted[(len(sorted)-1)/2]
}
