package progress

import (
	"github.com/nemanja-m/primenet/internal/shared/logging"
	"github.com/nemanja-m/primenet/internal/worker/core"
)

// LogReader implements core.ProgressReader on top of the program's logs.
type LogReader struct {
	workDir string
	dialect Dialect
	gpuFile string
	logger  logging.Logger
}

// NewLogReader reads p<exponent>.stat files under workDir, or gpuFile when it
// is set.
func NewLogReader(workDir, gpuFile string, logger logging.Logger) *LogReader {
	dialect := Mlucas
	if gpuFile != "" {
		dialect = CUDALucas
	}
	return &LogReader{workDir: workDir, dialect: dialect, gpuFile: gpuFile, logger: logger}
}

func (r *LogReader) Read(a core.Assignment, index int) (core.Assignment, error) {
	path := StatFilePath(r.workDir, a.Exponent)
	if r.dialect == CUDALucas {
		// The single output file only describes the running assignment.
		if index > 0 {
			a.Iteration, a.MsPerIteration = 0, nil
			return a, nil
		}
		path = r.gpuFile
	}

	iteration, ms, err := ParseLog(path, r.dialect, a.Exponent)
	if err != nil {
		return a, err
	}
	if iteration == 0 && ms == nil {
		r.logger.Debug("No progress logged yet", "assignment_id", a.ID, "exponent", a.Exponent, "path", path)
	}
	a.Iteration, a.MsPerIteration = iteration, ms
	return a, nil
}
