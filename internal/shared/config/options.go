package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"time"
)

var ErrInvalidOption = errors.New("invalid option")

// Options is everything the command line can supply. Fields tagged as
// persisted in persistedFields round-trip through local.ini.
type Options struct {
	WorkDir     string
	LocalFile   string
	WorkFile    string
	ResultsFile string
	SentFile    string

	Username string
	Password string

	WorkType   string
	NumCache   int
	DaysOfWork int
	CPU        int
	Interval   time.Duration

	// GPU names the CUDALucas output file. Empty means Mlucas.
	GPU string

	UnreserveAll bool

	Hardware Hardware
}

// Hardware describes the computer sent to the server at registration.
type Hardware struct {
	Hostname       string
	CPUModel       string
	Features       string
	FrequencyMHz   int
	MemoryMiB      int
	L1KiB          int
	L2KiB          int
	Cores          int
	ThreadsPerCore int
}

var workTypeMnemonics = map[string]string{
	"SmallestAvail":    "100",
	"DoubleCheck":      "101",
	"WorldRecord":      "102",
	"100Mdigit":        "104",
	"SmallestAvailPRP": "150",
	"DoubleCheckPRP":   "151",
	"WorldRecordPRP":   "152",
	"100MdigitPRP":     "153",
}

var (
	mlucasWorkTypes    = []string{"100", "101", "102", "104", "150", "151", "152", "153"}
	cudaLucasWorkTypes = []string{"100", "101", "102", "104"}
)

// ManualMode reports whether results and assignments go through the web forms
// instead of the v5 API.
func (o *Options) ManualMode() bool {
	return o.Password != ""
}

// Program is the name of the computation program being fed.
func (o *Options) Program() string {
	if o.GPU != "" {
		return "CUDALucas"
	}
	return "Mlucas"
}

func (o *Options) LocalPath() string   { return filepath.Join(o.WorkDir, o.LocalFile) }
func (o *Options) WorkPath() string    { return filepath.Join(o.WorkDir, o.WorkFile) }
func (o *Options) ResultsPath() string { return filepath.Join(o.WorkDir, o.ResultsFile) }
func (o *Options) SentPath() string    { return filepath.Join(o.WorkDir, o.SentFile) }

// Validate checks option values after merging with the local store, so that
// hand edits of local.ini are checked too. It normalizes the work type.
func (o *Options) Validate() error {
	if o.Username == "" {
		return fmt.Errorf("%w: username must be given", ErrInvalidOption)
	}
	if n := len(o.Hardware.CPUModel); n < 8 || n > 64 {
		return fmt.Errorf("%w: cpu_model must be between 8 and 64 characters", ErrInvalidOption)
	}
	if len(o.Hardware.Hostname) > 20 {
		return fmt.Errorf("%w: hostname must be less than 21 characters", ErrInvalidOption)
	}
	if len(o.Hardware.Features) > 64 {
		return fmt.Errorf("%w: features must be less than 64 characters", ErrInvalidOption)
	}
	if o.NumCache < 0 {
		return fmt.Errorf("%w: num_cache must not be negative", ErrInvalidOption)
	}
	if o.DaysOfWork < 0 {
		return fmt.Errorf("%w: days_work must not be negative", ErrInvalidOption)
	}
	if o.Interval < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidOption)
	}

	if code, ok := workTypeMnemonics[o.WorkType]; ok {
		o.WorkType = code
	}
	supported := mlucasWorkTypes
	if o.GPU != "" {
		supported = cudaLucasWorkTypes
	}
	if !slices.Contains(supported, o.WorkType) {
		return fmt.Errorf("%w: unsupported worktype %q for %s", ErrInvalidOption, o.WorkType, o.Program())
	}
	return nil
}

type persistedField struct {
	key string
	get func() (string, bool)
	set func(string) error
}

func stringField(key string, p *string) persistedField {
	return persistedField{
		key: key,
		get: func() (string, bool) { return *p, *p != "" },
		set: func(v string) error { *p = v; return nil },
	}
}

func intField(key string, p *int) persistedField {
	return persistedField{
		key: key,
		get: func() (string, bool) { return strconv.Itoa(*p), true },
		set: func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*p = n
			return nil
		},
	}
}

func (o *Options) persistedFields() []persistedField {
	return []persistedField{
		stringField("workfile", &o.WorkFile),
		stringField("resultsfile", &o.ResultsFile),
		stringField(KeyUsername, &o.Username),
		stringField("password", &o.Password),
		stringField(KeyWorkType, &o.WorkType),
		intField("num_cache", &o.NumCache),
		intField(KeyDaysOfWork, &o.DaysOfWork),
		stringField(KeyHostname, &o.Hardware.Hostname),
		stringField("cpu_model", &o.Hardware.CPUModel),
		stringField("features", &o.Hardware.Features),
		intField("frequency", &o.Hardware.FrequencyMHz),
		intField("memory", &o.Hardware.MemoryMiB),
		intField("l1", &o.Hardware.L1KiB),
		intField("l2", &o.Hardware.L2KiB),
		intField("np", &o.Hardware.Cores),
		intField("hp", &o.Hardware.ThreadsPerCore),
		stringField("gpu", &o.GPU),
	}
}
