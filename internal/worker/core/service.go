package core

import (
	"context"
	"errors"
	"time"
)

// Error classes every PrimeNet failure unwraps to.
var (
	ErrTransport          = errors.New("transport failure")
	ErrIdentityRejected   = errors.New("server rejected computer identity")
	ErrServerBusy         = errors.New("server busy")
	ErrAssignmentRejected = errors.New("server rejected assignment")
	ErrServerRejected     = errors.New("server rejected transaction")
)

// Identity is what the server confirmed at registration.
type Identity struct {
	GUID         string
	UserID       string
	UserName     string
	ComputerName string
}

// ProgramOptions are the server-tunable preferences. Empty fields were not
// sent or not returned.
type ProgramOptions struct {
	WorkType   string
	DaysOfWork string
}

type ProgressReport struct {
	AssignmentID    string
	IsProbablePrime bool
	Percent         float64
	ETASeconds      *int64
	CheckIn         time.Duration
}

type PrimeNetClient interface {
	Register(ctx context.Context) (Identity, error)
	SetProgramOptions(ctx context.Context, opts ProgramOptions) (ProgramOptions, error)
	FetchAssignments(ctx context.Context, n int) ([]Entry, error)
	ReportProgress(ctx context.Context, report ProgressReport) error
	SubmitResult(ctx context.Context, line string) error
	Unreserve(ctx context.Context, assignmentID string) error
}

// ManualClient covers the password-based web forms used instead of the v5 API.
type ManualClient interface {
	Login(ctx context.Context, username, password string) error
	ManualFetch(ctx context.Context, n int, workType string) ([]string, error)
	ManualSubmit(ctx context.Context, line string) error
}

type WorkLedger interface {
	ListPending() ([]string, error)
	Entries() ([]Entry, error)
	AppendEntries(lines []string) error
	UnsentResults() ([]string, error)
	MarkSent(lines []string) error
}

// ProgressReader fills Iteration and MsPerIteration of an assignment from the
// computation program's log. index is the position in the work queue.
type ProgressReader interface {
	Read(a Assignment, index int) (Assignment, error)
}

// SettingsStore is the subset of the local configuration the worker touches
// while running.
type SettingsStore interface {
	GUID() string
	MsPerIteration() (*float64, error)
	SetMsPerIteration(ms float64)
	Set(key, value string)
	FirstTime() bool
	MarkOptionsPushed()
	Save() error
}

type WorkerService interface {
	Run(ctx context.Context) error
	UnreserveAll(ctx context.Context) error
}
