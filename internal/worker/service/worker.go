package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nemanja-m/primenet/internal/shared/config"
	"github.com/nemanja-m/primenet/internal/shared/logging"
	"github.com/nemanja-m/primenet/internal/worker/core"
	"github.com/nemanja-m/primenet/internal/worker/ledger"
	"github.com/nemanja-m/primenet/internal/worker/progress"
)

// State is the lifecycle stage of the worker.
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateIdle
	StateSubmitting
	StateReportingProgress
	StateFetching
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateReportingProgress:
		return "reporting_progress"
	case StateFetching:
		return "fetching"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Settings are the run-time preferences after merging with local.ini.
type Settings struct {
	Username string
	Password string

	WorkType   string
	NumCache   int
	DaysOfWork int

	// Interval between cycles. Zero runs a single cycle.
	Interval time.Duration
	// CheckIn is announced to the server when Interval is zero.
	CheckIn time.Duration

	// OptionsChanged is set when local.ini was updated at startup.
	OptionsChanged     bool
	ExplicitWorkType   bool
	ExplicitDaysOfWork bool
}

func (s Settings) manual() bool {
	return s.Password != ""
}

type workerService struct {
	client   core.PrimeNetClient
	manual   core.ManualClient
	ledger   core.WorkLedger
	progress core.ProgressReader
	store    core.SettingsStore
	settings Settings
	logger   logging.Logger

	state        State
	optionsDirty bool
	// dropped holds assignments the server refused to hear about again.
	dropped map[string]struct{}

	sleep func(ctx context.Context, d time.Duration) error
}

func NewWorkerService(
	client core.PrimeNetClient,
	manual core.ManualClient,
	workLedger core.WorkLedger,
	progressReader core.ProgressReader,
	store core.SettingsStore,
	settings Settings,
	logger logging.Logger,
) core.WorkerService {
	state := StateIdle
	if store.GUID() == "" {
		state = StateUnregistered
	}
	return &workerService{
		client:       client,
		manual:       manual,
		ledger:       workLedger,
		progress:     progressReader,
		store:        store,
		settings:     settings,
		logger:       logger,
		state:        state,
		optionsDirty: settings.OptionsChanged,
		dropped:      make(map[string]struct{}),
		sleep:        sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes cycles until ctx is cancelled, or once when the interval is
// zero. Cancellation during the sleep is a clean exit.
func (w *workerService) Run(ctx context.Context) error {
	for {
		if stop := w.runCycle(ctx); stop {
			return nil
		}
		if w.settings.Interval <= 0 {
			return nil
		}
		w.logger.Debug("Sleeping until next cycle", "interval", w.settings.Interval.String())
		if err := w.sleep(ctx, w.settings.Interval); err != nil {
			w.logger.Info("Stopping", "reason", err)
			return nil
		}
	}
}

// runCycle reports true when the process should stop.
func (w *workerService) runCycle(ctx context.Context) bool {
	if w.settings.manual() {
		if err := w.manual.Login(ctx, w.settings.Username, w.settings.Password); err != nil {
			w.logger.Error("Login failed", "user", w.settings.Username, "error", err)
			return false
		}
	} else if first := w.store.GUID() == ""; first || w.state == StateUnregistered {
		if !w.register(ctx) {
			return false
		}
		if first && w.settings.Interval <= 0 {
			return true
		}
	} else if w.optionsDirty {
		w.pushOptions(ctx)
	}

	w.submitResults(ctx)
	aggregate := w.reportProgress(ctx)
	fetched := w.topUp(ctx, aggregate)
	if fetched > 0 && !w.settings.manual() {
		w.logger.Debug("Updating progress for new assignments")
		w.reportProgress(ctx)
	}
	w.setState(StateIdle)
	return false
}

// setState leaves Unregistered only through Registering, so an identity
// rejection seen mid-cycle is acted on at the start of the next one.
func (w *workerService) setState(s State) {
	if w.state == StateUnregistered && s != StateRegistering {
		return
	}
	if w.state != s {
		w.logger.Debug("State change", "from", w.state.String(), "to", s.String())
		w.state = s
	}
}

func (w *workerService) register(ctx context.Context) bool {
	w.setState(StateRegistering)
	id, err := w.client.Register(ctx)
	if err != nil {
		w.logger.Error("Registration failed", "error", err)
		w.state = StateUnregistered
		return false
	}

	w.logger.Info("GUID correctly registered",
		"guid", id.GUID,
		"user", id.UserID,
		"name", id.UserName,
		"computer", id.ComputerName,
	)
	w.logger.Info("Registered computer page", "url", "https://www.mersenne.org/editcpu/?g="+id.GUID)

	w.optionsDirty = true
	w.pushOptions(ctx)
	w.setState(StateIdle)
	return true
}

// pushOptions sends the work preferences. After the first push only options
// given explicitly on the command line are sent.
func (w *workerService) pushOptions(ctx context.Context) {
	first := w.store.FirstTime()
	var opts core.ProgramOptions
	if first || w.settings.ExplicitWorkType {
		opts.WorkType = w.settings.WorkType
	}
	if first || w.settings.ExplicitDaysOfWork {
		opts.DaysOfWork = strconv.Itoa(w.settings.DaysOfWork)
	}

	got, err := w.client.SetProgramOptions(ctx, opts)
	if err != nil {
		w.logger.Error("Failed to set program options", "error", err)
		w.markIdentity(err)
		return
	}

	if got.WorkType != "" {
		w.store.Set(config.KeyWorkType, got.WorkType)
		w.settings.WorkType = got.WorkType
	}
	if got.DaysOfWork != "" {
		w.store.Set(config.KeyDaysOfWork, got.DaysOfWork)
		if days, err := strconv.Atoi(got.DaysOfWork); err == nil {
			w.settings.DaysOfWork = days
		}
	}
	w.store.MarkOptionsPushed()
	if err := w.store.Save(); err != nil {
		w.logger.Error("Failed to save local configuration", "error", err)
		return
	}
	w.optionsDirty = false
}

// markIdentity schedules a registration for the next cycle when the server
// no longer recognises this computer.
func (w *workerService) markIdentity(err error) {
	if errors.Is(err, core.ErrIdentityRejected) && w.state != StateUnregistered {
		w.logger.Debug("State change", "from", w.state.String(), "to", StateUnregistered.String())
		w.state = StateUnregistered
	}
}

// submitResults sends every unsent result. Lines the server accepted or
// refused for good are recorded as sent; the rest wait for the next cycle.
func (w *workerService) submitResults(ctx context.Context) {
	w.setState(StateSubmitting)
	lines, err := w.ledger.UnsentResults()
	if err != nil {
		w.logger.Error("Failed to read results", "error", err)
		return
	}
	if len(lines) == 0 {
		w.logger.Debug("No complete results found to send")
		return
	}

	for _, line := range lines {
		if ctx.Err() != nil {
			return
		}

		var err error
		if w.settings.manual() {
			err = w.manual.ManualSubmit(ctx, line)
		} else {
			err = w.client.SubmitResult(ctx, line)
		}

		switch {
		case err == nil:
		case errors.Is(err, core.ErrAssignmentRejected), errors.Is(err, core.ErrServerRejected):
			w.logger.Error("Result rejected, not retrying", "result", line, "error", err)
		default:
			w.logger.Warn("Result not sent, retrying next cycle", "result", line, "error", err)
			w.markIdentity(err)
			continue
		}

		if err := w.ledger.MarkSent([]string{line}); err != nil {
			w.logger.Error("Failed to record sent result", "result", line, "error", err)
		}
	}
}

// reportProgress estimates every queued assignment and reports those with a
// known ETA. It returns the aggregate ETA of the queue.
func (w *workerService) reportProgress(ctx context.Context) *int64 {
	w.setState(StateReportingProgress)
	entries, err := w.ledger.Entries()
	if err != nil {
		w.logger.Error("Failed to read work queue", "error", err)
		return nil
	}
	if len(entries) == 0 {
		return nil
	}

	assignments := make([]core.Assignment, 0, len(entries))
	for i, entry := range entries {
		a, err := w.progress.Read(entry.Assignment(), i)
		if err != nil {
			w.logger.Warn("Failed to read progress", "assignment_id", entry.ID, "exponent", entry.Exponent, "error", err)
		}
		assignments = append(assignments, a)
	}

	if ms := assignments[0].MsPerIteration; ms != nil {
		w.store.SetMsPerIteration(*ms)
		if err := w.store.Save(); err != nil {
			w.logger.Error("Failed to save local configuration", "error", err)
		}
	}
	fallback, err := w.store.MsPerIteration()
	if err != nil {
		w.logger.Warn("Ignoring persisted speed", "error", err)
		fallback = nil
	}

	est, err := progress.EstimateQueue(assignments, fallback)
	if err != nil {
		w.logger.Warn("Some assignments cannot be estimated", "error", err)
	}

	registered := w.store.GUID() != ""
	for _, item := range est.Items {
		a := item.Assignment
		if item.ETASeconds == nil {
			w.logger.Info("Progress", "assignment_id", a.ID, "exponent", a.Exponent,
				"percent", fmt.Sprintf("%.2f", item.Percent), "eta", "finish cannot be estimated")
			continue
		}
		w.logger.Info("Progress", "assignment_id", a.ID, "exponent", a.Exponent,
			"percent", fmt.Sprintf("%.2f", item.Percent),
			"eta_days", fmt.Sprintf("%.1f", float64(*item.ETASeconds)/86400),
			"ms_per_iter", fmt.Sprintf("%.1f", *est.Speed),
		)

		if !registered || ctx.Err() != nil {
			continue
		}
		if _, ok := w.dropped[a.ID]; ok {
			continue
		}
		err := w.client.ReportProgress(ctx, core.ProgressReport{
			AssignmentID:    a.ID,
			IsProbablePrime: a.IsProbablePrime,
			Percent:         item.Percent,
			ETASeconds:      item.ETASeconds,
			CheckIn:         w.checkIn(),
		})
		switch {
		case err == nil:
			w.logger.Debug("Progress sent", "assignment_id", a.ID)
		case errors.Is(err, core.ErrAssignmentRejected):
			w.logger.Error("Assignment rejected by server, no longer reporting it", "assignment_id", a.ID, "error", err)
			w.dropped[a.ID] = struct{}{}
		default:
			w.logger.Warn("Failed to send progress", "assignment_id", a.ID, "error", err)
			w.markIdentity(err)
		}
	}
	return est.Aggregate
}

func (w *workerService) checkIn() time.Duration {
	if w.settings.Interval > 0 {
		return w.settings.Interval
	}
	return w.settings.CheckIn
}

// topUp fetches enough assignments to fill the cache and returns how many
// were appended to the queue.
func (w *workerService) topUp(ctx context.Context, aggregateETA *int64) int {
	w.setState(StateFetching)
	pending, err := w.ledger.ListPending()
	if err != nil {
		w.logger.Error("Failed to read work queue", "error", err)
		return 0
	}

	cacheSize := ledger.EffectiveCacheSize(w.settings.NumCache, aggregateETA, w.settings.DaysOfWork)
	n := ledger.Deficit(len(pending), cacheSize)
	if n < 1 {
		w.logger.Debug("Work queue is full", "pending", len(pending), "cache_size", cacheSize)
		return 0
	}
	w.logger.Info("Fetching assignments", "count", n)

	var lines []string
	if w.settings.manual() {
		lines, err = w.manual.ManualFetch(ctx, n, w.settings.WorkType)
	} else {
		var entries []core.Entry
		entries, err = w.client.FetchAssignments(ctx, n)
		for _, e := range entries {
			lines = append(lines, ledger.FormatEntry(e))
		}
	}
	if err != nil {
		w.logger.Error("Failed to fetch assignments", "error", err)
		w.markIdentity(err)
	}

	if len(lines) == 0 {
		return 0
	}
	if err := w.ledger.AppendEntries(lines); err != nil {
		w.logger.Error("Failed to append assignments", "error", err)
		return 0
	}
	for _, line := range lines {
		w.logger.Info("New assignment", "entry", line)
	}
	if len(lines) < n {
		w.logger.Warn("Fewer assignments than requested", "requested", n, "received", len(lines))
	}
	return len(lines)
}

// UnreserveAll releases every queued assignment back to the server.
func (w *workerService) UnreserveAll(ctx context.Context) error {
	if w.store.GUID() == "" {
		return errors.New("cannot unreserve, the computer is not registered")
	}
	entries, err := w.ledger.Entries()
	if err != nil {
		return err
	}

	var errs []error
	for _, entry := range entries {
		if err := w.client.Unreserve(ctx, entry.ID); err != nil {
			w.logger.Error("Failed to release assignment", "assignment_id", entry.ID, "error", err)
			errs = append(errs, fmt.Errorf("assignment %s: %w", entry.ID, err))
			continue
		}
		w.logger.Info("Released assignment", "assignment_id", entry.ID, "exponent", entry.Exponent)
	}
	return errors.Join(errs...)
}
