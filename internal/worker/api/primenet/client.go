package primenet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nemanja-m/primenet/internal/shared/config"
	"github.com/nemanja-m/primenet/internal/shared/logging"
	"github.com/nemanja-m/primenet/internal/worker/core"
)

const (
	clientVersion   = 19
	maxResponseSize = 1 << 20
	unknownETA      = 7 * 24 * time.Hour
)

// IdentityStore persists the registration identity.
type IdentityStore interface {
	GUID() string
	SaveIdentity(id core.Identity) error
}

type Config struct {
	V5URL   string
	BaseURL string

	Username string
	// Program is "Mlucas" or "CUDALucas".
	Program string
	// Application is sent as a at registration.
	Application string
	CPU         int
	Hardware    config.Hardware

	MaxAttempts     int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultApplication mimics the application string of the official clients,
// e.g. "Linux64,Mlucas,v19".
func DefaultApplication(program string) string {
	system := runtime.GOOS
	if system != "" {
		system = strings.ToUpper(system[:1]) + system[1:]
	}
	if strings.HasSuffix(runtime.GOARCH, "64") {
		system += "64"
	}
	return fmt.Sprintf("%s,%s,v%d", system, program, clientVersion)
}

// NewGUID returns a random identity rendered as 32 lowercase hex characters.
func NewGUID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Client speaks the PrimeNet v5 transaction protocol and the manual web
// forms. It is not safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	identity   IdentityStore
	logger     logging.Logger

	newGUID func() string
	sleep   func(ctx context.Context, d time.Duration) error
}

var (
	_ core.PrimeNetClient = (*Client)(nil)
	_ core.ManualClient   = (*Client)(nil)
)

func NewClient(cfg Config, httpClient *http.Client, identity IdentityStore, logger logging.Logger) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Application == "" {
		cfg.Application = DefaultApplication(cfg.Program)
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		identity:   identity,
		logger:     logger,
		newGUID:    NewGUID,
		sleep:      sleep,
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

// roundTrip performs a single request without any retry.
func (c *Client) roundTrip(ctx context.Context, t TransactionType, guid string, params url.Values) (*Envelope, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("px", protocolName)
	q.Set("v", protocolVersion)
	q.Set("t", string(t))
	q.Set("g", guid)
	q.Set("ss", securityString)
	q.Set("sh", securityHash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.V5URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &TransportError{Transaction: t, Err: err}
	}

	body, err := c.do(req)
	if err != nil {
		return nil, &TransportError{Transaction: t, Err: err}
	}

	env, err := parseEnvelope(body)
	if err != nil {
		return nil, &TransportError{Transaction: t, Err: err}
	}
	if env.Code != CodeOK {
		return nil, &ProtocolError{Transaction: t, Code: env.Code, Detail: env.Detail}
	}
	if env.Detail != "" && env.Detail != "SUCCESS" {
		c.logger.Debug("PrimeNet success with additional info", "transaction", t, "detail", env.Detail)
	}
	return env, nil
}

func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	return string(body), nil
}

// transact runs one transaction under the current identity.
func (c *Client) transact(ctx context.Context, t TransactionType, params url.Values) (*Envelope, error) {
	return c.transactAs(ctx, t, params, "")
}

// transactAs retries transport failures and busy responses with jittered
// exponential backoff, up to MaxAttempts round trips. When guid is empty the
// stored identity is used and an identity rejection triggers one
// re-registration under a fresh GUID. The rejected round trip does not count
// against MaxAttempts, so the transaction is always retried once after it.
func (c *Client) transactAs(ctx context.Context, t TransactionType, params url.Values, guid string) (*Envelope, error) {
	backoff := c.cfg.RetryBackoff
	reregistered := false

	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		g := guid
		if g == "" {
			if g = c.identity.GUID(); g == "" {
				return nil, fmt.Errorf("%s transaction: %w", t, ErrNotRegistered)
			}
		}

		var env *Envelope
		env, err = c.roundTrip(ctx, t, g, params)
		if err == nil {
			return env, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		class, isProtocol := ErrorClass(err)
		if isProtocol && class == ClassIdentity && guid == "" && !reregistered {
			reregistered = true
			c.logger.Warn("Computer identity rejected, registering again", "transaction", t, "error", err)
			if _, regErr := c.register(ctx, c.newGUID()); regErr != nil {
				return nil, fmt.Errorf("re-registration after %w failed: %w", err, regErr)
			}
			attempt--
			continue
		}
		if isProtocol && class != ClassBusy {
			return nil, err
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.logger.Warn("Transaction failed, retrying", "transaction", t, "attempt", attempt, "error", err)
		if sleepErr := c.sleep(ctx, jitter(backoff)); sleepErr != nil {
			return nil, sleepErr
		}
		backoff = min(backoff*2, c.cfg.MaxRetryBackoff)
	}
	return nil, fmt.Errorf("%s transaction abandoned after %d attempts: %w", t, c.cfg.MaxAttempts, err)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + rand.N(d)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Register registers the stored GUID, or a fresh one when there is none, and
// persists what the server returned.
func (c *Client) Register(ctx context.Context) (core.Identity, error) {
	guid := c.identity.GUID()
	if guid == "" {
		guid = c.newGUID()
	}
	resp, err := c.register(ctx, guid)
	if err != nil {
		return core.Identity{}, err
	}
	return core.Identity{
		GUID:         resp.GUID,
		UserID:       resp.UserID,
		UserName:     resp.UserName,
		ComputerName: resp.ComputerName,
	}, nil
}

func (c *Client) register(ctx context.Context, guid string) (*RegisterResponse, error) {
	hw := c.cfg.Hardware
	hardwareID := sha256.Sum256([]byte(hw.CPUModel))

	p := url.Values{}
	p.Set("a", c.cfg.Application)
	p.Set("wg", "")
	p.Set("hd", hex.EncodeToString(hardwareID[:])[:32])
	p.Set("c", truncate(hw.CPUModel, 64))
	p.Set("f", truncate(hw.Features, 64))
	p.Set("L1", strconv.Itoa(hw.L1KiB))
	p.Set("L2", strconv.Itoa(hw.L2KiB))
	p.Set("np", strconv.Itoa(hw.Cores))
	p.Set("hp", strconv.Itoa(hw.ThreadsPerCore))
	p.Set("m", strconv.Itoa(hw.MemoryMiB))
	p.Set("s", strconv.Itoa(hw.FrequencyMHz))
	p.Set("h", "24")
	p.Set("r", "0")
	p.Set("u", c.cfg.Username)
	p.Set("cn", truncate(hw.Hostname, 20))

	env, err := c.transactAs(ctx, TxRegister, p, guid)
	if err != nil {
		return nil, err
	}
	resp := decodeRegister(env, guid)
	id := core.Identity{GUID: guid, UserID: resp.UserID, UserName: resp.UserName, ComputerName: resp.ComputerName}
	if err := c.identity.SaveIdentity(id); err != nil {
		return nil, fmt.Errorf("error saving registration: %w", err)
	}
	c.logger.Info("Registered computer", "guid", guid, "user", resp.UserID, "computer", resp.ComputerName)
	return resp, nil
}

// SetProgramOptions pushes the work preferences. Empty fields are sent empty,
// which leaves the server value unchanged. The result holds what the server
// returned.
func (c *Client) SetProgramOptions(ctx context.Context, opts core.ProgramOptions) (core.ProgramOptions, error) {
	p := url.Values{}
	p.Set("c", "")
	p.Set("w", opts.WorkType)
	p.Set("DaysOfWork", opts.DaysOfWork)

	env, err := c.transact(ctx, TxProgramOptions, p)
	if err != nil {
		return core.ProgramOptions{}, err
	}
	resp := decodeProgramOptions(env)
	return core.ProgramOptions{WorkType: resp.WorkType, DaysOfWork: resp.DaysOfWork}, nil
}

// GetAssignment requests a single assignment.
func (c *Client) GetAssignment(ctx context.Context) (*AssignmentResponse, error) {
	p := url.Values{}
	p.Set("c", strconv.Itoa(c.cfg.CPU))
	p.Set("a", "")

	env, err := c.transact(ctx, TxGetAssignment, p)
	if err != nil {
		return nil, err
	}
	return decodeAssignment(env)
}

func (c *Client) supports(workType int64) bool {
	kind := kindOf(workType)
	if kind == kindUnsupported {
		return false
	}
	return c.cfg.Program != "CUDALucas" || kind != core.KindProbablePrime
}

// FetchAssignments requests up to n assignments one at a time. The first
// failure stops the batch and the entries granted so far are returned with
// the error. Assignments this computer cannot run are released.
func (c *Client) FetchAssignments(ctx context.Context, n int) ([]core.Entry, error) {
	var entries []core.Entry
	for range n {
		resp, err := c.GetAssignment(ctx)
		if err != nil {
			return entries, err
		}

		if !c.supports(resp.WorkType) {
			c.release(ctx, resp.Key)
			return entries, fmt.Errorf("%w %d for %s", ErrUnsupportedWorkType, resp.WorkType, c.cfg.Program)
		}
		entry, err := resp.Entry()
		if err != nil {
			if errors.Is(err, ErrUnsupportedPRP) {
				c.release(ctx, resp.Key)
			}
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *Client) release(ctx context.Context, assignmentID string) {
	if err := c.Unreserve(ctx, assignmentID); err != nil {
		c.logger.Error("Failed to release unusable assignment", "assignment_id", assignmentID, "error", err)
	}
}

func (c *Client) ReportProgress(ctx context.Context, report core.ProgressReport) error {
	eta := int64(unknownETA / time.Second)
	if report.ETASeconds != nil {
		eta = *report.ETASeconds
	}
	checkIn := report.CheckIn
	if checkIn <= 0 {
		checkIn = 24 * time.Hour
	}

	p := url.Values{}
	p.Set("k", report.AssignmentID)
	p.Set("p", strconv.FormatFloat(report.Percent, 'f', 1, 64))
	p.Set("d", strconv.FormatInt(int64(checkIn/time.Second), 10))
	p.Set("e", strconv.FormatInt(eta, 10))
	p.Set("c", strconv.Itoa(c.cfg.CPU))
	if !report.IsProbablePrime {
		p.Set("stage", "LL")
	}

	_, err := c.transact(ctx, TxProgress, p)
	return err
}

// SubmitResult sends one result line. Parseable results of a registered
// computer go through the v5 API, everything else through the manual form.
func (c *Client) SubmitResult(ctx context.Context, line string) error {
	rec, err := ParseResult(line)
	if err != nil || c.identity.GUID() == "" {
		return c.ManualSubmit(ctx, line)
	}
	params, err := rec.params(line)
	if err != nil {
		c.logger.Warn("Result cannot be sent through the v5 API", "error", err)
		return c.ManualSubmit(ctx, line)
	}

	if rec.IsPrime() {
		c.logger.Warn("NEW PRIME FOUND", "exponent", rec.Exponent.String(), "worktype", rec.WorkType, "assignment_id", rec.AssignmentID)
	}

	if _, err := c.transact(ctx, TxResult, params); err != nil {
		return err
	}
	c.logger.Info("Result sent", "assignment_id", rec.AssignmentID, "exponent", rec.Exponent.String())
	return nil
}

func (c *Client) Unreserve(ctx context.Context, assignmentID string) error {
	p := url.Values{}
	p.Set("k", assignmentID)
	_, err := c.transact(ctx, TxUnreserve, p)
	return err
}
