package primenet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nemanja-m/primenet/internal/shared/config"
	"github.com/nemanja-m/primenet/internal/shared/logging"
	"github.com/nemanja-m/primenet/internal/worker/core"
	"github.com/stretchr/testify/require"
)

const (
	testGUID  = "0123456789abcdef0123456789abcdef"
	freshGUID = "fedcba9876543210fedcba9876543210"
	testKey   = "197ED240A7A41EC575CB408F32DDA661"
)

type memIdentity struct {
	guid  string
	saved []core.Identity
}

func (m *memIdentity) GUID() string { return m.guid }

func (m *memIdentity) SaveIdentity(id core.Identity) error {
	m.guid = id.GUID
	m.saved = append(m.saved, id)
	return nil
}

// fakeServer answers v5 transactions and manual forms from a script.
type fakeServer struct {
	mu      sync.Mutex
	calls   map[string]int
	queries []url.Values
	forms   []url.Values
	respond func(t string, n int, q url.Values) (int, string)
}

func newFakeServer(t *testing.T, respond func(t string, n int, q url.Values) (int, string)) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{calls: make(map[string]int), respond: respond}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		tx string
		q  url.Values
	)
	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		q, _ = url.ParseQuery(string(body))
		f.forms = append(f.forms, q)
		tx = strings.TrimPrefix(r.URL.Path, "/")
	} else {
		q = r.URL.Query()
		f.queries = append(f.queries, q)
		tx = q.Get("t")
	}
	f.calls[tx]++
	status, body := f.respond(tx, f.calls[tx], q)
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (f *fakeServer) count(tx string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tx]
}

func v5Body(code int, fields ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pnErrorResult=%d\npnErrorDetail=detail\n", code)
	for _, f := range fields {
		b.WriteString(f + "\n")
	}
	b.WriteString("==END==\n")
	return b.String()
}

func legacyAssignment(workType string) string {
	return v5Body(0, "g="+testGUID, "k="+testKey, "w="+workType, "n=57600769", "sf=74", "p1=1")
}

func newTestClient(srv *httptest.Server, identity *memIdentity, maxAttempts int) (*Client, *[]time.Duration) {
	cfg := Config{
		V5URL:    srv.URL + "/v5server/",
		BaseURL:  srv.URL + "/",
		Username: "alice",
		Program:  "Mlucas",
		Hardware: config.Hardware{
			Hostname:     "a-very-long-hostname-indeed",
			CPUModel:     "Intel(R) Core(TM) i7-8700",
			FrequencyMHz: 3200,
			L1KiB:        32,
			L2KiB:        256,
			Cores:        6,
		},
		MaxAttempts:     maxAttempts,
		RetryBackoff:    time.Second,
		MaxRetryBackoff: 4 * time.Second,
	}
	c := NewClient(cfg, srv.Client(), identity, logging.Nop{})
	c.newGUID = func() string { return freshGUID }
	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return c, &sleeps
}

func TestParseEnvelope(t *testing.T) {
	t.Run("fields and extras", func(t *testing.T) {
		env, err := parseEnvelope("pnErrorResult=0\npnErrorDetail=SUCCESS\nk=ABC\nempty=\n==END==\ntrailing=ignored\n")
		require.NoError(t, err)
		require.Equal(t, 0, env.Code)
		require.Equal(t, "SUCCESS", env.Detail)
		require.Equal(t, map[string]string{"k": "ABC", "empty": ""}, env.Extra)
	})

	t.Run("missing sentinel", func(t *testing.T) {
		_, err := parseEnvelope("pnErrorResult=0\npnErrorDetail=SUCCESS\n")
		require.ErrorIs(t, err, errMissingSentinel)
	})

	t.Run("missing code", func(t *testing.T) {
		_, err := parseEnvelope("pnErrorDetail=SUCCESS\n==END==\n")
		require.Error(t, err)
	})

	t.Run("non numeric code", func(t *testing.T) {
		_, err := parseEnvelope("pnErrorResult=abc\n==END==\n")
		require.Error(t, err)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want Class
	}{
		{CodeOK, ClassOK},
		{CodeUnregisteredCPU, ClassIdentity},
		{CodeStaleCPUInfo, ClassIdentity},
		{CodeCPUIdentityMismatch, ClassIdentity},
		{CodeServerBusy, ClassBusy},
		{CodeInvalidParameter, ClassDrop},
		{CodeInvalidAssignmentKey, ClassDrop},
		{CodeInvalidAssignmentType, ClassDrop},
		{CodeInvalidWorkType, ClassDrop},
		{CodeWorkNoLongerNeeded, ClassDrop},
		{CodeNoAssignment, ClassTerminal},
		{CodeObsoleteClient, ClassTerminal},
		{999, ClassTerminal},
	}

	for _, tt := range tests {
		t.Run(CodeMessage(tt.code), func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.code))
		})
	}
}

func TestClient_IdentityRejection(t *testing.T) {
	t.Run("re-registers once and retries once", func(t *testing.T) {
		fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			switch tx {
			case "uc":
				return http.StatusOK, v5Body(0, "u=alice", "un=Alice", "cn=node")
			case "ga":
				if n == 1 {
					return http.StatusOK, v5Body(CodeUnregisteredCPU)
				}
				return http.StatusOK, legacyAssignment("100")
			}
			return http.StatusNotFound, ""
		})
		identity := &memIdentity{guid: testGUID}
		c, _ := newTestClient(srv, identity, 5)

		entries, err := c.FetchAssignments(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, 1, fs.count("uc"))
		require.Equal(t, 2, fs.count("ga"))

		require.Equal(t, freshGUID, identity.guid)
		require.Equal(t, testGUID, fs.queries[0].Get("g"))
		require.Equal(t, freshGUID, fs.queries[1].Get("g"), "registration uses the fresh GUID")
		require.Equal(t, freshGUID, fs.queries[2].Get("g"), "retry uses the fresh GUID")
	})

	t.Run("retry after re-registration does not count as an attempt", func(t *testing.T) {
		tests := []struct {
			name        string
			maxAttempts int
			busy        int
		}{
			{name: "single attempt", maxAttempts: 1, busy: 0},
			{name: "rejection on the last attempt", maxAttempts: 2, busy: 1},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
					switch tx {
					case "uc":
						return http.StatusOK, v5Body(0)
					case "ga":
						switch {
						case n <= tt.busy:
							return http.StatusOK, v5Body(CodeServerBusy)
						case n == tt.busy+1:
							return http.StatusOK, v5Body(CodeUnregisteredCPU)
						}
						return http.StatusOK, legacyAssignment("100")
					}
					return http.StatusNotFound, ""
				})
				identity := &memIdentity{guid: testGUID}
				c, _ := newTestClient(srv, identity, tt.maxAttempts)

				entries, err := c.FetchAssignments(context.Background(), 1)
				require.NoError(t, err)
				require.Len(t, entries, 1)
				require.Equal(t, 1, fs.count("uc"))
				require.Equal(t, tt.busy+2, fs.count("ga"))
				require.Equal(t, freshGUID, identity.guid)
			})
		}
	})

	t.Run("second rejection is not retried again", func(t *testing.T) {
		fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			if tx == "uc" {
				return http.StatusOK, v5Body(0)
			}
			return http.StatusOK, v5Body(CodeStaleCPUInfo)
		})
		c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

		_, err := c.FetchAssignments(context.Background(), 1)
		require.ErrorIs(t, err, core.ErrIdentityRejected)
		require.Equal(t, 1, fs.count("uc"))
		require.Equal(t, 2, fs.count("ga"))
	})
}

func TestClient_RetryDiscipline(t *testing.T) {
	t.Run("busy is retried up to the attempt ceiling", func(t *testing.T) {
		fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			return http.StatusOK, v5Body(CodeServerBusy)
		})
		c, sleeps := newTestClient(srv, &memIdentity{guid: testGUID}, 3)

		err := c.Unreserve(context.Background(), testKey)
		require.ErrorIs(t, err, core.ErrServerBusy)
		require.Equal(t, 3, fs.count("au"))
		require.Len(t, *sleeps, 2)
		require.GreaterOrEqual(t, (*sleeps)[1], 2*time.Second)
	})

	t.Run("transport failure is retried", func(t *testing.T) {
		fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			if n == 1 {
				return http.StatusInternalServerError, "oops"
			}
			if n == 2 {
				return http.StatusOK, "pnErrorResult=0\n"
			}
			return http.StatusOK, v5Body(0)
		})
		c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

		require.NoError(t, c.Unreserve(context.Background(), testKey))
		require.Equal(t, 3, fs.count("au"))
	})

	t.Run("exhausted transport failure is a transport error", func(t *testing.T) {
		_, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			return http.StatusBadGateway, ""
		})
		c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 2)

		err := c.Unreserve(context.Background(), testKey)
		require.ErrorIs(t, err, core.ErrTransport)
		var terr *TransportError
		require.ErrorAs(t, err, &terr)
		require.Equal(t, TxUnreserve, terr.Transaction)
	})

	t.Run("drop class is not retried", func(t *testing.T) {
		fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			return http.StatusOK, v5Body(CodeInvalidAssignmentKey)
		})
		c, sleeps := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

		err := c.ReportProgress(context.Background(), core.ProgressReport{AssignmentID: testKey, Percent: 10})
		require.ErrorIs(t, err, core.ErrAssignmentRejected)
		require.Equal(t, 1, fs.count("ap"))
		require.Empty(t, *sleeps)
	})

	t.Run("unregistered client sends nothing", func(t *testing.T) {
		fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			return http.StatusOK, v5Body(0)
		})
		c, _ := newTestClient(srv, &memIdentity{}, 5)

		err := c.Unreserve(context.Background(), testKey)
		require.ErrorIs(t, err, ErrNotRegistered)
		require.Zero(t, fs.count("au"))
	})
}

func TestClient_Register(t *testing.T) {
	fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
		return http.StatusOK, v5Body(0, "u=alice2", "un=Alice", "cn=server-name")
	})
	identity := &memIdentity{}
	c, _ := newTestClient(srv, identity, 5)

	id, err := c.Register(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.Identity{GUID: freshGUID, UserID: "alice2", UserName: "Alice", ComputerName: "server-name"}, id)
	require.Equal(t, []core.Identity{id}, identity.saved)

	q := fs.queries[0]
	require.Equal(t, "uc", q.Get("t"))
	require.Equal(t, "GIMPS", q.Get("px"))
	require.Equal(t, "0.95", q.Get("v"))
	require.Equal(t, "19191919", q.Get("ss"))
	require.Len(t, q.Get("sh"), 32)
	require.Equal(t, freshGUID, q.Get("g"))
	require.Len(t, q.Get("hd"), 32)
	require.Equal(t, "a-very-long-hostname", q.Get("cn"))
	require.Equal(t, "Intel(R) Core(TM) i7-8700", q.Get("c"))
	require.Equal(t, "6", q.Get("np"))
	require.Equal(t, "24", q.Get("h"))
	require.True(t, strings.HasSuffix(q.Get("a"), ",Mlucas,v19"))
}

func TestClient_SetProgramOptions(t *testing.T) {
	fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
		return http.StatusOK, v5Body(0, "w=101", "DaysOfWork=5")
	})
	c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

	got, err := c.SetProgramOptions(context.Background(), core.ProgramOptions{WorkType: "100"})
	require.NoError(t, err)
	require.Equal(t, core.ProgramOptions{WorkType: "101", DaysOfWork: "5"}, got)
	require.Equal(t, "100", fs.queries[0].Get("w"))
	require.True(t, fs.queries[0].Has("DaysOfWork"))
	require.Empty(t, fs.queries[0].Get("DaysOfWork"))
}

func TestClient_FetchAssignments(t *testing.T) {
	t.Run("classifies work types", func(t *testing.T) {
		bodies := []string{
			legacyAssignment("100"),
			legacyAssignment("101"),
			v5Body(0, "k="+testKey, "w=150", "A=1", "b=2", "n=109947881", "c=-1", "sf=77", "saved=0"),
			v5Body(0, "k="+testKey, "w=151", "A=1", "b=2", "n=84297779", "c=-1", "sf=76", "saved=0", "base=3", "rt=1", "dc=1"),
			v5Body(0, "k="+testKey, "w=152", "A=1", "b=2", "n=332220523", "c=-1"),
		}
		_, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			return http.StatusOK, bodies[n-1]
		})
		c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

		entries, err := c.FetchAssignments(context.Background(), len(bodies))
		require.NoError(t, err)
		require.Len(t, entries, 5)

		require.Equal(t, core.KindLegacyTest, entries[0].Kind)
		require.Equal(t, core.KindLegacyDoubleCheck, entries[1].Kind)
		require.Equal(t, core.KindProbablePrime, entries[2].Kind)
		require.True(t, entries[2].HasTestsSaved)
		require.Nil(t, entries[2].Base)
		require.True(t, entries[3].DoubleCheck)
		require.Equal(t, int64(3), *entries[3].Base)
		require.False(t, entries[4].HasTestsSaved)
		require.Equal(t, int64(332220523), entries[4].Exponent)
	})

	t.Run("unsupported work type stops the batch", func(t *testing.T) {
		fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			if tx == "au" {
				return http.StatusOK, v5Body(0)
			}
			if n == 1 {
				return http.StatusOK, legacyAssignment("100")
			}
			return http.StatusOK, v5Body(0, "k="+testKey, "w=4", "n=57600769")
		})
		c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

		entries, err := c.FetchAssignments(context.Background(), 3)
		require.ErrorIs(t, err, ErrUnsupportedWorkType)
		require.Len(t, entries, 1)
		require.Equal(t, 2, fs.count("ga"))
		require.Equal(t, 1, fs.count("au"))
	})

	t.Run("prp on CUDALucas is unsupported", func(t *testing.T) {
		_, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			if tx == "au" {
				return http.StatusOK, v5Body(0)
			}
			return http.StatusOK, v5Body(0, "k="+testKey, "w=150", "A=1", "b=2", "n=109947881", "c=-1")
		})
		c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)
		c.cfg.Program = "CUDALucas"

		_, err := c.FetchAssignments(context.Background(), 1)
		require.ErrorIs(t, err, ErrUnsupportedWorkType)
	})

	t.Run("unsupported prp base is not retried", func(t *testing.T) {
		fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			if tx == "au" {
				return http.StatusOK, v5Body(0)
			}
			return http.StatusOK, v5Body(0, "k="+testKey, "w=150", "A=1", "b=2", "n=109947881", "c=-1", "sf=77", "saved=0", "base=2", "rt=1")
		})
		c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

		entries, err := c.FetchAssignments(context.Background(), 2)
		require.ErrorIs(t, err, ErrUnsupportedPRP)
		require.Empty(t, entries)
		require.Equal(t, 1, fs.count("ga"))
		require.Equal(t, 1, fs.count("au"))
	})

	t.Run("missing assignment key is malformed", func(t *testing.T) {
		_, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			return http.StatusOK, v5Body(0, "w=100", "n=57600769")
		})
		c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

		_, err := c.FetchAssignments(context.Background(), 1)
		require.ErrorIs(t, err, ErrMalformedResponse)
	})
}

func TestClient_ReportProgress(t *testing.T) {
	fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
		return http.StatusOK, v5Body(0)
	})
	c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

	eta := int64(283003)
	require.NoError(t, c.ReportProgress(context.Background(), core.ProgressReport{
		AssignmentID: testKey, Percent: 1.7361, ETASeconds: &eta, CheckIn: 6 * time.Hour,
	}))
	require.NoError(t, c.ReportProgress(context.Background(), core.ProgressReport{
		AssignmentID: testKey, Percent: 50, IsProbablePrime: true,
	}))

	first, second := fs.queries[0], fs.queries[1]
	require.Equal(t, "1.7", first.Get("p"))
	require.Equal(t, "283003", first.Get("e"))
	require.Equal(t, "21600", first.Get("d"))
	require.Equal(t, "LL", first.Get("stage"))
	require.Equal(t, "0", first.Get("c"))

	require.Equal(t, "604800", second.Get("e"))
	require.Equal(t, "86400", second.Get("d"))
	require.False(t, second.Has("stage"))
}

func TestClient_SubmitResult(t *testing.T) {
	jsonLine := `{"status":"C", "exponent":57600769, "worktype":"LL", "res64":"0123456789ABCDEF", "fft-length":3145728, "shift-count":123, "error-code":"00000000", "aid":"` + testKey + `", "program":{"name":"Mlucas"}}`

	t.Run("parseable result goes through v5", func(t *testing.T) {
		fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			return http.StatusOK, v5Body(0)
		})
		c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

		require.NoError(t, c.SubmitResult(context.Background(), jsonLine))
		q := fs.queries[0]
		require.Equal(t, "ar", q.Get("t"))
		require.Equal(t, testKey, q.Get("k"))
		require.Equal(t, jsonLine, q.Get("m"))
		require.Equal(t, "100", q.Get("r"))
		require.Equal(t, "0123456789ABCDEF", q.Get("rd"))
		require.Equal(t, "123", q.Get("sc"))
		require.Equal(t, "3145728", q.Get("fftlen"))
		require.Equal(t, "57600769", q.Get("n"))
	})

	t.Run("unregistered computer submits manually", func(t *testing.T) {
		fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			return http.StatusOK, "<div>Accepted</div>"
		})
		c, _ := newTestClient(srv, &memIdentity{}, 5)

		require.NoError(t, c.SubmitResult(context.Background(), jsonLine))
		require.Equal(t, 1, fs.count("manual_result/default.php"))
		require.Equal(t, jsonLine, fs.forms[0].Get("data"))
	})

	t.Run("manual rejection is a terminal error", func(t *testing.T) {
		_, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
			return http.StatusOK, "<div>Error: duplicate result</div>"
		})
		c, _ := newTestClient(srv, &memIdentity{guid: testGUID}, 5)

		err := c.SubmitResult(context.Background(), "Program: E 1.0 unparseable")
		require.ErrorIs(t, err, core.ErrServerRejected)
		require.Contains(t, err.Error(), "duplicate result")
	})
}

func TestClient_Manual(t *testing.T) {
	fs, srv := newFakeServer(t, func(tx string, n int, q url.Values) (int, string) {
		switch tx {
		case "default.php":
			if q.Get("user_password") == "secret" {
				return http.StatusOK, "<p>alice<br>logged in</p>"
			}
			return http.StatusOK, "<p>bad login</p>"
		case "manual_assignment/":
			return http.StatusOK, "<html>Test=" + testKey + ",57600769,74,1<br>\nDoubleCheck=" + testKey + ",49979917,73,1</html>"
		}
		return http.StatusNotFound, ""
	})
	c, _ := newTestClient(srv, &memIdentity{}, 5)
	ctx := context.Background()

	require.ErrorIs(t, c.Login(ctx, "alice", "wrong"), ErrLoginFailed)
	require.NoError(t, c.Login(ctx, "alice", "secret"))

	lines, err := c.ManualFetch(ctx, 2, "100")
	require.NoError(t, err)
	require.Equal(t, []string{
		"Test=" + testKey + ",57600769,74,1",
		"DoubleCheck=" + testKey + ",49979917,73,1",
	}, lines)

	form := fs.forms[len(fs.forms)-1]
	require.Equal(t, "2", form.Get("num_to_get"))
	require.Equal(t, "100", form.Get("pref"))
	require.Equal(t, "Get Assignments", form.Get("B1"))
}
