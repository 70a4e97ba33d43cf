package primenet

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nemanja-m/primenet/internal/worker/core"
	"github.com/nemanja-m/primenet/internal/worker/ledger"
)

// Login opens a web session for the manual forms. The session cookie lives in
// the HTTP client's jar.
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{}
	form.Set("user_login", username)
	form.Set("user_password", password)

	body, err := c.postForm(ctx, txLogin, "default.php", form)
	if err != nil {
		return err
	}
	if !strings.Contains(body, username+"<br>logged in") {
		return fmt.Errorf("%w for user %s", ErrLoginFailed, username)
	}
	return nil
}

// ManualFetch requests n assignments of workType through the manual
// assignment form and returns the queue lines found in the page.
func (c *Client) ManualFetch(ctx context.Context, n int, workType string) ([]string, error) {
	form := url.Values{}
	form.Set("cores", "1")
	form.Set("num_to_get", strconv.Itoa(n))
	form.Set("pref", workType)
	form.Set("exp_lo", "")
	form.Set("exp_hi", "")
	form.Set("B1", "Get Assignments")

	body, err := c.postForm(ctx, txManualFetch, "manual_assignment/?", form)
	if err != nil {
		return nil, err
	}
	return ledger.ExtractEntries(body), nil
}

// ManualSubmit posts one result line through the manual results form. Any
// answer other than an acceptance is reported as a rejection.
func (c *Client) ManualSubmit(ctx context.Context, line string) error {
	form := url.Values{}
	form.Set("data", line)

	body, err := c.postForm(ctx, txManualResult, "manual_result/default.php", form)
	if err != nil {
		return err
	}
	if i := strings.Index(body, "Error"); i >= 0 {
		msg := body[i:]
		if j := strings.Index(msg, "</div>"); j >= 0 {
			msg = msg[:j]
		}
		return fmt.Errorf("manual submission rejected: %s: %w", msg, core.ErrServerRejected)
	}
	if !strings.Contains(body, "Accepted") {
		return fmt.Errorf("manual submission failed for unknown reasons, resubmit by hand: %w", core.ErrServerRejected)
	}
	c.logger.Info("Result submitted manually")
	return nil
}

func (c *Client) postForm(ctx context.Context, t TransactionType, path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &TransportError{Transaction: t, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req)
	if err != nil {
		return "", &TransportError{Transaction: t, Err: err}
	}
	return body, nil
}
