package primenet

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	protocolName    = "GIMPS"
	protocolVersion = "0.95"
	securityString  = "19191919"
	securityHash    = "ABCDABCDABCDABCDABCDABCDABCDABCD"

	endSentinel = "==END=="

	fieldCode   = "pnErrorResult"
	fieldDetail = "pnErrorDetail"
)

// TransactionType is the value of the t parameter.
type TransactionType string

const (
	TxRegister       TransactionType = "uc"
	TxProgramOptions TransactionType = "po"
	TxGetAssignment  TransactionType = "ga"
	TxProgress       TransactionType = "ap"
	TxResult         TransactionType = "ar"
	TxUnreserve      TransactionType = "au"

	txLogin        TransactionType = "login"
	txManualFetch  TransactionType = "manual_assignment"
	txManualResult TransactionType = "manual_result"
)

var errMissingSentinel = errors.New("response is missing the " + endSentinel + " line")

// Envelope is the part every response shares. Extra holds fields the typed
// response did not consume.
type Envelope struct {
	Code   int
	Detail string
	Extra  map[string]string
}

// take removes key from Extra and returns its value.
func (e *Envelope) take(key string) (string, bool) {
	v, ok := e.Extra[key]
	if ok {
		delete(e.Extra, key)
	}
	return v, ok
}

func (e *Envelope) takeInt(key string) (int64, bool, error) {
	raw, ok := e.take(key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s=%q is not an integer", ErrMalformedResponse, key, raw)
	}
	return n, true, nil
}

func (e *Envelope) requireString(key string) (string, error) {
	v, ok := e.take(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedResponse, key)
	}
	return v, nil
}

func (e *Envelope) requireInt(key string) (int64, error) {
	n, ok, err := e.takeInt(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedResponse, key)
	}
	return n, nil
}

// parseEnvelope splits a response body into fields. The body must end with the
// sentinel line and carry a numeric result code.
func parseEnvelope(body string) (*Envelope, error) {
	fields := make(map[string]string)
	terminated := false

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == endSentinel {
			terminated = true
			break
		}
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		fields[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !terminated {
		return nil, errMissingSentinel
	}

	raw, ok := fields[fieldCode]
	if !ok {
		return nil, fmt.Errorf("response is missing %s", fieldCode)
	}
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("non-numeric %s %q", fieldCode, raw)
	}
	detail := fields[fieldDetail]
	delete(fields, fieldCode)
	delete(fields, fieldDetail)

	return &Envelope{Code: code, Detail: detail, Extra: fields}, nil
}
