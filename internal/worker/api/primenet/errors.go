package primenet

import (
	"errors"
	"fmt"

	"github.com/nemanja-m/primenet/internal/worker/core"
)

var (
	ErrUnsupportedWorkType = errors.New("unsupported work type")
	ErrUnsupportedPRP      = errors.New("unsupported PRP base or residue type")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrNotRegistered       = errors.New("computer is not registered")
	ErrLoginFailed         = errors.New("login failed")
	ErrInvalidResult       = errors.New("invalid result line")
)

// TransportError covers everything that kept a transaction from producing a
// well-formed response: dial and timeout failures, non-200 statuses and
// unparsable bodies.
type TransportError struct {
	Transaction TransactionType
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transaction failed: %v", e.Transaction, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == core.ErrTransport
}

// ProtocolError is a well-formed response with a non-zero result code.
type ProtocolError struct {
	Transaction TransactionType
	Code        int
	Detail      string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s transaction rejected with code %d (%s): %s",
		e.Transaction, e.Code, CodeMessage(e.Code), e.Detail)
}

func (e *ProtocolError) Class() Class {
	return Classify(e.Code)
}

func (e *ProtocolError) Is(target error) bool {
	return target != nil && target == e.Class().sentinel()
}

// ErrorClass reports the class of a protocol error anywhere in err's chain.
func ErrorClass(err error) (Class, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Class(), true
	}
	return ClassOK, false
}
