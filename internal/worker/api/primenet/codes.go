package primenet

import (
	"fmt"

	"github.com/nemanja-m/primenet/internal/worker/core"
)

// Result codes returned in pnErrorResult.
const (
	CodeOK                       = 0
	CodeServerBusy               = 3
	CodeInvalidVersion           = 4
	CodeInvalidTransaction       = 5
	CodeInvalidParameter         = 7
	CodeAccessDenied             = 9
	CodeDatabaseCorrupt          = 11
	CodeDatabaseFullOrBroken     = 13
	CodeInvalidUser              = 21
	CodeUnregisteredCPU          = 30
	CodeObsoleteClient           = 31
	CodeStaleCPUInfo             = 32
	CodeCPUIdentityMismatch      = 33
	CodeCPUConfigurationMismatch = 34
	CodeNoAssignment             = 40
	CodeInvalidAssignmentKey     = 43
	CodeInvalidAssignmentType    = 44
	CodeInvalidResultType        = 45
	CodeInvalidWorkType          = 46
	CodeWorkNoLongerNeeded       = 47
)

var codeMessages = map[int]string{
	CodeServerBusy:               "Server busy",
	CodeInvalidVersion:           "Invalid version",
	CodeInvalidTransaction:       "Invalid transaction",
	CodeInvalidParameter:         "Invalid parameter",
	CodeAccessDenied:             "Access denied",
	CodeDatabaseCorrupt:          "Server database malfunction",
	CodeDatabaseFullOrBroken:     "Server database full or broken",
	CodeInvalidUser:              "Invalid user",
	CodeUnregisteredCPU:          "CPU not registered",
	CodeObsoleteClient:           "Obsolete client, please upgrade",
	CodeStaleCPUInfo:             "Stale cpu info",
	CodeCPUIdentityMismatch:      "CPU identity mismatch",
	CodeCPUConfigurationMismatch: "CPU configuration mismatch",
	CodeNoAssignment:             "No assignment",
	CodeInvalidAssignmentKey:     "Invalid assignment key",
	CodeInvalidAssignmentType:    "Invalid assignment type",
	CodeInvalidResultType:        "Invalid result type",
	CodeInvalidWorkType:          "Invalid work type",
	CodeWorkNoLongerNeeded:       "Work no longer needed",
}

// CodeMessage returns a human-readable reason for a result code.
func CodeMessage(code int) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	if code == CodeOK {
		return "OK"
	}
	return fmt.Sprintf("Unknown error code %d", code)
}

// Class groups result codes by how the client reacts to them.
type Class int

const (
	ClassOK Class = iota
	// ClassIdentity: regenerate the GUID, re-register and retry.
	ClassIdentity
	// ClassBusy: retry with the same identity.
	ClassBusy
	// ClassDrop: never retry and stop handling the assignment.
	ClassDrop
	// ClassTerminal: give up on this transaction.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassIdentity:
		return "identity"
	case ClassBusy:
		return "busy"
	case ClassDrop:
		return "drop"
	case ClassTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

func Classify(code int) Class {
	switch code {
	case CodeOK:
		return ClassOK
	case CodeUnregisteredCPU, CodeStaleCPUInfo, CodeCPUIdentityMismatch:
		return ClassIdentity
	case CodeServerBusy:
		return ClassBusy
	case CodeInvalidParameter, CodeInvalidAssignmentKey, CodeInvalidAssignmentType,
		CodeInvalidWorkType, CodeWorkNoLongerNeeded:
		return ClassDrop
	default:
		return ClassTerminal
	}
}

func (c Class) sentinel() error {
	switch c {
	case ClassIdentity:
		return core.ErrIdentityRejected
	case ClassBusy:
		return core.ErrServerBusy
	case ClassDrop:
		return core.ErrAssignmentRejected
	case ClassTerminal:
		return core.ErrServerRejected
	default:
		return nil
	}
}
