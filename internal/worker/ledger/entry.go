package ledger

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nemanja-m/primenet/internal/worker/core"
)

var ErrMalformedEntry = errors.New("malformed work entry")

// MalformedEntryError describes a queue line that looks like an assignment
// but cannot be decomposed.
type MalformedEntryError struct {
	Line   string
	Reason string
}

func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("%s: %s: %q", ErrMalformedEntry, e.Reason, e.Line)
}

func (e *MalformedEntryError) Unwrap() error {
	return ErrMalformedEntry
}

var pendingRegex = regexp.MustCompile(`^(DoubleCheck|Test|PRPDC|PRP)\s*=\s*([0-9A-F]{32})(,-?[0-9]+){3}`)

const (
	keyTest        = "Test"
	keyDoubleCheck = "DoubleCheck"
	keyPRP         = "PRP"
	keyPRPDC       = "PRPDC"
)

// IsPending reports whether line is a queue entry of a recognised kind.
func IsPending(line string) bool {
	return pendingRegex.MatchString(strings.TrimSpace(line))
}

// ParseEntry decomposes one queue line.
func ParseEntry(line string) (core.Entry, error) {
	malformed := func(format string, args ...any) (core.Entry, error) {
		return core.Entry{}, &MalformedEntryError{Line: line, Reason: fmt.Sprintf(format, args...)}
	}

	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return malformed("missing '='")
	}
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)

	var factors []string
	if i := strings.Index(value, `,"`); i >= 0 {
		quoted := value[i+1:]
		if len(quoted) < 2 || !strings.HasSuffix(quoted, `"`) {
			return malformed("unterminated factor list")
		}
		factors = strings.Split(quoted[1:len(quoted)-1], ",")
		value = value[:i]
	}

	fields := strings.Split(value, ",")
	id := fields[0]
	if len(id) != 32 || strings.Trim(id, "0123456789ABCDEF") != "" {
		return malformed("invalid assignment id %q", id)
	}
	nums := fields[1:]

	entry := core.Entry{ID: id, Raw: line}
	switch key {
	case keyTest, keyDoubleCheck:
		entry.Kind = core.KindLegacyTest
		if key == keyDoubleCheck {
			entry.Kind = core.KindLegacyDoubleCheck
		}
		if len(nums) != 3 || factors != nil {
			return malformed("%s entry needs exponent, sieve depth and P-1 flag", key)
		}
		ints, err := parseInts(nums)
		if err != nil {
			return malformed("%v", err)
		}
		entry.Exponent, entry.SieveDepth, entry.P1Done = ints[0], ints[1], ints[2]

	case keyPRP, keyPRPDC:
		entry.Kind = core.KindProbablePrime
		entry.DoubleCheck = key == keyPRPDC
		if len(nums) != 4 && len(nums) != 6 && len(nums) != 8 {
			return malformed("PRP entry has %d numeric fields", len(nums))
		}
		ints, err := parseInts(nums[:4])
		if err != nil {
			return malformed("%v", err)
		}
		entry.K, entry.B, entry.Exponent, entry.C = ints[0], ints[1], ints[2], ints[3]
		if len(nums) >= 6 {
			sf, err := strconv.ParseInt(nums[4], 10, 64)
			if err != nil {
				return malformed("invalid sieve depth %q", nums[4])
			}
			if _, err := strconv.ParseFloat(nums[5], 64); err != nil {
				return malformed("invalid tests saved %q", nums[5])
			}
			entry.HasTestsSaved, entry.SieveDepth, entry.TestsSaved = true, sf, nums[5]
		}
		if len(nums) == 8 {
			extra, err := parseInts(nums[6:])
			if err != nil {
				return malformed("%v", err)
			}
			entry.Base, entry.ResidueType = &extra[0], &extra[1]
		}
		entry.Factors = factors

	default:
		return malformed("unknown kind %q", key)
	}

	if entry.Exponent <= 0 {
		return malformed("exponent must be positive")
	}
	return entry, nil
}

// FormatEntry renders the canonical queue line for entry.
func FormatEntry(e core.Entry) string {
	var b strings.Builder
	switch e.Kind {
	case core.KindLegacyTest, core.KindLegacyDoubleCheck:
		fmt.Fprintf(&b, "%s=%s,%d,%d,%d", e.Kind, e.ID, e.Exponent, e.SieveDepth, e.P1Done)
	case core.KindProbablePrime:
		key := keyPRP
		if e.DoubleCheck {
			key = keyPRPDC
		}
		fmt.Fprintf(&b, "%s=%s,%d,%d,%d,%d", key, e.ID, e.K, e.B, e.Exponent, e.C)
		if e.HasTestsSaved || e.Base != nil {
			saved := e.TestsSaved
			if saved == "" {
				saved = "0"
			}
			fmt.Fprintf(&b, ",%d,%s", e.SieveDepth, saved)
		}
		if e.Base != nil && e.ResidueType != nil {
			fmt.Fprintf(&b, ",%d,%d", *e.Base, *e.ResidueType)
		}
		if len(e.Factors) > 0 {
			fmt.Fprintf(&b, `,"%s"`, strings.Join(e.Factors, ","))
		}
	}
	return b.String()
}

func parseInts(fields []string) ([]int64, error) {
	out := make([]int64, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric field %q", f)
		}
		out[i] = n
	}
	return out, nil
}

var embeddedEntryRegex = regexp.MustCompile(`(DoubleCheck|Test|PRPDC|PRP)\s*=\s*[0-9A-F]{32}(,-?[0-9]+){3}[^<\s]*`)

// ExtractEntries finds queue lines embedded in free text such as an HTML page.
func ExtractEntries(text string) []string {
	return embeddedEntryRegex.FindAllString(text, -1)
}
