package primenet

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Result types sent as r in an ar transaction.
const (
	ResultLL       = 100
	ResultLLPrime  = 101
	ResultPRP      = 150
	ResultPRPPrime = 151
)

// ResultRecord is a completed result as written by the computation program.
type ResultRecord struct {
	AssignmentID string          `json:"aid"`
	Exponent     json.Number     `json:"exponent"`
	WorkType     string          `json:"worktype"`
	Status       string          `json:"status"`
	Res64        string          `json:"res64"`
	ShiftCount   json.Number     `json:"shift-count"`
	ErrorCode    string          `json:"error-code"`
	FFTLength    json.Number     `json:"fft-length"`
	ResidueType  json.Number     `json:"residue-type"`
	KnownFactors []string        `json:"known-factors"`
	Errors       json.RawMessage `json:"errors"`
}

var cudaExponentRegex = regexp.MustCompile(`\d{5,}`)

// ParseResult decodes a JSON result record or a CUDALucas result line.
func ParseResult(line string) (*ResultRecord, error) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var rec ResultRecord
		if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
		}
		if rec.Exponent == "" || rec.WorkType == "" {
			return nil, fmt.Errorf("%w: missing exponent or worktype", ErrInvalidResult)
		}
		return &rec, nil
	}
	if strings.Contains(trimmed, "CUDALucas") {
		return parseCUDALucasResult(trimmed)
	}
	return nil, fmt.Errorf("%w: unrecognised format", ErrInvalidResult)
}

// parseCUDALucasResult handles
//
//	M( 108928711 )C, 0x810d83b6917d846c, offset = 106008371, n = 6272K, CUDALucas v2.06, AID: 02E4F2B14BB23E2E4B95FC138FC715A8
//	M( 108928711 )P, offset = 106008371, n = 6272K, CUDALucas v2.06, AID: 02E4F2B14BB23E2E4B95FC138FC715A8
func parseCUDALucasResult(line string) (*ResultRecord, error) {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	rec := &ResultRecord{WorkType: "LL", ErrorCode: "00000000"}
	if last := parts[len(parts)-1]; strings.HasPrefix(last, "AID") {
		rec.AssignmentID = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(last, "AID"), ":"))
	}

	exponent := cudaExponentRegex.FindString(parts[0])
	if exponent == "" {
		return nil, fmt.Errorf("%w: no exponent in %q", ErrInvalidResult, parts[0])
	}
	rec.Exponent = json.Number(exponent)

	rest := parts[1:]
	if strings.HasSuffix(parts[0], "P") {
		rec.Status = "P"
	} else {
		rec.Status = "R"
		if len(rest) == 0 || !strings.HasPrefix(rest[0], "0x") {
			return nil, fmt.Errorf("%w: missing residue", ErrInvalidResult)
		}
		rec.Res64, rest = rest[0][2:], rest[1:]
	}
	if len(rest) < 2 {
		return nil, fmt.Errorf("%w: missing offset or FFT length", ErrInvalidResult)
	}

	shift := strings.TrimSpace(strings.TrimPrefix(rest[0], "offset ="))
	if _, err := strconv.ParseInt(shift, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: invalid offset %q", ErrInvalidResult, rest[0])
	}
	rec.ShiftCount = json.Number(shift)

	fft := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(rest[1], "n =")), "K")
	k, err := strconv.ParseInt(fft, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid FFT length %q", ErrInvalidResult, rest[1])
	}
	rec.FFTLength = json.Number(strconv.FormatInt(k*1024, 10))
	return rec, nil
}

func (r *ResultRecord) IsPrime() bool {
	return r.Status == "P"
}

func (r *ResultRecord) isPRP() bool {
	return strings.HasPrefix(r.WorkType, "PRP")
}

func (r *ResultRecord) ResultType() (int, error) {
	switch {
	case r.WorkType == "LL" && r.IsPrime():
		return ResultLLPrime, nil
	case r.WorkType == "LL":
		return ResultLL, nil
	case r.isPRP() && r.IsPrime():
		return ResultPRPPrime, nil
	case r.isPRP():
		return ResultPRP, nil
	default:
		return 0, fmt.Errorf("%w: unsupported worktype %q", ErrInvalidResult, r.WorkType)
	}
}

// params builds the ar transaction fields for the result line it came from.
func (r *ResultRecord) params(line string) (url.Values, error) {
	resultType, err := r.ResultType()
	if err != nil {
		return nil, err
	}

	p := url.Values{}
	aid := r.AssignmentID
	if aid == "" {
		aid = "0"
	}
	p.Set("k", aid)
	p.Set("m", line)
	p.Set("r", strconv.Itoa(resultType))
	p.Set("d", "1")
	p.Set("n", r.Exponent.String())

	switch resultType {
	case ResultLL, ResultLLPrime:
		if resultType == ResultLL {
			p.Set("rd", r.Res64)
		}
		if r.ShiftCount != "" {
			p.Set("sc", r.ShiftCount.String())
		}
		if r.ErrorCode != "" {
			p.Set("ec", r.ErrorCode)
		}
	case ResultPRP, ResultPRPPrime:
		p.Set("A", "1")
		p.Set("b", "2")
		p.Set("c", "-1")
		if resultType == ResultPRP {
			p.Set("rd", r.Res64)
		}
		if r.ErrorCode != "" {
			p.Set("ec", r.ErrorCode)
		}
		if r.KnownFactors != nil {
			p.Set("nkf", strconv.Itoa(len(r.KnownFactors)))
		}
		if base, ok := strings.CutPrefix(r.WorkType, "PRP-"); ok {
			p.Set("base", base)
		}
		if r.ResidueType != "" {
			p.Set("rt", r.ResidueType.String())
		}
		if r.ShiftCount != "" {
			p.Set("sc", r.ShiftCount.String())
		}
		if len(r.Errors) > 0 {
			p.Set("gbz", "1")
		}
	}
	if r.FFTLength != "" {
		p.Set("fftlen", r.FFTLength.String())
	}
	return p, nil
}
