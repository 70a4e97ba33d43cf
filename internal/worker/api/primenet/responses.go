package primenet

import (
	"fmt"
	"strconv"

	"github.com/nemanja-m/primenet/internal/worker/core"
)

type RegisterResponse struct {
	Envelope
	GUID         string
	UserID       string
	UserName     string
	ComputerName string
}

type ProgramOptionsResponse struct {
	Envelope
	WorkType   string
	DaysOfWork string
}

type AssignmentResponse struct {
	Envelope
	Key      string
	WorkType int64
	Exponent int64

	// Legacy tests.
	SieveDepth int64
	P1Done     int64

	// Probable-prime tests.
	K             int64
	B             int64
	C             int64
	HasTestsSaved bool
	TestsSaved    string
	Base          *int64
	ResidueType   *int64
	DoubleCheck   bool
}

func decodeRegister(env *Envelope, guid string) *RegisterResponse {
	resp := &RegisterResponse{Envelope: *env, GUID: guid}
	resp.UserID, _ = resp.take("u")
	resp.UserName, _ = resp.take("un")
	resp.ComputerName, _ = resp.take("cn")
	return resp
}

func decodeProgramOptions(env *Envelope) *ProgramOptionsResponse {
	resp := &ProgramOptionsResponse{Envelope: *env}
	resp.WorkType, _ = resp.take("w")
	resp.DaysOfWork, _ = resp.take("DaysOfWork")
	return resp
}

func decodeAssignment(env *Envelope) (*AssignmentResponse, error) {
	resp := &AssignmentResponse{Envelope: *env}
	var err error
	if resp.Key, err = resp.requireString("k"); err != nil {
		return nil, err
	}
	if resp.WorkType, err = resp.requireInt("w"); err != nil {
		return nil, err
	}
	if resp.Exponent, err = resp.requireInt("n"); err != nil {
		return nil, err
	}

	switch kindOf(resp.WorkType) {
	case core.KindLegacyTest, core.KindLegacyDoubleCheck:
		if resp.SieveDepth, _, err = resp.takeInt("sf"); err != nil {
			return nil, err
		}
		if resp.P1Done, _, err = resp.takeInt("p1"); err != nil {
			return nil, err
		}
	case core.KindProbablePrime:
		if resp.K, err = resp.requireInt("A"); err != nil {
			return nil, err
		}
		if resp.B, err = resp.requireInt("b"); err != nil {
			return nil, err
		}
		if resp.C, err = resp.requireInt("c"); err != nil {
			return nil, err
		}
		sf, hasSF, err := resp.takeInt("sf")
		if err != nil {
			return nil, err
		}
		saved, hasSaved := resp.take("saved")
		if hasSaved && saved != "" {
			if _, err := strconv.ParseFloat(saved, 64); err != nil {
				return nil, fmt.Errorf("%w: saved=%q is not a number", ErrMalformedResponse, saved)
			}
		}
		resp.SieveDepth, resp.TestsSaved = sf, saved
		resp.HasTestsSaved = hasSF || (hasSaved && saved != "")

		base, hasBase, err := resp.takeInt("base")
		if err != nil {
			return nil, err
		}
		rt, hasRT, err := resp.takeInt("rt")
		if err != nil {
			return nil, err
		}
		if hasBase {
			resp.Base = &base
		}
		if hasRT {
			resp.ResidueType = &rt
		}
		_, resp.DoubleCheck = resp.take("dc")
	}
	return resp, nil
}

const kindUnsupported core.WorkKind = -1

// kindOf maps a server work type to the queue entry kind.
func kindOf(workType int64) core.WorkKind {
	switch workType {
	case 100, 102, 104:
		return core.KindLegacyTest
	case 101:
		return core.KindLegacyDoubleCheck
	case 150, 151, 152, 153:
		return core.KindProbablePrime
	default:
		return kindUnsupported
	}
}

// Entry converts a granted assignment into its queue entry. Only PRP tests
// with base 3 and residue type 1 or 5 can be run.
func (r *AssignmentResponse) Entry() (core.Entry, error) {
	kind := kindOf(r.WorkType)
	entry := core.Entry{Kind: kind, ID: r.Key, Exponent: r.Exponent}

	switch kind {
	case core.KindLegacyTest, core.KindLegacyDoubleCheck:
		entry.SieveDepth, entry.P1Done = r.SieveDepth, r.P1Done
	case core.KindProbablePrime:
		if r.Base != nil && *r.Base != 3 {
			return core.Entry{}, fmt.Errorf("%w: assignment %s has base %d", ErrUnsupportedPRP, r.Key, *r.Base)
		}
		if r.ResidueType != nil && *r.ResidueType != 1 && *r.ResidueType != 5 {
			return core.Entry{}, fmt.Errorf("%w: assignment %s has residue type %d", ErrUnsupportedPRP, r.Key, *r.ResidueType)
		}
		entry.K, entry.B, entry.C = r.K, r.B, r.C
		entry.DoubleCheck = r.DoubleCheck
		entry.HasTestsSaved, entry.SieveDepth, entry.TestsSaved = r.HasTestsSaved, r.SieveDepth, r.TestsSaved
		entry.Base, entry.ResidueType = r.Base, r.ResidueType
	default:
		return core.Entry{}, fmt.Errorf("%w: %d", ErrUnsupportedWorkType, r.WorkType)
	}
	return entry, nil
}
