package core

import "fmt"

// WorkKind is the closed set of queue entry kinds.
type WorkKind int

const (
	KindLegacyTest WorkKind = iota
	KindLegacyDoubleCheck
	KindProbablePrime
)

func (k WorkKind) String() string {
	switch k {
	case KindLegacyTest:
		return "Test"
	case KindLegacyDoubleCheck:
		return "DoubleCheck"
	case KindProbablePrime:
		return "PRP"
	default:
		return fmt.Sprintf("WorkKind(%d)", int(k))
	}
}

// Assignment is one unit of work granted by the server, as seen by the
// progress path.
type Assignment struct {
	ID              string
	Exponent        int64
	IsProbablePrime bool
	Iteration       int64
	MsPerIteration  *float64
}

// Entry is one parsed line of the work queue.
type Entry struct {
	Kind     WorkKind
	ID       string
	Exponent int64

	// Legacy kinds: Test=ID,exponent,SieveDepth,P1Done
	SieveDepth int64
	P1Done     int64

	// Probable-prime kind: PRP=ID,K,B,exponent,C[,SieveDepth,TestsSaved][,Base,ResidueType][,"factors"]
	K             int64
	B             int64
	C             int64
	DoubleCheck   bool
	HasTestsSaved bool
	TestsSaved    string
	Base          *int64
	ResidueType   *int64
	Factors       []string

	Raw string
}

func (e *Entry) Assignment() Assignment {
	return Assignment{
		ID:              e.ID,
		Exponent:        e.Exponent,
		IsProbablePrime: e.Kind == KindProbablePrime,
	}
}

// Progress is the estimate for one queued assignment.
type Progress struct {
	Assignment Assignment
	Percent    float64
	// ETASeconds is cumulative across the queue; nil when unknown.
	ETASeconds *int64
}
