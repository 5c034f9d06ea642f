package engine

import (
	"strings"
	"time"
)

// FaultClass partitions graph faults for recovery accounting: the
// recovery coordinator caps attempts per class, so classification decides
// which faults share an attempt counter.
type FaultClass int

const (
	// FaultUnknown is the fallback for unclassified faults.
	FaultUnknown FaultClass = iota
	// FaultSourceLost: the camera or upstream source stopped producing.
	FaultSourceLost
	// FaultElementMissing: a graph element could not be created.
	FaultElementMissing
	// FaultNegotiation: format/caps negotiation between elements failed.
	FaultNegotiation
	// FaultResource: memory or device resource exhaustion.
	FaultResource
	// FaultDeadlock: a state transition or guarded operation timed out.
	FaultDeadlock
)

// String returns the class name used in logs and counters.
func (c FaultClass) String() string {
	switch c {
	case FaultSourceLost:
		return "source_lost"
	case FaultElementMissing:
		return "element_missing"
	case FaultNegotiation:
		return "negotiation"
	case FaultResource:
		return "resource"
	case FaultDeadlock:
		return "deadlock"
	case FaultUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// Fault is one graph fault, synchronous (a rejected operation) or
// asynchronous (an engine bus error).
type Fault struct {
	// ID uniquely identifies the fault occurrence in logs.
	ID string
	// Class decides which recovery attempt counter the fault charges.
	Class FaultClass
	// Message is the engine's error text.
	Message string
	// Source names the element, branch or operation that raised it.
	Source string
	// Time is when the fault was observed.
	Time time.Time
}

// Classify maps an engine error message (plus optional debug detail) to a
// fault class by keyword heuristics. Engines rarely expose structured
// error domains, so string matching is the portable fallback; the lists
// are checked most-specific first.
func Classify(message, debug string) FaultClass {
	combined := strings.ToLower(message) + " " + strings.ToLower(debug)

	switch {
	case containsAny(combined, sourceLostKeywords):
		return FaultSourceLost
	case containsAny(combined, elementMissingKeywords):
		return FaultElementMissing
	case containsAny(combined, negotiationKeywords):
		return FaultNegotiation
	case containsAny(combined, resourceKeywords):
		return FaultResource
	default:
		return FaultUnknown
	}
}

var sourceLostKeywords = []string{
	"no such device",
	"device disconnected",
	"disconnect",
	"unplugged",
	"end of stream",
	"read error",
	"device or resource busy",
	"v4l2",
	"stream stopped",
}

var elementMissingKeywords = []string{
	"no such element",
	"missing plugin",
	"could not create element",
	"not installed",
	"no element",
	"not found",
	"not available",
}

var negotiationKeywords = []string{
	"negotiation",
	"not negotiated",
	"not-negotiated",
	"caps",
	"format",
	"could not link",
}

var resourceKeywords = []string{
	"resource",
	"memory",
	"allocation",
	"out of",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
