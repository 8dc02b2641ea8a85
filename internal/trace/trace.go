// Package trace records what a pipeline run did, in a canonical form that is
// independent of goroutine scheduling and wall-clock time.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// RunTrace is the canonical record of one pipeline run.
//
// Invariants:
//   - MatrixHash identifies the matrix definition the run executed.
//   - Events carry logical facts only: no timestamps, durations, PIDs or
//     error strings, so two runs with the same outcome trace identically.
type RunTrace struct {
	MatrixHash string
	Events     []Event
}

// EventKind is the stable discriminator for Event. The string values are
// part of the canonical bytes; do not rename.
type EventKind string

const (
	EventUnitCompiled EventKind = "UnitCompiled"
	EventUnitLinked   EventKind = "UnitLinked"
	EventUnitEncoded  EventKind = "UnitEncoded"
	EventUnitFailed   EventKind = "UnitFailed"
	EventUnitSkipped  EventKind = "UnitSkipped"
	EventRunPublished EventKind = "RunPublished"
	EventRunAborted   EventKind = "RunAborted"
)

// Stable reason codes.
const (
	ReasonSourceMissing = "SourceMissing"
	ReasonCompileFailed = "CompileFailed"
	ReasonLinkFailed    = "LinkFailed"
	ReasonIOFailed      = "IOFailed"
	ReasonCancelled     = "Cancelled"
	ReasonUpstreamAbort = "RunAborted"
)

// Event is a single logical transition.
type Event struct {
	Kind EventKind

	// UnitID is "<variant>/<platform suffix>"; empty for run-level events.
	UnitID string

	Reason string

	// Artifacts lists stable file names (sources compiled, files written).
	Artifacts []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.MatrixHash == "" {
		return errors.New("matrixHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if isUnitEvent(e.Kind) && e.UnitID == "" {
			return fmt.Errorf("events[%d].unitId is required for kind %q", i, e.Kind)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

func isUnitEvent(kind EventKind) bool {
	switch kind {
	case EventRunPublished, EventRunAborted:
		return false
	default:
		return true
	}
}

// Canonicalize sorts the trace into its canonical order:
// (unitId, kindOrder, reason, artifacts). Artifacts are sorted and empty
// slices become nil.
func (t *RunTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Artifacts) == 0 {
			t.Events[i].Artifacts = nil
			continue
		}
		art := make([]string, len(t.Events[i].Artifacts))
		copy(art, t.Events[i].Artifacts)
		sort.Strings(art)
		t.Events[i].Artifacts = art
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return compareStringSlices(a.Artifacts, b.Artifacts)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventUnitCompiled:
		return 10
	case EventUnitLinked:
		return 20
	case EventUnitEncoded:
		return 30
	case EventUnitFailed:
		return 40
	case EventUnitSkipped:
		return 50
	case EventRunPublished:
		return 60
	case EventRunAborted:
		return 70
	default:
		return 1000
	}
}

func compareStringSlices(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical JSON encoding of a canonicalized copy.
func (t RunTrace) CanonicalJSON() ([]byte, error) {
	cp := RunTrace{MatrixHash: t.MatrixHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the sha256 hex digest of the canonical JSON bytes.
func (t RunTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return computeHash(b), nil
}

// MarshalJSON fixes field order.
func (t RunTrace) MarshalJSON() ([]byte, error) {
	if t.MatrixHash == "" {
		return nil, errors.New("matrixHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"matrixHash":`)
	mh, _ := json.Marshal(t.MatrixHash)
	buf.Write(mh)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	if e.UnitID != "" {
		buf.WriteString(`,"unitId":`)
		ub, _ := json.Marshal(e.UnitID)
		buf.Write(ub)
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		rb, _ := json.Marshal(e.Reason)
		buf.Write(rb)
	}
	if len(e.Artifacts) > 0 {
		artifacts := make([]string, len(e.Artifacts))
		copy(artifacts, e.Artifacts)
		sort.Strings(artifacts)
		buf.WriteString(`,"artifacts":`)
		ab, _ := json.Marshal(artifacts)
		buf.Write(ab)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
