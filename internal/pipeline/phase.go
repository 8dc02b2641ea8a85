package pipeline

import "fmt"

// Phase is the driver's position in the run state machine:
//
//	Init -> { Compile -> Link -> Encode }* -> Assemble -> Publish -> Cleanup -> Done
//
// Any failure or cancellation before Cleanup moves to Aborted, which is
// terminal. Temporary files are removed on both paths.
type Phase string

const (
	PhaseInit     Phase = "Init"
	PhaseCompile  Phase = "Compile"
	PhaseLink     Phase = "Link"
	PhaseEncode   Phase = "Encode"
	PhaseAssemble Phase = "Assemble"
	PhasePublish  Phase = "Publish"
	PhaseCleanup  Phase = "Cleanup"
	PhaseDone     Phase = "Done"
	PhaseAborted  Phase = "Aborted"
)

// IsTerminal reports whether no further transition is allowed.
func IsTerminal(p Phase) bool {
	return p == PhaseDone || p == PhaseAborted
}

func isAllowedTransition(from, to Phase) bool {
	if to == PhaseAborted {
		return !IsTerminal(from) && from != PhaseCleanup
	}
	switch from {
	case PhaseInit:
		return to == PhaseCompile
	case PhaseCompile:
		return to == PhaseLink
	case PhaseLink:
		return to == PhaseEncode
	case PhaseEncode:
		return to == PhaseCompile || to == PhaseAssemble
	case PhaseAssemble:
		return to == PhasePublish
	case PhasePublish:
		return to == PhaseCleanup
	case PhaseCleanup:
		return to == PhaseDone
	default:
		return false
	}
}

// phaseMachine validates and records transitions. It is only touched by
// the driver goroutine.
type phaseMachine struct {
	cur     Phase
	history []Phase
}

func newPhaseMachine() *phaseMachine {
	return &phaseMachine{cur: PhaseInit, history: []Phase{PhaseInit}}
}

func (m *phaseMachine) to(next Phase) error {
	if !isAllowedTransition(m.cur, next) {
		return fmt.Errorf("disallowed phase transition: %s -> %s", m.cur, next)
	}
	m.cur = next
	m.history = append(m.history, next)
	return nil
}

// abort moves to Aborted unless the machine is already terminal.
func (m *phaseMachine) abort() {
	if isAllowedTransition(m.cur, PhaseAborted) {
		m.cur = PhaseAborted
		m.history = append(m.history, PhaseAborted)
	}
}

func (m *phaseMachine) Current() Phase { return m.cur }

func (m *phaseMachine) History() []Phase {
	out := make([]Phase, len(m.history))
	copy(out, m.history)
	return out
}
