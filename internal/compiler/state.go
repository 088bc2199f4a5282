package compiler

import "fmt"

type State string

const (
	StateReceived             State = "received"
	StateClassifying          State = "classifying"
	StateExtracting           State = "extracting"
	StateReasoning            State = "reasoning"
	StateTemplateSelected     State = "template_selected"
	StateGenerated            State = "generated"
	StateValidated            State = "validated"
	StateAutoExecuted         State = "auto_executed"
	StatePendingApproval      State = "pending_approval"
	StateRejectedByValidation State = "rejected_by_validation"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[State][]State{
	StateReceived:             {StateClassifying},
	StateClassifying:          {StateExtracting},
	StateExtracting:           {StateReasoning},
	StateReasoning:            {StateTemplateSelected},
	StateTemplateSelected:     {StateGenerated},
	StateGenerated:            {StateValidated},
	StateValidated:            {StateAutoExecuted, StatePendingApproval, StateRejectedByValidation},
	StateAutoExecuted:         {StateCompleted},
	StatePendingApproval:      {StateCompleted},
	StateRejectedByValidation: {StateCompleted},
}

// machine tracks one request. Every non-terminal state may fail.
type machine struct {
	state   State
	history []State
}

func newMachine() *machine {
	return &machine{state: StateReceived, history: []State{StateReceived}}
}

func (m *machine) to(next State) error {
	if m.state.Terminal() {
		return fmt.Errorf("request already %s", m.state)
	}
	allowed := next == StateFailed
	for _, s := range transitions[m.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("illegal transition %s -> %s", m.state, next)
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}

// outcome is the last state before completed.
func (m *machine) outcome() State {
	if m.state != StateCompleted || len(m.history) < 2 {
		return ""
	}
	return m.history[len(m.history)-2]
}
