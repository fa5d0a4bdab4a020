package coherence

import "log"

// A State is the coherence state of a directory line.
type State int

// Stable and transient states of a line.
const (
	// Stable states
	StateI State = iota
	StateS
	StateE
	StateM

	// Request in flight toward the parent
	StateIS
	StateIM
	StateSM

	// Invalidation in flight toward children
	StateSInv
	StateSI
	StateSBInv
	StateEInv
	StateEI
	StateEInvX
	StateMInv
	StateMI
	StateMInvX
	StateSMInv

	// Data fetch in flight toward children
	StateSD
	StateED
	StateMD
	StateSMD

	// Flush forwarded to the parent
	StateSB
	StateIB
)

var stateNames = map[State]string{
	StateI:     "I",
	StateS:     "S",
	StateE:     "E",
	StateM:     "M",
	StateIS:    "IS",
	StateIM:    "IM",
	StateSM:    "SM",
	StateSInv:  "S_Inv",
	StateSI:    "SI",
	StateSBInv: "SB_Inv",
	StateEInv:  "E_Inv",
	StateEI:    "EI",
	StateEInvX: "E_InvX",
	StateMInv:  "M_Inv",
	StateMI:    "MI",
	StateMInvX: "M_InvX",
	StateSMInv: "SM_Inv",
	StateSD:    "S_D",
	StateED:    "E_D",
	StateMD:    "M_D",
	StateSMD:   "SM_D",
	StateSB:    "S_B",
	StateIB:    "I_B",
}

func (s State) String() string {
	name, ok := stateNames[s]
	if !ok {
		log.Panicf("unknown state %d", int(s))
	}
	return name
}

// Stable tells if the state is one of I, S, E, and M.
func (s State) Stable() bool {
	return s == StateI || s == StateS || s == StateE || s == StateM
}

// InTransition tells if the line is waiting for in-flight work to complete.
func (s State) InTransition() bool {
	return !s.Stable()
}
