package dircache

import "log"

// An Action tells the controller what to do with the event that a handler
// just processed.
type Action int

// The dispositions a handler can return.
const (
	// ActionDone means the event completed and can be retired.
	ActionDone Action = iota

	// ActionStall means the event waits in the MSHR queue for in-flight
	// work to complete.
	ActionStall

	// ActionBlock means the event waits behind the current MSHR head.
	ActionBlock

	// ActionIgnore means the event was absorbed into in-flight work and
	// requires no further processing.
	ActionIgnore
)

var actionNames = map[Action]string{
	ActionDone:   "Done",
	ActionStall:  "Stall",
	ActionBlock:  "Block",
	ActionIgnore: "Ignore",
}

func (a Action) String() string {
	name, ok := actionNames[a]
	if !ok {
		log.Panicf("unknown action %d", int(a))
	}
	return name
}

// A MissClass tells how an access relates to the directory state.
type MissClass int

// The ways an access can hit or miss.
const (
	// MissClassHit means the directory can satisfy the access directly.
	MissClassHit MissClass = iota

	// MissClassNotPresent means the directory does not track the address.
	MissClassNotPresent

	// MissClassWrongState means the line is tracked but in a state that
	// cannot satisfy the access.
	MissClassWrongState

	// MissClassPending means the line has in-flight work.
	MissClassPending
)

var missClassNames = map[MissClass]string{
	MissClassHit:        "Hit",
	MissClassNotPresent: "NotPresent",
	MissClassWrongState: "WrongState",
	MissClassPending:    "Pending",
}

func (c MissClass) String() string {
	name, ok := missClassNames[c]
	if !ok {
		log.Panicf("unknown miss class %d", int(c))
	}
	return name
}
