package coherence

import "log"

// A Command names the kind of a coherence message.
type Command int

// All the commands that can travel between a cache and its parents or
// children.
const (
	CmdNil Command = iota

	// Requests from children
	CmdGetS
	CmdGetX
	CmdGetSX

	// Responses toward children
	CmdGetSResp
	CmdGetXResp

	// Replacements from children
	CmdPutS
	CmdPutE
	CmdPutM

	// Invalidations from the parent
	CmdInv
	CmdForceInv
	CmdFetch
	CmdFetchInv
	CmdFetchInvX

	// Invalidation responses from children
	CmdAckInv
	CmdFetchResp
	CmdFetchXResp

	// Writeback acknowledgement
	CmdAckPut

	// Flushes
	CmdFlushLine
	CmdFlushLineInv
	CmdFlushLineResp

	// Control
	CmdNACK
)

var commandNames = map[Command]string{
	CmdNil:           "Nil",
	CmdGetS:          "GetS",
	CmdGetX:          "GetX",
	CmdGetSX:         "GetSX",
	CmdGetSResp:      "GetSResp",
	CmdGetXResp:      "GetXResp",
	CmdPutS:          "PutS",
	CmdPutE:          "PutE",
	CmdPutM:          "PutM",
	CmdInv:           "Inv",
	CmdForceInv:      "ForceInv",
	CmdFetch:         "Fetch",
	CmdFetchInv:      "FetchInv",
	CmdFetchInvX:     "FetchInvX",
	CmdAckInv:        "AckInv",
	CmdFetchResp:     "FetchResp",
	CmdFetchXResp:    "FetchXResp",
	CmdAckPut:        "AckPut",
	CmdFlushLine:     "FlushLine",
	CmdFlushLineInv:  "FlushLineInv",
	CmdFlushLineResp: "FlushLineResp",
	CmdNACK:          "NACK",
}

func (c Command) String() string {
	name, ok := commandNames[c]
	if !ok {
		log.Panicf("unknown command %d", int(c))
	}
	return name
}

// IsRequest tells if the command is a request from a child.
func (c Command) IsRequest() bool {
	return c == CmdGetS || c == CmdGetX || c == CmdGetSX
}

// IsReplacement tells if the command is a replacement from a child.
func (c Command) IsReplacement() bool {
	return c == CmdPutS || c == CmdPutE || c == CmdPutM
}

// IsInvalidation tells if the command is an invalidating action from the
// parent.
func (c Command) IsInvalidation() bool {
	return c == CmdInv || c == CmdForceInv || c == CmdFetch ||
		c == CmdFetchInv || c == CmdFetchInvX
}

// IsFlush tells if the command is a flush request.
func (c Command) IsFlush() bool {
	return c == CmdFlushLine || c == CmdFlushLineInv
}

// ResponseCmd returns the command of the message that completes this command.
func (c Command) ResponseCmd() Command {
	switch c {
	case CmdGetS:
		return CmdGetSResp
	case CmdGetX, CmdGetSX:
		return CmdGetXResp
	case CmdFetch, CmdFetchInv:
		return CmdFetchResp
	case CmdFetchInvX:
		return CmdFetchXResp
	case CmdFlushLine, CmdFlushLineInv:
		return CmdFlushLineResp
	default:
		log.Panicf("command %s has no response", c)
		return CmdNil
	}
}
