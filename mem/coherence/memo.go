package coherence

import (
	"github.com/sarchlab/mesidir/sim"
)

// MemFlagPrefetch marks an access issued by a prefetcher rather than by a
// demand request.
const MemFlagPrefetch uint32 = 0x1

// A Memo is the message that carries every coherence command between a cache
// and its parents or children.
type Memo struct {
	sim.MsgMeta

	Cmd        Command
	Rqstr      sim.RemotePort
	BaseAddr   uint64
	Addr       uint64
	AccessSize uint64
	Payload    []byte
	Dirty      bool
	Success    bool
	MemFlags   uint32
	RespKey    string

	// Wrapped is the original message when Cmd is NACK.
	Wrapped *Memo
}

// Meta returns the meta data associated with the Memo.
func (m *Memo) Meta() *sim.MsgMeta {
	return &m.MsgMeta
}

// Clone returns a copy of the Memo with a different ID.
func (m *Memo) Clone() sim.Msg {
	cloneMsg := *m
	cloneMsg.ID = sim.GetIDGenerator().Generate()

	return &cloneMsg
}

// GetRspTo returns the ID of the outstanding send that this Memo responds to.
func (m *Memo) GetRspTo() string {
	return m.RespKey
}

// MemoBuilder can build Memos.
type MemoBuilder struct {
	src, dst   sim.RemotePort
	rqstr      sim.RemotePort
	cmd        Command
	baseAddr   uint64
	addr       uint64
	accessSize uint64
	payload    []byte
	dirty      bool
	success    bool
	memFlags   uint32
	respKey    string
	wrapped    *Memo
}

// WithSrc sets the source of the Memo to build.
func (b MemoBuilder) WithSrc(src sim.RemotePort) MemoBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the Memo to build.
func (b MemoBuilder) WithDst(dst sim.RemotePort) MemoBuilder {
	b.dst = dst
	return b
}

// WithRqstr sets the original requestor of the Memo to build.
func (b MemoBuilder) WithRqstr(rqstr sim.RemotePort) MemoBuilder {
	b.rqstr = rqstr
	return b
}

// WithCmd sets the command of the Memo to build.
func (b MemoBuilder) WithCmd(cmd Command) MemoBuilder {
	b.cmd = cmd
	return b
}

// WithBaseAddr sets the line-aligned address of the Memo to build.
func (b MemoBuilder) WithBaseAddr(addr uint64) MemoBuilder {
	b.baseAddr = addr
	return b
}

// WithAddr sets the access address of the Memo to build.
func (b MemoBuilder) WithAddr(addr uint64) MemoBuilder {
	b.addr = addr
	return b
}

// WithAccessSize sets the number of bytes accessed.
func (b MemoBuilder) WithAccessSize(size uint64) MemoBuilder {
	b.accessSize = size
	return b
}

// WithPayload sets the data that the Memo carries.
func (b MemoBuilder) WithPayload(payload []byte) MemoBuilder {
	b.payload = payload
	return b
}

// WithDirty marks the payload as the newest copy of the data.
func (b MemoBuilder) WithDirty(dirty bool) MemoBuilder {
	b.dirty = dirty
	return b
}

// WithSuccess marks a flush response as completed.
func (b MemoBuilder) WithSuccess(success bool) MemoBuilder {
	b.success = success
	return b
}

// WithMemFlags sets the flags forwarded with the access.
func (b MemoBuilder) WithMemFlags(flags uint32) MemoBuilder {
	b.memFlags = flags
	return b
}

// WithRespKey sets the ID of the outstanding send that the Memo responds to.
func (b MemoBuilder) WithRespKey(key string) MemoBuilder {
	b.respKey = key
	return b
}

// WithWrapped sets the message that a NACK returns to its sender.
func (b MemoBuilder) WithWrapped(wrapped *Memo) MemoBuilder {
	b.wrapped = wrapped
	return b
}

// Build creates a new Memo.
func (b MemoBuilder) Build() *Memo {
	m := &Memo{}
	m.ID = sim.GetIDGenerator().Generate()
	m.Src = b.src
	m.Dst = b.dst
	m.TrafficClass = "coherence.Memo"
	m.TrafficBytes = len(b.payload)

	m.Cmd = b.cmd
	m.Rqstr = b.rqstr
	m.BaseAddr = b.baseAddr
	m.Addr = b.addr
	m.AccessSize = b.accessSize
	m.Payload = b.payload
	m.Dirty = b.dirty
	m.Success = b.success
	m.MemFlags = b.memFlags
	m.RespKey = b.respKey
	m.Wrapped = b.wrapped

	return m
}
