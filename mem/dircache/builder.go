package dircache

import (
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
	"github.com/sarchlab/mesidir/mem/dircache/internal/mshr"
	"github.com/sarchlab/mesidir/sim"
)

// A Builder can build directory components.
type Builder struct {
	engine sim.Engine
	freq   sim.Freq

	numSets      int
	numWays      int
	dataWays     int
	lineSize     int
	numMSHREntry int

	tagLatency        int
	accessLatency     int
	mshrLatency       int
	packetHeaderBytes int

	protocolMES          bool
	lastLevel            bool
	expectWritebackAck   bool
	writebackCleanBlocks bool

	parent    sim.RemotePort
	listeners []Listener
}

// MakeBuilder returns a builder with default configurations.
func MakeBuilder() Builder {
	return Builder{
		freq:              1 * sim.GHz,
		numSets:           64,
		numWays:           8,
		dataWays:          4,
		lineSize:          64,
		numMSHREntry:      16,
		tagLatency:        1,
		accessLatency:     4,
		mshrLatency:       1,
		packetHeaderBytes: 4,
	}
}

// WithEngine sets the event-driven simulation engine to use.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency of the directory.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithNumSets sets the number of directory sets.
func (b Builder) WithNumSets(numSets int) Builder {
	b.numSets = numSets
	return b
}

// WithNumWays sets the associativity of the directory.
func (b Builder) WithNumWays(numWays int) Builder {
	b.numWays = numWays
	return b
}

// WithDataWays sets how many ways per set can hold data. The remaining ways
// track state only.
func (b Builder) WithDataWays(dataWays int) Builder {
	b.dataWays = dataWays
	return b
}

// WithLineSize sets the size of a block in bytes.
func (b Builder) WithLineSize(lineSize int) Builder {
	b.lineSize = lineSize
	return b
}

// WithNumMSHREntry sets the number of MSHR registers.
func (b Builder) WithNumMSHREntry(num int) Builder {
	b.numMSHREntry = num
	return b
}

// WithTagLatency sets the cycles spent on a tag lookup.
func (b Builder) WithTagLatency(cycles int) Builder {
	b.tagLatency = cycles
	return b
}

// WithAccessLatency sets the cycles spent on a data-array access.
func (b Builder) WithAccessLatency(cycles int) Builder {
	b.accessLatency = cycles
	return b
}

// WithMSHRLatency sets the cycles spent on a replayed access.
func (b Builder) WithMSHRLatency(cycles int) Builder {
	b.mshrLatency = cycles
	return b
}

// WithPacketHeaderBytes sets the header overhead counted on every message.
func (b Builder) WithPacketHeaderBytes(bytes int) Builder {
	b.packetHeaderBytes = bytes
	return b
}

// WithProtocolMES grants exclusive ownership on a read when the directory
// has no other sharer.
func (b Builder) WithProtocolMES() Builder {
	b.protocolMES = true
	return b
}

// WithLastLevel marks the directory as the last coherent level, letting it
// upgrade shared lines without consulting the parent.
func (b Builder) WithLastLevel() Builder {
	b.lastLevel = true
	return b
}

// WithExpectWritebackAck makes the directory hold writebacks until the
// parent acknowledges them.
func (b Builder) WithExpectWritebackAck() Builder {
	b.expectWritebackAck = true
	return b
}

// WithWritebackCleanBlocks makes clean writebacks carry data.
func (b Builder) WithWritebackCleanBlocks() Builder {
	b.writebackCleanBlocks = true
	return b
}

// WithParent sets the port of the parent component.
func (b Builder) WithParent(parent sim.RemotePort) Builder {
	b.parent = parent
	return b
}

// WithListener registers a listener for access classifications.
func (b Builder) WithListener(l Listener) Builder {
	b.listeners = append(b.listeners, l)
	return b
}

// Build creates a directory component with the given name.
func (b Builder) Build(name string) *Comp {
	c := &Comp{}
	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)

	c.topPort = sim.NewPort(c, 8, 8, name+".Top")
	c.bottomPort = sim.NewPort(c, 8, 8, name+".Bottom")
	c.AddPort("Top", c.topPort)
	c.AddPort("Bottom", c.bottomPort)

	c.out = &outbound{packetHeaderBytes: b.packetHeaderBytes}

	dir := directory.NewArray(b.numSets, b.numWays, b.dataWays, b.lineSize,
		directory.NewLRUVictimFinder())

	c.engine = &engine{
		timeTeller: b.engine,
		freq:       b.freq,

		top:    c.topPort.AsRemote(),
		bottom: c.bottomPort.AsRemote(),
		parent: b.parent,

		dir:  dir,
		mshr: mshr.New(b.numMSHREntry),
		out:  c.out,

		lineSize:             b.lineSize,
		protocolMES:          b.protocolMES,
		lastLevel:            b.lastLevel,
		expectWritebackAck:   b.expectWritebackAck,
		writebackCleanBlocks: b.writebackCleanBlocks,
		tagLatency:           b.tagLatency,
		accessLatency:        b.accessLatency,
		mshrLatency:          b.mshrLatency,

		listeners: b.listeners,
	}

	return c
}
