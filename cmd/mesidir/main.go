// mesidir runs a randomized multi-core traffic pattern against a MESI
// directory and reports how the accesses were classified.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/mesidir/datarecording"
	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache"
	"github.com/sarchlab/mesidir/sim"
)

type options struct {
	numChildren int
	numAccesses int
	numLines    int

	numSets      int
	numWays      int
	dataWays     int
	lineSize     int
	numMSHREntry int

	mes            bool
	lastLevel      bool
	writebackAck   bool
	writebackClean bool

	seed  int64
	trace string
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "mesidir",
	Short: "Run randomized coherence traffic through a MESI directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	f := rootCmd.Flags()

	f.IntVar(&opts.numChildren, "num-children", 4,
		"number of child caches above the directory")
	f.IntVar(&opts.numAccesses, "num-accesses", 10000,
		"number of accesses each child issues")
	f.IntVar(&opts.numLines, "num-lines", 256,
		"number of distinct blocks the children touch")
	f.IntVar(&opts.numSets, "num-sets", 64, "number of directory sets")
	f.IntVar(&opts.numWays, "num-ways", 8, "directory associativity")
	f.IntVar(&opts.dataWays, "data-ways", 4,
		"ways per set that can hold data")
	f.IntVar(&opts.lineSize, "line-size", 64, "block size in bytes")
	f.IntVar(&opts.numMSHREntry, "mshr-entries", 16,
		"number of MSHR registers")
	f.BoolVar(&opts.mes, "mes", true,
		"grant exclusive ownership on an unshared read")
	f.BoolVar(&opts.lastLevel, "last-level", true,
		"treat the directory as the last coherent level")
	f.BoolVar(&opts.writebackAck, "writeback-ack", false,
		"hold writebacks until the parent acknowledges them")
	f.BoolVar(&opts.writebackClean, "writeback-clean", false,
		"carry data on clean writebacks")
	f.Int64Var(&opts.seed, "seed", 1, "random seed")
	f.StringVar(&opts.trace, "trace", "",
		"record an access trace into this database")
}

func run() error {
	engine := sim.NewSerialEngine()
	freq := 1 * sim.GHz

	conn := sim.NewDirectConnection("Conn", engine, freq)

	mem := newMemCtrl("MemCtrl", engine, freq, 100, opts.lineSize,
		opts.writebackAck)
	conn.PlugIn(mem.topPort)

	builder := dircache.MakeBuilder().
		WithEngine(engine).
		WithFreq(freq).
		WithNumSets(opts.numSets).
		WithNumWays(opts.numWays).
		WithDataWays(opts.dataWays).
		WithLineSize(opts.lineSize).
		WithNumMSHREntry(opts.numMSHREntry).
		WithParent(mem.topPort.AsRemote())

	if opts.mes {
		builder = builder.WithProtocolMES()
	}
	if opts.lastLevel {
		builder = builder.WithLastLevel()
	}
	if opts.writebackAck {
		builder = builder.WithExpectWritebackAck()
	}
	if opts.writebackClean {
		builder = builder.WithWritebackCleanBlocks()
	}

	counter := newClassCounter()
	builder = builder.WithListener(counter)

	if opts.trace != "" {
		recorder := datarecording.New(opts.trace)
		tracer := dircache.NewAccessTracer(engine, recorder, "access_trace")
		builder = builder.WithListener(tracer)
	}

	dir := builder.Build("Directory")
	conn.PlugIn(dir.GetPortByName("Top"))
	conn.PlugIn(dir.GetPortByName("Bottom"))

	dirTop := dir.GetPortByName("Top").AsRemote()
	for i := 0; i < opts.numChildren; i++ {
		agent := newTrafficAgent(
			fmt.Sprintf("Child%d", i),
			engine, freq, dirTop,
			opts.lineSize, opts.numLines, opts.numAccesses,
			opts.seed+int64(i))
		conn.PlugIn(agent.port)
		agent.TickLater()
	}

	err := engine.Run()
	if err != nil {
		return err
	}

	counter.report(os.Stdout, engine.CurrentTime())

	return nil
}

type classCounter struct {
	counts map[dircache.MissClass]uint64
}

func newClassCounter() *classCounter {
	return &classCounter{counts: make(map[dircache.MissClass]uint64)}
}

func (c *classCounter) NotifyAccess(
	memo *coherence.Memo,
	class dircache.MissClass,
) {
	c.counts[class]++
}

func (c *classCounter) report(out *os.File, endTime sim.VTimeInSec) {
	total := uint64(0)
	for _, n := range c.counts {
		total += n
	}

	fmt.Fprintf(out, "simulated time: %.9f s\n", float64(endTime))
	fmt.Fprintf(out, "accesses:       %d\n", total)
	for class, n := range c.counts {
		fmt.Fprintf(out, "%-15s %d\n", class.String()+":", n)
	}
}

func main() {
	_ = godotenv.Load()

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
