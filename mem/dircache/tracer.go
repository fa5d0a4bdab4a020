package dircache

import (
	"github.com/sarchlab/mesidir/datarecording"
	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/sim"
)

// An AccessTrace is one recorded demand access.
type AccessTrace struct {
	Time     float64
	Cmd      string
	Rqstr    string
	Addr     uint64
	Class    string
	Prefetch bool
}

// An AccessTracer records every demand access and its classification into a
// database table.
type AccessTracer struct {
	timeTeller sim.TimeTeller
	recorder   datarecording.DataRecorder
	tableName  string
}

// NewAccessTracer creates a tracer that writes into the given table.
func NewAccessTracer(
	timeTeller sim.TimeTeller,
	recorder datarecording.DataRecorder,
	tableName string,
) *AccessTracer {
	t := &AccessTracer{
		timeTeller: timeTeller,
		recorder:   recorder,
		tableName:  tableName,
	}

	recorder.CreateTable(tableName, AccessTrace{})

	return t
}

// NotifyAccess records one access.
func (t *AccessTracer) NotifyAccess(
	memo *coherence.Memo,
	class MissClass,
) {
	t.recorder.InsertData(t.tableName, AccessTrace{
		Time:     float64(t.timeTeller.CurrentTime()),
		Cmd:      memo.Cmd.String(),
		Rqstr:    string(memo.Rqstr),
		Addr:     memo.BaseAddr,
		Class:    class.String(),
		Prefetch: memo.MemFlags&coherence.MemFlagPrefetch != 0,
	})
}
