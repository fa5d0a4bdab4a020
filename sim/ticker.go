package sim

// TickEvent is a generic event that almost all components use to progress
// their internal states.
type TickEvent struct {
	*EventBase
}

// MakeTickEvent creates a new TickEvent
func MakeTickEvent(t VTimeInSec, handler Handler) TickEvent {
	evt := TickEvent{}
	evt.EventBase = NewEventBase(t, handler)
	return evt
}

// A Ticker is an object that updates its internal state on every cycle.
type Ticker interface {
	Tick() bool
}

// TickScheduler can help schedule tick events.
type TickScheduler struct {
	handler Handler
	Freq    Freq
	Engine  Engine

	nextTickTime VTimeInSec
}

// NewTickScheduler creates a scheduler for tick events.
func NewTickScheduler(
	handler Handler,
	engine Engine,
	freq Freq,
) *TickScheduler {
	ticker := new(TickScheduler)

	ticker.handler = handler
	ticker.Engine = engine
	ticker.Freq = freq
	ticker.nextTickTime = -1

	return ticker
}

// TickNow schedules a tick event at the current tick.
func (t *TickScheduler) TickNow() {
	now := t.Engine.CurrentTime()
	time := t.Freq.ThisTick(now)

	if t.nextTickTime >= time {
		return
	}

	t.nextTickTime = time
	tick := MakeTickEvent(time, t.handler)
	t.Engine.Schedule(tick)
}

// TickLater schedules a tick event at the next tick.
func (t *TickScheduler) TickLater() {
	now := t.Engine.CurrentTime()
	time := t.Freq.NextTick(now)

	if t.nextTickTime >= time {
		return
	}

	t.nextTickTime = time
	tick := MakeTickEvent(time, t.handler)
	t.Engine.Schedule(tick)
}

// TickingComponent is a type of component that update states from cycle to
// cycle.
type TickingComponent struct {
	*ComponentBase
	*TickScheduler

	ticker Ticker
}

// NewTickingComponent creates a ticking component.
func NewTickingComponent(
	name string,
	engine Engine,
	freq Freq,
	ticker Ticker,
) *TickingComponent {
	tc := new(TickingComponent)
	tc.ComponentBase = NewComponentBase(name)
	tc.TickScheduler = NewTickScheduler(tc, engine, freq)
	tc.ticker = ticker
	return tc
}

// Handle triggers the tick of the ticker and schedules the next tick if the
// current tick makes progress.
func (c *TickingComponent) Handle(e Event) error {
	madeProgress := c.ticker.Tick()

	if madeProgress {
		c.TickLater()
	}

	return nil
}

// NotifyPortFree triggers the TickingComponent to start ticking again.
func (c *TickingComponent) NotifyPortFree(_ Port) {
	c.TickLater()
}

// NotifyRecv triggers the TickingComponent to start ticking again.
func (c *TickingComponent) NotifyRecv(_ Port) {
	c.TickLater()
}
