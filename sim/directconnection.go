package sim

import (
	"log"
)

// DirectConnection connects two or more ports and forwards a message to its
// destination port without added latency: a send schedules a tick of the
// connection at the current cycle.
type DirectConnection struct {
	*TickingComponent

	ports      []Port
	portByName map[RemotePort]Port
}

// NewDirectConnection creates a new DirectConnection object
func NewDirectConnection(
	name string,
	engine Engine,
	freq Freq,
) *DirectConnection {
	c := new(DirectConnection)
	c.TickingComponent = NewTickingComponent(name, engine, freq, c)
	c.portByName = make(map[RemotePort]Port)
	return c
}

// PlugIn marks the port connects to this DirectConnection.
func (c *DirectConnection) PlugIn(port Port) {
	c.Lock()
	defer c.Unlock()

	c.ports = append(c.ports, port)
	c.portByName[port.AsRemote()] = port
	port.SetConnection(c)
}

// Unplug marks the port no longer connects to this DirectConnection.
func (c *DirectConnection) Unplug(_ Port) {
	panic("not implemented")
}

// NotifySend is called by a port to notify that the connection can start to
// tick now
func (c *DirectConnection) NotifySend() {
	c.TickNow()
}

// Tick updates the states of the connection and delivers messages.
func (c *DirectConnection) Tick() bool {
	madeProgress := false
	for _, port := range c.ports {
		madeProgress = c.forwardMany(port) || madeProgress
	}

	return madeProgress
}

func (c *DirectConnection) forwardMany(port Port) bool {
	madeProgress := false
	for {
		msg := port.PeekOutgoing()
		if msg == nil {
			break
		}

		dst := c.portByName[msg.Meta().Dst]
		if dst == nil {
			log.Panicf("destination port %s not connected to %s",
				msg.Meta().Dst, c.Name())
		}

		msg.Meta().RecvTime = c.Engine.CurrentTime()
		err := dst.Deliver(msg)
		if err != nil {
			break
		}

		port.RetrieveOutgoing()
		madeProgress = true
	}

	return madeProgress
}
