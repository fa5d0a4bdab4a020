package sim

import (
	"log"
	"sync"
)

// RemotePort is the name of a port on a remote component. Messages name their
// source and destination with RemotePorts so that they can be serialized
// without carrying pointers.
type RemotePort string

// SendError marks a failure of sending a message out of a port.
type SendError struct{}

// NewSendError creates a SendError
func NewSendError() *SendError {
	return &SendError{}
}

// HookPosPortMsgSend marks when a message is sent out from the port.
var HookPosPortMsgSend = &HookPos{Name: "Port Msg Send"}

// HookPosPortMsgRecvd marks when an incoming message arrives at a port.
var HookPosPortMsgRecvd = &HookPos{Name: "Port Msg Recv"}

// HookPosPortMsgRetrieve marks when an incoming message is retrieved by the
// port owner.
var HookPosPortMsgRetrieve = &HookPos{Name: "Port Msg Retrieve"}

// A Port is the interface between a component and a connection.
type Port interface {
	Named
	Hookable

	AsRemote() RemotePort
	SetConnection(conn Connection)
	Component() Component

	// Component side
	CanSend() bool
	Send(msg Msg) *SendError
	PeekIncoming() Msg
	RetrieveIncoming() Msg

	// Connection side
	Deliver(msg Msg) *SendError
	PeekOutgoing() Msg
	RetrieveOutgoing() Msg
	NotifyAvailable()
}

// A Connection carries messages from the output buffer of one port to the
// input buffer of another.
type Connection interface {
	Hookable

	PlugIn(port Port)
	Unplug(port Port)
	NotifySend()
}

// NewPort creates a new port that works for the provided component.
func NewPort(
	comp Component,
	incomingBufCap, outgoingBufCap int,
	name string,
) Port {
	p := &defaultPort{
		comp: comp,
		name: name,
		incomingBuf: NewBuffer(
			name+".IncomingBuf", incomingBufCap),
		outgoingBuf: NewBuffer(
			name+".OutgoingBuf", outgoingBufCap),
	}
	return p
}

type defaultPort struct {
	HookableBase
	lock sync.Mutex

	name string
	comp Component
	conn Connection

	incomingBuf Buffer
	outgoingBuf Buffer
}

func (p *defaultPort) Name() string {
	return p.name
}

func (p *defaultPort) AsRemote() RemotePort {
	return RemotePort(p.name)
}

func (p *defaultPort) SetConnection(conn Connection) {
	if p.conn != nil {
		log.Panicf("port %s already has a connection", p.name)
	}

	p.conn = conn
}

func (p *defaultPort) Component() Component {
	return p.comp
}

func (p *defaultPort) CanSend() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.outgoingBuf.CanPush()
}

func (p *defaultPort) Send(msg Msg) *SendError {
	p.mustBeValidSrc(msg)

	p.lock.Lock()
	if !p.outgoingBuf.CanPush() {
		p.lock.Unlock()
		return NewSendError()
	}

	p.outgoingBuf.Push(msg)
	p.lock.Unlock()

	hookCtx := HookCtx{
		Domain: p,
		Pos:    HookPosPortMsgSend,
		Item:   msg,
	}
	p.InvokeHook(hookCtx)

	if p.conn != nil {
		p.conn.NotifySend()
	}

	return nil
}

func (p *defaultPort) Deliver(msg Msg) *SendError {
	p.lock.Lock()
	if !p.incomingBuf.CanPush() {
		p.lock.Unlock()
		return NewSendError()
	}

	p.incomingBuf.Push(msg)
	p.lock.Unlock()

	hookCtx := HookCtx{
		Domain: p,
		Pos:    HookPosPortMsgRecvd,
		Item:   msg,
	}
	p.InvokeHook(hookCtx)

	if p.comp != nil {
		p.comp.NotifyRecv(p)
	}

	return nil
}

func (p *defaultPort) PeekIncoming() Msg {
	p.lock.Lock()
	defer p.lock.Unlock()

	item := p.incomingBuf.Peek()
	if item == nil {
		return nil
	}

	return item.(Msg)
}

func (p *defaultPort) RetrieveIncoming() Msg {
	p.lock.Lock()
	item := p.incomingBuf.Pop()
	p.lock.Unlock()

	if item == nil {
		return nil
	}

	msg := item.(Msg)

	hookCtx := HookCtx{
		Domain: p,
		Pos:    HookPosPortMsgRetrieve,
		Item:   msg,
	}
	p.InvokeHook(hookCtx)

	return msg
}

func (p *defaultPort) PeekOutgoing() Msg {
	p.lock.Lock()
	defer p.lock.Unlock()

	item := p.outgoingBuf.Peek()
	if item == nil {
		return nil
	}

	return item.(Msg)
}

func (p *defaultPort) RetrieveOutgoing() Msg {
	p.lock.Lock()
	item := p.outgoingBuf.Pop()
	p.lock.Unlock()

	if item == nil {
		return nil
	}

	if p.comp != nil {
		p.comp.NotifyPortFree(p)
	}

	return item.(Msg)
}

func (p *defaultPort) NotifyAvailable() {
	if p.comp != nil {
		p.comp.NotifyPortFree(p)
	}
}

func (p *defaultPort) mustBeValidSrc(msg Msg) {
	if msg.Meta().Src != p.AsRemote() {
		log.Panicf("sending message from a port that is not the source, "+
			"msg src %s, port %s", msg.Meta().Src, p.name)
	}
}
