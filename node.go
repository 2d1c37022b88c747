package wlcore

import (
	"context"

	"github.com/openwlan/wlcore/fwp"
)

type nodeFlags uint8

const (
	// flagScan marks a scan-class command running on the extended
	// timeout tier.
	flagScan nodeFlags = 1 << iota
	// flagRaw marks a raw host command: the caller supplied a fully
	// formed buffer and gets the raw response bytes back undecoded.
	flagRaw
	// flagCanceled suppresses decode and caller completion when the
	// response eventually arrives. Set only on the in-flight node.
	flagCanceled
)

// CommandNode tracks one command from issuance to completion. A node is
// leased from the free queue, filled by an encoder, moved through the
// pending (or scan-pending) queue, handed to the transport and finally
// released back to the free queue exactly once.
//
// At any instant a node is in exactly one of: a queue, the current-slot,
// or nowhere (just leased or just released).
type CommandNode struct {
	prev, next *CommandNode
	q          *nodeList // list the node is currently on, nil otherwise

	owner  *Iface
	op     fwp.Opcode
	action uint16
	seq    uint16 // packed sequence word stamped at download
	flags  nodeFlags
	ctx    *CallerContext
	aux    any

	// cmd is the wire buffer. Its backing array never changes over the
	// node's life; cmdLen is the filled prefix.
	cmd    []byte
	cmdLen int
	// resp holds a copy of the raw response for raw host commands.
	resp []byte

	// err records the final disposition consumed by release.
	err error
}

// Opcode returns the opcode the node was prepared with.
func (n *CommandNode) Opcode() fwp.Opcode { return n.op }

// CallerContext is the caller's half of a command submission. Completion
// is asynchronous: Wait blocks until the engine records a final status,
// which is nil on success or one of the taxonomy errors.
type CallerContext struct {
	// Aux is handed to the opcode decoder; typically a pointer the
	// decoder fills with the parsed response.
	Aux any
	// RawResp receives a copy of the full response buffer for raw host
	// commands.
	RawResp []byte

	status error
	done   chan struct{}
}

func NewCallerContext(aux any) *CallerContext {
	return &CallerContext{Aux: aux, done: make(chan struct{})}
}

// complete records the final status. Exactly one completion per context;
// the release path guarantees this.
func (cc *CallerContext) complete(err error) {
	cc.status = err
	close(cc.done)
}

// Wait blocks until the command completes or ctx is done.
func (cc *CallerContext) Wait(ctx context.Context) error {
	select {
	case <-cc.done:
		return cc.status
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed on completion. Status is only valid after
// the channel is closed.
func (cc *CallerContext) Done() <-chan struct{} { return cc.done }

// Status returns the completion status recorded by the engine.
func (cc *CallerContext) Status() error { return cc.status }

// nodeList is an intrusive FIFO of command nodes with head/tail insert
// and arbitrary unlink. Not safe for concurrent use; all three lists are
// guarded by the adapter's queue mutex.
type nodeList struct {
	head, tail *CommandNode
	n          int
}

func (l *nodeList) len() int { return l.n }

func (l *nodeList) pushTail(node *CommandNode) {
	node.q = l
	node.next = nil
	node.prev = l.tail
	if l.tail != nil {
		l.tail.next = node
	} else {
		l.head = node
	}
	l.tail = node
	l.n++
}

func (l *nodeList) pushHead(node *CommandNode) {
	node.q = l
	node.prev = nil
	node.next = l.head
	if l.head != nil {
		l.head.prev = node
	} else {
		l.tail = node
	}
	l.head = node
	l.n++
}

func (l *nodeList) popHead() *CommandNode {
	node := l.head
	if node == nil {
		return nil
	}
	l.unlink(node)
	return node
}

func (l *nodeList) unlink(node *CommandNode) {
	if node.q != l {
		return
	}
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		l.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		l.tail = node.prev
	}
	node.prev, node.next, node.q = nil, nil, nil
	l.n--
}

// forEach visits nodes head to tail. The callback may unlink the visited
// node.
func (l *nodeList) forEach(fn func(*CommandNode)) {
	for node := l.head; node != nil; {
		next := node.next
		fn(node)
		node = next
	}
}
