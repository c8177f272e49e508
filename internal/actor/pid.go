package actor

import "fmt"

// Pid is a lightweight, cheaply cloneable handle to a live (or
// recently live) actor: its id plus a handle to its mailbox. The zero
// Pid is not meaningful; Pids are only produced by Spawn functions.
type Pid[M any] struct {
	id     ID
	system *System
	mbox   *queue[M]
}

func (p Pid[M]) String() string {
	return fmt.Sprintf("Pid<0x%x>", p.id)
}

// ID returns the target actor's id.
func (p Pid[M]) ID() ID { return p.id }

// Send delivers message to the actor's mailbox. Sends are FIFO per
// sender and at-most-once: if the actor has already exited, Send logs
// a warning and discards the message rather than blocking or erroring
// (spec.md §4.3/§7, ActorDead).
func (p Pid[M]) Send(message M) {
	if p.system.isDead(p.id) {
		p.system.logger.Warn("send to dead actor discarded", "actor", p.id)
		return
	}
	p.mbox.push(message)
}
