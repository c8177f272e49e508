package actor

import "context"

// Receive is the context handed to an actor that only observes
// messages. An exit signal from a linked peer terminates a Receive
// actor: Receive() waits on the mailbox and the exit channel together
// and returns on whichever fires first — a message with ok=true, an
// exit signal with ok=false; a pending message is taken before a
// pending exit signal (spec.md §4.3 "multiplexed; first to fire wins").
type Receive[M any] struct {
	id     ID
	system *System
	mbox   *queue[M]
	exitCh *queue[ExitSignal]
}

// Pid returns a handle other actors can use to message this one.
func (r *Receive[M]) Pid() Pid[M] {
	return Pid[M]{id: r.id, system: r.system, mbox: r.mbox}
}

// Self returns this actor's id.
func (r *Receive[M]) Self() ID { return r.id }

// System returns the actor system this actor runs under, so it can
// spawn further actors, register names, or look others up.
func (r *Receive[M]) System() *System { return r.system }

// Receive blocks until a message arrives, a linked peer's exit signal
// cancels this actor, or ctx is done. ok is false in the latter two
// cases.
func (r *Receive[M]) Receive(ctx context.Context) (msg M, ok bool) {
	for {
		if v, got := r.mbox.tryPop(); got {
			return v, true
		}
		if _, exited := r.exitCh.tryPop(); exited {
			var zero M
			return zero, false
		}

		select {
		case <-ctx.Done():
			var zero M
			return zero, false
		case <-r.mbox.wakeCh():
		case <-r.exitCh.wakeCh():
		}
	}
}

// ReceiveFunc is the function signature run by [SpawnReceive].
type ReceiveFunc[M any] func(ctx context.Context, self *Receive[M]) error

// ReceiveArgFunc is the function signature run by
// [SpawnReceiveWithArgument].
type ReceiveArgFunc[M any, A any] func(ctx context.Context, self *Receive[M], args A) error

// SpawnReceive starts a new unlinked Receive actor.
func SpawnReceive[M any](ctx context.Context, sys *System, fn ReceiveFunc[M]) Pid[M] {
	return spawnReceive[M](ctx, sys, nil, fn)
}

// SpawnReceiveLinked starts a new Receive actor linked to fromID: when
// either exits, normally or not, the other is notified via its exit
// channel.
// fromID is typically the caller's own Self() id.
func SpawnReceiveLinked[M any](ctx context.Context, fromID ID, sys *System, fn ReceiveFunc[M]) Pid[M] {
	return spawnReceive[M](ctx, sys, &fromID, fn)
}

// SpawnReceiveLinkedToSystem starts a new Receive actor linked to the
// reserved system id: if it exits, the entire runtime is expected to
// shut down (spec.md §4.3).
func SpawnReceiveLinkedToSystem[M any](ctx context.Context, sys *System, fn ReceiveFunc[M]) Pid[M] {
	id := SystemID
	return spawnReceive[M](ctx, sys, &id, fn)
}

// SpawnReceiveWithArgument starts a new unlinked Receive actor, passing
// args through to fn.
func SpawnReceiveWithArgument[M any, A any](ctx context.Context, sys *System, args A, fn ReceiveArgFunc[M, A]) Pid[M] {
	wrapped := func(ctx context.Context, self *Receive[M]) error {
		return fn(ctx, self, args)
	}
	return spawnReceive[M](ctx, sys, nil, wrapped)
}

func spawnReceive[M any](ctx context.Context, sys *System, from *ID, fn ReceiveFunc[M]) Pid[M] {
	id, exitCh := sys.register(from)
	mbox := newQueue[M]()

	self := &Receive[M]{id: id, system: sys, mbox: mbox, exitCh: exitCh}

	go func() {
		actorCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- fn(actorCtx, self)
		}()

		var reason ExitReason
	wait:
		for {
			select {
			case err := <-done:
				if err != nil {
					reason = Errorf("%s", err)
				}
				break wait
			case <-exitCh.wakeCh():
				sig, ok := exitCh.tryPop()
				if !ok {
					continue wait // spurious wake, nothing queued yet
				}
				cancel()
				<-done // let fn observe cancellation and return
				reason = Errorf("exit: %s", sig.Reason)
				break wait
			}
		}

		sys.finish(id, reason)
	}()

	return Pid[M]{id: id, system: sys, mbox: mbox}
}
