package actor

import "context"

// Signal is what [Trap.Trap] returns: either a message from this
// actor's mailbox, or an exit notification from a linked peer. Unlike
// Receive, a Trap actor is never killed by an exit signal — it must
// observe and react to Signal.Exit itself (spec.md §4.3).
type Signal[M any] struct {
	Message M
	Exit    ExitSignal
	IsExit  bool
}

// Trap is the context handed to an actor that explicitly awaits
// either a message or a linked peer's exit, reacting programmatically
// rather than being cancelled automatically.
type Trap[M any] struct {
	id     ID
	system *System
	mbox   *queue[M]
	exitCh *queue[ExitSignal]
}

// Pid returns a handle other actors can use to message this one.
func (t *Trap[M]) Pid() Pid[M] {
	return Pid[M]{id: t.id, system: t.system, mbox: t.mbox}
}

// Self returns this actor's id.
func (t *Trap[M]) Self() ID { return t.id }

// System returns the actor system this actor runs under.
func (t *Trap[M]) System() *System { return t.system }

// Trap blocks until either a message or an exit signal is available,
// returning whichever arrived (ties are broken arbitrarily when both
// are ready, as spec.md §5 allows). ok is false only if ctx is done
// with nothing pending.
func (t *Trap[M]) Trap(ctx context.Context) (sig Signal[M], ok bool) {
	for {
		if v, got := t.exitCh.tryPop(); got {
			return Signal[M]{Exit: v, IsExit: true}, true
		}
		if v, got := t.mbox.tryPop(); got {
			return Signal[M]{Message: v}, true
		}

		select {
		case <-ctx.Done():
			return Signal[M]{}, false
		case <-t.mbox.wakeCh():
		case <-t.exitCh.wakeCh():
		}
	}
}

// TrapFunc is the function signature run by [SpawnTrap].
type TrapFunc[M any] func(ctx context.Context, self *Trap[M]) error

// TrapArgFunc is the function signature run by
// [SpawnTrapWithArgument].
type TrapArgFunc[M any, A any] func(ctx context.Context, self *Trap[M], args A) error

// SpawnTrap starts a new unlinked Trap actor.
func SpawnTrap[M any](ctx context.Context, sys *System, fn TrapFunc[M]) Pid[M] {
	return spawnTrap[M](ctx, sys, nil, fn)
}

// SpawnTrapLinked starts a new Trap actor linked to fromID. fromID is
// typically the caller's own Self() id.
func SpawnTrapLinked[M any](ctx context.Context, fromID ID, sys *System, fn TrapFunc[M]) Pid[M] {
	return spawnTrap[M](ctx, sys, &fromID, fn)
}

// SpawnTrapLinkedToSystem starts a new Trap actor linked to the
// reserved system id.
func SpawnTrapLinkedToSystem[M any](ctx context.Context, sys *System, fn TrapFunc[M]) Pid[M] {
	id := SystemID
	return spawnTrap[M](ctx, sys, &id, fn)
}

// SpawnTrapWithArgument starts a new unlinked Trap actor, passing args
// through to fn.
func SpawnTrapWithArgument[M any, A any](ctx context.Context, sys *System, args A, fn TrapArgFunc[M, A]) Pid[M] {
	wrapped := func(ctx context.Context, self *Trap[M]) error {
		return fn(ctx, self, args)
	}
	return spawnTrap[M](ctx, sys, nil, wrapped)
}

func spawnTrap[M any](ctx context.Context, sys *System, from *ID, fn TrapFunc[M]) Pid[M] {
	id, exitCh := sys.register(from)
	mbox := newQueue[M]()

	self := &Trap[M]{id: id, system: sys, mbox: mbox, exitCh: exitCh}

	go func() {
		err := fn(ctx, self)

		var reason ExitReason
		if err != nil {
			reason = Errorf("%s", err)
		}
		sys.finish(id, reason)
	}()

	return Pid[M]{id: id, system: sys, mbox: mbox}
}
