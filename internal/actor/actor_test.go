package actor

import (
	"context"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLinkedExitCascades(t *testing.T) {
	sys := NewSystem(nil)
	ctx := context.Background()

	bDone := make(chan ExitReason, 1)
	cDone := make(chan ExitReason, 1)

	var a *Receive[string]
	aPid := SpawnReceive[string](ctx, sys, func(ctx context.Context, self *Receive[string]) error {
		a = self
		_, _ = self.Receive(ctx)
		return nil
	})
	_ = aPid

	// let a's goroutine assign `a` before linking from it.
	waitFor(t, func() bool { return a != nil })

	SpawnReceiveLinked[string](ctx, a.Self(), sys, func(ctx context.Context, self *Receive[string]) error {
		_, ok := self.Receive(ctx)
		if !ok {
			bDone <- Errorf("exit observed")
		}
		return nil
	})
	SpawnReceiveLinked[string](ctx, a.Self(), sys, func(ctx context.Context, self *Receive[string]) error {
		_, ok := self.Receive(ctx)
		if !ok {
			cDone <- Errorf("exit observed")
		}
		return nil
	})

	aPid.Send("die")

	select {
	case <-bDone:
	case <-time.After(2 * time.Second):
		t.Fatal("b did not observe a's exit")
	}
	select {
	case <-cDone:
	case <-time.After(2 * time.Second):
		t.Fatal("c did not observe a's exit")
	}
}

func TestSystemLinkedExitTerminatesRuntime(t *testing.T) {
	sys := NewSystem(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sys.SetRuntimeCancel(cancel)

	// An actor with no link at all to the one that's about to die —
	// only the fatal system-link cascade should be able to reach it.
	bystanderDone := make(chan struct{})
	SpawnReceive[int](ctx, sys, func(ctx context.Context, self *Receive[int]) error {
		_, _ = self.Receive(ctx)
		close(bystanderDone)
		return nil
	})

	criticalPid := SpawnReceiveLinkedToSystem[string](ctx, sys, func(ctx context.Context, self *Receive[string]) error {
		_, _ = self.Receive(ctx)
		return nil
	})

	criticalPid.Send("die")

	select {
	case <-bystanderDone:
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated actor did not exit after system-linked actor died")
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runtime context was not cancelled after system-linked actor died")
	}

	waitFor(t, func() bool { return sys.ActorCount() == 0 })
}

func TestNameRegistryLifecycle(t *testing.T) {
	sys := NewSystem(nil)
	ctx := context.Background()

	stop := make(chan struct{})
	pid := SpawnReceive[int](ctx, sys, func(ctx context.Context, self *Receive[int]) error {
		<-stop
		return nil
	})
	Register[int](sys, "worker", pid)

	found, ok := Lookup[int](sys, "worker")
	if !ok || found.ID() != pid.ID() {
		t.Fatal("expected to find registered actor")
	}

	close(stop)
	waitFor(t, func() bool { return sys.isDead(pid.ID()) })

	if _, ok := Lookup[int](sys, "worker"); ok {
		t.Fatal("expected name to be freed after exit")
	}
}

func TestLookupTypeMismatchIsNotFound(t *testing.T) {
	sys := NewSystem(nil)
	ctx := context.Background()

	stop := make(chan struct{})
	pid := SpawnReceive[int](ctx, sys, func(ctx context.Context, self *Receive[int]) error {
		<-stop
		return nil
	})
	defer close(stop)
	Register[int](sys, "worker", pid)

	if _, ok := Lookup[string](sys, "worker"); ok {
		t.Fatal("expected type mismatch to report not-found")
	}
}

func TestSendToDeadActorIsDiscarded(t *testing.T) {
	sys := NewSystem(nil)
	ctx := context.Background()

	stop := make(chan struct{})
	pid := SpawnReceive[int](ctx, sys, func(ctx context.Context, self *Receive[int]) error {
		<-stop
		return nil
	})
	close(stop)

	waitFor(t, func() bool { return sys.isDead(pid.ID()) })

	// Must not panic or block.
	pid.Send(42)
}

func TestJoinWaitsForAllActors(t *testing.T) {
	sys := NewSystem(nil)
	ctx := context.Background()

	stop := make(chan struct{})
	SpawnReceive[int](ctx, sys, func(ctx context.Context, self *Receive[int]) error {
		<-stop
		return nil
	})

	joined := make(chan struct{})
	go func() {
		sys.Join()
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("Join returned before the actor exited")
	case <-time.After(50 * time.Millisecond):
	}

	close(stop)

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return after the actor exited")
	}
}

func TestTrapDoesNotDieOnLinkedExit(t *testing.T) {
	sys := NewSystem(nil)
	ctx := context.Background()

	var peer *Receive[string]
	peerPid := SpawnReceive[string](ctx, sys, func(ctx context.Context, self *Receive[string]) error {
		peer = self
		_, _ = self.Receive(ctx)
		return nil
	})
	waitFor(t, func() bool { return peer != nil })

	observedExit := make(chan ExitSignal, 1)
	observedMsg := make(chan string, 1)
	trapDone := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	trap := SpawnTrapLinked[string](ctx, peer.Self(), sys, func(ctx context.Context, self *Trap[string]) error {
		for i := 0; i < 2; i++ {
			sig, ok := self.Trap(ctx)
			if !ok {
				return nil
			}
			if sig.IsExit {
				observedExit <- sig.Exit
			} else {
				observedMsg <- sig.Message
			}
		}
		close(trapDone)
		<-release
		return nil
	})

	trap.Send("hello")
	select {
	case <-observedMsg:
	case <-time.After(2 * time.Second):
		t.Fatal("trap actor did not observe message")
	}

	peerPid.Send("die")
	select {
	case <-observedExit:
	case <-time.After(2 * time.Second):
		t.Fatal("trap actor did not observe peer exit")
	}

	<-trapDone
	if sys.isDead(trap.ID()) {
		t.Fatal("trap actor must not die from an exit signal alone")
	}
}
