// Package actor implements the runtime's supervised, linked,
// message-passing task model: named actors with typed mailboxes,
// symmetric linking, an "exit trapping" mode analogous to Erlang's
// trap_exit, and a type-checked name registry. See spec.md §4.3.
//
// Go's goroutines and channels already provide the cooperative
// scheduling and cheap concurrency the original Rust implementation
// built on tokio tasks and flume channels; this package adds the
// supervision layer on top: link bookkeeping, exit-reason propagation,
// and system-linked shutdown. The actor state machine (link update on
// exit, name release, exit-channel fan-out) is grounded directly on
// original_source/backend/src/actor/system.rs.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ID identifies an actor within one System instance. 0 is reserved for
// "system" (spec.md §3) and never names a live actor.
type ID uint64

// SystemID is the reserved sentinel identifying the system itself as a
// link target. Linking to it makes the system treat this actor's exit
// as fatal to the whole runtime (spec.md §4.3): every other actor is
// force-exited and, if [System.SetRuntimeCancel] was called, the
// runtime's context is cancelled too.
const SystemID ID = 0

// ExitReason describes why an actor's coroutine ended. The zero value,
// [Normal], means the actor's function returned nil.
type ExitReason struct {
	Error string
}

// Normal is the ExitReason for a successful exit.
var Normal = ExitReason{}

// Errorf builds an ExitReason carrying a formatted error message.
func Errorf(format string, args ...any) ExitReason {
	return ExitReason{Error: fmt.Sprintf(format, args...)}
}

// IsNormal reports whether r represents a successful exit.
func (r ExitReason) IsNormal() bool { return r.Error == "" }

func (r ExitReason) String() string {
	if r.IsNormal() {
		return "normal"
	}
	return r.Error
}

// ExitSignal is delivered to a linked peer's exit channel when an
// actor exits.
type ExitSignal struct {
	From   ID
	Reason ExitReason
}

// actorState is the System's bookkeeping record for one live actor.
// links is kept symmetric by the System: if id is in peer.links then
// peer is in id's links, except for SystemID which only ever appears
// in one direction (spec.md §3 invariant).
type actorState struct {
	links  map[ID]struct{}
	exitCh *queue[ExitSignal]
	name   string
}

// System is the root of a collection of actors: where they are
// spawned, linked, named, and supervised. The zero value is not
// usable; construct one with [NewSystem].
type System struct {
	logger *slog.Logger

	nextID  atomic.Uint64
	current atomic.Int64

	mu     sync.Mutex
	actors map[ID]*actorState
	named  map[string]any

	runtimeCancel context.CancelFunc

	done chan struct{}
}

// NewSystem creates an actor system ready to spawn actors. A nil
// logger is replaced with [slog.Default], matching the teacher
// package's nil-logger convention (internal/mqtt.New in the teacher
// repo).
func NewSystem(logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	return &System{
		logger: logger,
		actors: make(map[ID]*actorState),
		named:  make(map[string]any),
		done:   make(chan struct{}),
	}
}

// SetRuntimeCancel gives the system a cancel function to call when a
// system-linked actor exits, cancelling the context the rest of the
// process (supervised workers, adapters, servers) was started with.
// Without this, a system-linked exit still force-exits every other
// actor but cannot reach code outside the actor system.
func (s *System) SetRuntimeCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.runtimeCancel = cancel
	s.mu.Unlock()
}

// isDead reports whether id is not a currently tracked live actor.
func (s *System) isDead(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, alive := s.actors[id]
	return !alive
}

// register reserves a new id, optionally linking it (symmetrically,
// except for SystemID) to from, and returns the new actor's exit
// channel.
func (s *System) register(from *ID) (ID, *queue[ExitSignal]) {
	id := ID(s.nextID.Add(1))
	s.current.Add(1)

	exitCh := newQueue[ExitSignal]()

	s.mu.Lock()
	state := &actorState{links: make(map[ID]struct{}), exitCh: exitCh}
	s.actors[id] = state

	if from != nil {
		state.links[*from] = struct{}{}

		if *from != SystemID {
			if peer, ok := s.actors[*from]; ok {
				peer.links[id] = struct{}{}
			}
		}
	}
	s.mu.Unlock()

	return id, exitCh
}

// Register attaches a human-readable name to pid so it can later be
// found with [Lookup]. Re-registering a dead actor's name silently
// does nothing, matching spec.md's "free the name on exit" lifecycle.
func Register[M any](sys *System, name string, pid Pid[M]) {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	state, ok := sys.actors[pid.id]
	if !ok {
		return
	}
	state.name = name
	sys.named[name] = pid
}

// Lookup resolves a previously [Register]ed name to a typed Pid. ok is
// false if the name was never registered, the actor has since exited,
// or the name was registered with a different message type (a type
// mismatch is treated as "not found" rather than panicking, per
// spec.md §9's "type-erased name registry" guidance).
func Lookup[M any](sys *System, name string) (pid Pid[M], ok bool) {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	v, found := sys.named[name]
	if !found {
		return Pid[M]{}, false
	}
	pid, ok = v.(Pid[M])
	return pid, ok
}

// finish is called exactly once per actor, on coroutine completion
// (whether by returning or by being cancelled through its exit
// channel); a panic in the actor's function is not recovered and does
// not reach finish. It performs the exit
// transition described in spec.md §4.3: remove from the registry, free
// its name, and notify every linked peer exactly once. If the exiting
// actor was linked to [SystemID], this is also where the fatal cascade
// happens: every other live actor is force-exited and the runtime's
// context, if bound via [System.SetRuntimeCancel], is cancelled.
func (s *System) finish(id ID, reason ExitReason) {
	s.mu.Lock()
	state, ok := s.actors[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.actors, id)
	if state.name != "" {
		delete(s.named, state.name)
	}

	systemLinked := false
	peers := make([]ID, 0, len(state.links))
	for peer := range state.links {
		if peer == SystemID {
			systemLinked = true
			continue
		}
		peers = append(peers, peer)
	}

	for _, peer := range peers {
		if peerState, ok := s.actors[peer]; ok {
			delete(peerState.links, id)
		}
	}

	var fatal []*actorState
	if systemLinked {
		fatal = make([]*actorState, 0, len(s.actors))
		for _, st := range s.actors {
			fatal = append(fatal, st)
		}
	}
	runtimeCancel := s.runtimeCancel
	s.mu.Unlock()

	for _, peer := range peers {
		s.mu.Lock()
		peerState, ok := s.actors[peer]
		s.mu.Unlock()
		if !ok {
			continue
		}
		peerState.exitCh.push(ExitSignal{From: id, Reason: reason})
	}

	if systemLinked {
		s.logger.Error("system-linked actor exited, terminating runtime", "actor", id, "reason", reason)
		if runtimeCancel != nil {
			runtimeCancel()
		}
		for _, st := range fatal {
			st.exitCh.push(ExitSignal{From: SystemID, Reason: reason})
		}
	}

	remaining := s.current.Add(-1)
	if remaining <= 0 {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}

// Join blocks until the current live-actor count reaches zero (spec.md
// §4.3 Shutdown).
func (s *System) Join() {
	<-s.done
}

// ActorCount returns the number of currently live actors. Intended for
// tests and metrics.
func (s *System) ActorCount() int {
	return int(s.current.Load())
}
