package store

import (
	"context"
	"strings"
)

// virtualPrefix marks feature ids that have no backing device and are
// instead looped back into the store by RunVirtualLoopback. spec.md
// §4.2: "for virtual features (feature id prefixed `virtual`), a
// dedicated worker re-injects the value via set_current."
const virtualPrefix = "virtual"

// IsVirtual reports whether id names a virtual (loopback) feature.
func IsVirtual(id ValueId) bool {
	return strings.HasPrefix(id.FeatureID(), virtualPrefix)
}

// RunVirtualLoopback subscribes to outgoing pushes and re-injects any
// push addressed at a virtual feature back into the store via
// SetCurrent, so automations depending on that feature observe the
// change as an ordinary incoming event. It blocks until ctx is
// cancelled; run it as a supervised worker (internal/supervisor).
func RunVirtualLoopback(ctx context.Context, s *Store) error {
	sub := s.PushSubscribe()
	defer sub.Unsubscribe()

	for {
		push, ok := sub.Recv(ctx)
		if !ok {
			return ctx.Err()
		}
		if !IsVirtual(push.ID) {
			continue
		}
		s.SetCurrent(push.ID, Ok(push.Value))
	}
}
