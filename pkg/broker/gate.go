package broker

import (
	"fmt"
	"sync/atomic"

	"github.com/cuemby/topicbroker/pkg/dissem"
	"github.com/cuemby/topicbroker/pkg/registration"
)

// errNotAccepting is returned to the registration endpoints whenever the
// broker is outside its Configuring and Running states — most notably during
// re-election, per spec.md §7 category 4 ("during re-election the
// broker refuses new registrations").
var errNotAccepting = fmt.Errorf("broker: not currently accepting registrations")

// gatedHandler wraps a dissem.ModeHandler so the broker shell can flip
// registration traffic on and off around its Electing/Running states
// without either registration endpoint knowing about leadership at
// all.
type gatedHandler struct {
	accepting atomic.Bool
	inner     dissem.ModeHandler
}

func newGatedHandler(inner dissem.ModeHandler) *gatedHandler {
	return &gatedHandler{inner: inner}
}

func (g *gatedHandler) setAccepting(v bool) { g.accepting.Store(v) }

func (g *gatedHandler) RegisterPublisher(address string, topics []string) error {
	if !g.accepting.Load() {
		return errNotAccepting
	}
	return g.inner.RegisterPublisher(address, topics)
}

func (g *gatedHandler) DisconnectPublisher(address string, topics []string) error {
	if !g.accepting.Load() {
		return errNotAccepting
	}
	return g.inner.DisconnectPublisher(address, topics)
}

func (g *gatedHandler) RegisterSubscriber(id, address string, topics []string) (registration.SubscriberReply, error) {
	if !g.accepting.Load() {
		return registration.SubscriberReply{}, errNotAccepting
	}
	return g.inner.RegisterSubscriber(id, address, topics)
}

func (g *gatedHandler) DisconnectSubscriber(id, address string, topics []string, notifyPort *int) error {
	if !g.accepting.Load() {
		return errNotAccepting
	}
	return g.inner.DisconnectSubscriber(id, address, topics, notifyPort)
}
