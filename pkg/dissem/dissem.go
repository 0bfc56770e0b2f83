// Package dissem realizes the Dissemination Engine (SPEC_FULL.md
// §4.4): the component that reacts to registration events by wiring
// up (or tearing down) the topic-keyed ingress/egress/notify bindings,
// and forwards or notifies accordingly.
//
// Mode polymorphism (centralized vs decentralized) is expressed as the
// ModeHandler interface with two concrete implementations, Central and
// Decentral, per the REDESIGN FLAGS guidance in spec.md §9: the broker
// shell holds one ModeHandler and never branches on mode itself.
package dissem

import (
	"github.com/cuemby/topicbroker/pkg/registration"
	"github.com/cuemby/topicbroker/pkg/transport"
)

// ModeHandler is satisfied by Central and Decentral. It also satisfies
// registration.PublisherHandler and registration.SubscriberHandler, so
// a ModeHandler can be handed directly to the two registration
// endpoints.
type ModeHandler interface {
	registration.PublisherHandler
	registration.SubscriberHandler

	// OnIngressReady is invoked by the broker shell's event loop when
	// the Transport Multiplexer reports a readable ingress socket.
	// Decentralized mode never creates ingress sockets, so its
	// implementation is a no-op.
	OnIngressReady(ev transport.Event)

	// Close tears down every live binding this handler owns (egress
	// listeners, ingress connections, notify listeners) and releases
	// their dynamic ports back to the pool.
	Close()
}

// registerPubMsg is one element of the decentralized notification
// array: `{"register_pub": {"topic": "T", "addresses": [...]}}`.
type registerPubMsg struct {
	RegisterPub registerPubBody `json:"register_pub"`
}

type registerPubBody struct {
	Topic     string   `json:"topic"`
	Addresses []string `json:"addresses"`
}

// wireFrame is the centralized-mode forwarded message. The original
// protocol is a two-frame `[topic, payload]` multipart message; this
// transport carries one length-prefixed JSON frame per message, so the
// two parts travel together as fields of one JSON object instead.
// Payload marshals as base64 (encoding/json's []byte convention),
// which preserves "forward verbatim, opaque to the broker" exactly.
type wireFrame struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}
