// Package config loads the broker's YAML startup manifest, in the same
// apiVersion/kind/spec shape the teacher's cmd/warren apply command
// reads service manifests in.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the Dissemination Engine's delivery topology.
type Mode string

const (
	ModeCentralized  Mode = "centralized"
	ModeDecentralized Mode = "decentralized"
)

// Manifest is the top-level YAML document for `broker run --config`.
type Manifest struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Broker   `yaml:"spec"`
}

// Metadata names the broker candidate described by this manifest.
type Metadata struct {
	Name string `yaml:"name"`
}

// Broker is the broker-specific configuration payload (spec §4, §6).
type Broker struct {
	// Mode selects centralized or decentralized dissemination.
	Mode Mode `yaml:"mode"`

	// OwnHost is the address the broker advertises and binds dynamic
	// egress/notify sockets on.
	OwnHost string `yaml:"ownHost"`

	// PublisherRegPort and SubscriberRegPort are the registration
	// endpoints' default ports (5555/5556 per spec §6); the service
	// increments on bind conflict.
	PublisherRegPort  int `yaml:"publisherRegPort"`
	SubscriberRegPort int `yaml:"subscriberRegPort"`

	// DynamicPortLow/High override the default [10000,20000] dynamic
	// range; zero values fall back to portpool's defaults.
	DynamicPortLow  int `yaml:"dynamicPortLow"`
	DynamicPortHigh int `yaml:"dynamicPortHigh"`

	// Coordination describes the embedded Raft+BoltDB group backing
	// the Presence Registry (spec §4.1).
	Coordination Coordination `yaml:"coordination"`

	// AckTimeout bounds how long the broker waits for a subscriber's
	// acknowledgment frame; zero means block indefinitely (spec §7,
	// category 5 — the default policy decision documented in
	// SPEC_FULL.md §9).
	AckTimeout time.Duration `yaml:"ackTimeout"`

	// FilterNotificationsByTopic resolves the open question in spec §9:
	// false (default) broadcasts every publisher registration to every
	// notify endpoint, matching original_source/src/lib/broker.py.
	FilterNotificationsByTopic bool `yaml:"filterNotificationsByTopic"`

	// Log and Metrics configure the ambient stack.
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

// Coordination configures the embedded leader-election group.
type Coordination struct {
	CandidateID string   `yaml:"candidateID"`
	BindAddr    string   `yaml:"bindAddr"`
	DataDir     string   `yaml:"dataDir"`
	Bootstrap   bool     `yaml:"bootstrap"`
	Peers       []string `yaml:"peers"`
}

// Log configures the root logger.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Metrics configures the Prometheus HTTP endpoint.
type Metrics struct {
	ListenAddr string `yaml:"listenAddr"`
}

// Default returns a single-node, centralized-mode manifest suitable for
// local development: registration ports 5555/5556, dynamic range
// 10000-20000, coordination data under ./data/<candidateID>.
func Default(candidateID string) *Manifest {
	return &Manifest{
		APIVersion: "broker/v1",
		Kind:       "Broker",
		Metadata:   Metadata{Name: candidateID},
		Spec: Broker{
			Mode:              ModeCentralized,
			OwnHost:           "127.0.0.1",
			PublisherRegPort:  5555,
			SubscriberRegPort: 5556,
			Coordination: Coordination{
				CandidateID: candidateID,
				BindAddr:    "127.0.0.1:7950",
				DataDir:     "./data/" + candidateID,
				Bootstrap:   true,
			},
			Log:     Log{Level: "info"},
			Metrics: Metrics{ListenAddr: "127.0.0.1:9100"},
		},
	}
}

// Load reads and parses a broker manifest from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for the fields the broker cannot run
// without.
func (m *Manifest) Validate() error {
	if m.Spec.Mode != ModeCentralized && m.Spec.Mode != ModeDecentralized {
		return fmt.Errorf("config: spec.mode must be %q or %q, got %q", ModeCentralized, ModeDecentralized, m.Spec.Mode)
	}
	if m.Spec.Coordination.CandidateID == "" {
		return fmt.Errorf("config: spec.coordination.candidateID is required")
	}
	if m.Spec.Coordination.BindAddr == "" {
		return fmt.Errorf("config: spec.coordination.bindAddr is required")
	}
	return nil
}
