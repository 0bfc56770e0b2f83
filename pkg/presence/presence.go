// Package presence realizes the Presence Registry (SPEC_FULL.md §4.1):
// the coordination point that elects exactly one broker candidate as
// leader and publishes that leader's registration-endpoint contact
// record to every other candidate.
//
// The original implementation used ZooKeeper's ephemeral-sequential
// `/broker` znode plus a Kazoo watch; an embedded hashicorp/raft group
// is the idiomatic Go substitute, grounded in Warren's pkg/manager:
// every candidate runs a Raft peer, the elected leader issues a single
// FSM command publishing its contact record, and every other candidate
// observes the commit via the FSM's onSet callback instead of a znode
// watch.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Record is the contact information published by the elected leader:
// host, publisher-registration port and subscriber-registration port.
// It is stored JSON-encoded, not as a comma-joined "host,pubPort,subPort"
// string.
type Record struct {
	Host              string `json:"host"`
	PublisherRegPort  int    `json:"publisher_reg_port"`
	SubscriberRegPort int    `json:"subscriber_reg_port"`
}

// Config configures a Registry's embedded Raft group.
type Config struct {
	CandidateID string
	BindAddr    string
	DataDir     string
	Bootstrap   bool
	Peers       []string
	Log         zerolog.Logger
}

// Registry is one candidate's membership in the Presence Registry.
// Exactly one candidate at a time holds leadership; the others watch
// for the leader's published Record.
type Registry struct {
	cfg   Config
	log   zerolog.Logger
	raft  *raft.Raft
	fsm   *fsm
	cache *localCache

	leadershipCh chan bool
}

// Open starts this candidate's Raft peer and joins (or bootstraps) the
// registry. It does not block for leadership; call Join to campaign
// and wait for the result.
func Open(cfg Config) (*Registry, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("presence: create data dir: %w", err)
	}

	cache, err := newLocalCache(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		cfg:          cfg,
		log:          cfg.Log,
		cache:        cache,
		leadershipCh: make(chan bool, 1),
	}

	reg.fsm = newFSM(func(value []byte) {
		if err := reg.cache.Set(value); err != nil {
			reg.log.Warn().Err(err).Msg("presence: failed to persist observed record to local cache")
		}
	})

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.CandidateID)

	// Tuned for LAN/edge deployment rather than Raft's WAN-oriented
	// defaults (HeartbeatTimeout/ElectionTimeout 1s): this shortens the
	// window a new leader's registration endpoints are unreachable after
	// the previous leader disappears.
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("presence: resolve bind addr: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("presence: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("presence: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("presence: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("presence: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, reg.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("presence: create raft: %w", err)
	}
	reg.raft = r

	if cfg.Bootstrap {
		servers := []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}}
		for _, p := range cfg.Peers {
			servers = append(servers, raft.Server{ID: raft.ServerID(p), Address: raft.ServerAddress(p)})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("presence: bootstrap cluster: %w", err)
		}
	}

	go reg.watchLeadership()

	return reg, nil
}

// watchLeadership mirrors raft.Raft's LeaderCh() onto leadershipCh so
// Join (and the broker shell's Electing state) can select on it
// without reaching into the raft package directly.
func (r *Registry) watchLeadership() {
	for isLeader := range r.raft.LeaderCh() {
		select {
		case r.leadershipCh <- isLeader:
		default:
			// Drain a stale unread value before pushing the fresh one so
			// LeadershipChanges never blocks the raft library's internal loop.
			select {
			case <-r.leadershipCh:
			default:
			}
			r.leadershipCh <- isLeader
		}
	}
}

// LeadershipChanges returns a channel that receives true when this
// candidate becomes leader and false when it loses leadership.
func (r *Registry) LeadershipChanges() <-chan bool {
	return r.leadershipCh
}

// Join campaigns for leadership and blocks until either this candidate
// wins it (in which case it publishes rec and returns true) or ctx is
// canceled. It returns false only together with an error: ctx's error
// on cancellation, or the failure to publish rec. While it waits, the
// elected leader's Record is readable through Current.
func (r *Registry) Join(ctx context.Context, rec Record) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case isLeader := <-r.leadershipCh:
			if !isLeader {
				continue
			}
			if err := r.publish(rec); err != nil {
				return false, err
			}
			return true, nil
		}
	}
}

// publish issues the SetBroker Raft command, replacing any previously
// published Record. Only meaningful when called on the leader;
// raft.Apply rejects it otherwise.
func (r *Registry) publish(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("presence: marshal record: %w", err)
	}
	cmd, err := json.Marshal(command{Op: opSetBroker, Value: value})
	if err != nil {
		return fmt.Errorf("presence: marshal command: %w", err)
	}
	future := r.raft.Apply(cmd, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("presence: apply set_broker: %w", err)
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return fmt.Errorf("presence: fsm rejected set_broker: %w", applyErr)
	}
	return nil
}

// Current returns the most recently observed leader Record, whether
// published by this candidate or learned via Raft log replication.
func (r *Registry) Current() (Record, bool) {
	raw, ok := r.fsm.Get()
	if !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.log.Error().Err(err).Msg("presence: corrupt record in fsm, ignoring")
		return Record{}, false
	}
	return rec, true
}

// IsLeader reports whether this candidate currently holds leadership.
func (r *Registry) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// LeaderAddr returns the Raft transport address of the current leader,
// or "" if none is known.
func (r *Registry) LeaderAddr() string {
	addr, _ := r.raft.LeaderWithID()
	return string(addr)
}

// AddVoter admits a new candidate to the Raft configuration. Only the
// leader may call this; non-leaders return an error naming the current
// leader, mirroring Warren's pkg/manager.AddVoter.
func (r *Registry) AddVoter(candidateID, addr string) error {
	if !r.IsLeader() {
		return fmt.Errorf("presence: not leader, current leader: %s", r.LeaderAddr())
	}
	future := r.raft.AddVoter(raft.ServerID(candidateID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// Members returns the current Raft configuration's server list.
func (r *Registry) Members() ([]raft.Server, error) {
	future := r.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// Shutdown stops the Raft peer and closes the local cache.
func (r *Registry) Shutdown() error {
	if err := r.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("presence: raft shutdown: %w", err)
	}
	return r.cache.Close()
}
