package presence

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// command is a single Raft log entry. The Presence Registry only ever
// applies one operation, SetBroker, but the Command/Apply shape mirrors
// Warren's pkg/manager FSM so a future operation type costs one new
// case, not a new wire format.
type command struct {
	Op    string `json:"op"`
	Value []byte `json:"value,omitempty"`
}

const opSetBroker = "set_broker"

// fsm is the Raft finite state machine backing the coordination store's
// `/broker` znode (spec §4.1). It is replicated to every candidate;
// only the leader issues SetBroker, but every node's Apply runs it so
// every candidate has an up to date view of the current presence
// record, which cache.go persists locally for offline inspection.
type fsm struct {
	mu    sync.RWMutex
	value []byte
	onSet func([]byte)
}

func newFSM(onSet func([]byte)) *fsm {
	return &fsm{onSet: onSet}
}

// Apply implements raft.FSM.
func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("presence: unmarshal command: %w", err)
	}
	switch cmd.Op {
	case opSetBroker:
		f.mu.Lock()
		f.value = cmd.Value
		f.mu.Unlock()
		if f.onSet != nil {
			f.onSet(cmd.Value)
		}
		return nil
	default:
		return fmt.Errorf("presence: unknown op %q", cmd.Op)
	}
}

// Get returns the current presence record value and whether one has
// ever been set.
func (f *fsm) Get() ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.value == nil {
		return nil, false
	}
	out := make([]byte, len(f.value))
	copy(out, f.value)
	return out, true
}

// Snapshot implements raft.FSM.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	value := make([]byte, len(f.value))
	copy(value, f.value)
	return &fsmSnapshot{value: value}, nil
}

// Restore implements raft.FSM.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("presence: read snapshot: %w", err)
	}
	f.mu.Lock()
	f.value = data
	f.mu.Unlock()
	if f.onSet != nil && len(data) > 0 {
		f.onSet(data)
	}
	return nil
}

type fsmSnapshot struct {
	value []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	_, err := sink.Write(s.value)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("presence: persist snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
