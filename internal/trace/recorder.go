// Package trace records simulation runs in a bbolt file: one status snapshot per node per tick, the event stream
// published by the nodes and the cluster-wide committed log. A trace can be reopened after the run to inspect how a
// fault played out.
package trace

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"ramen/internal/raft"
	"ramen/internal/raft/server"
)

var (
	// Bucket names
	snapshotBucket  = []byte("snapshots")
	eventBucket     = []byte("events")
	committedBucket = []byte("committed")
	metadataBucket  = []byte("metadata")

	// Metadata keys
	runKey = []byte("run")
)

// ErrNoRun is returned by Run when the trace has no run metadata yet
var ErrNoRun = errors.New("trace has no run metadata")

// RunInfo describes the simulation a trace belongs to
type RunInfo struct {
	Seed     int64         `json:"seed"`
	Nodes    []raft.NodeID `json:"nodes"`
	DropRate float64       `json:"dropRate"`
	// Ticks is the number of ticks the run lasted. It is updated by Finish.
	Ticks uint64 `json:"ticks"`
}

// Snapshot is the status of one node at one tick
type Snapshot struct {
	Tick   uint64        `json:"tick"`
	Status server.Status `json:"status"`
}

// Event is a state change observed during the run
type Event struct {
	Tick   uint64      `json:"tick"`
	Node   raft.NodeID `json:"node"`
	Kind   string      `json:"kind"`
	Term   uint32      `json:"term"`
	Detail string      `json:"detail,omitempty"`
}

// CommittedEntry is an entry of the cluster-wide committed log, together with the tick it was first seen committed
type CommittedEntry struct {
	Index   uint32 `json:"index"`
	Term    uint32 `json:"term"`
	Payload []byte `json:"payload"`
	Tick    uint64 `json:"tick"`
}

// Recorder writes a trace. It is safe for concurrent use, bbolt serializes writers.
type Recorder struct {
	conn *bbolt.DB
}

// NewRecorder opens (or creates) the trace at path
func NewRecorder(path string) (*Recorder, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{snapshotBucket, eventBucket, committedBucket, metadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Recorder{conn: db}, nil
}

// Path returns the file the trace is written to
func (r *Recorder) Path() string {
	return r.conn.Path()
}

// SetRun stores the run metadata, replacing any previous one
func (r *Recorder) SetRun(info RunInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}
	return r.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(runKey, data)
	})
}

// Run returns the run metadata
func (r *Recorder) Run() (RunInfo, error) {
	var info RunInfo
	err := r.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(runKey)
		if data == nil {
			return ErrNoRun
		}
		if err := json.Unmarshal(data, &info); err != nil {
			return fmt.Errorf("failed to unmarshal run info: %w", err)
		}
		return nil
	})
	return info, err
}

// Finish records how many ticks the run lasted
func (r *Recorder) Finish(ticks uint64) error {
	info, err := r.Run()
	if err != nil && !errors.Is(err, ErrNoRun) {
		return err
	}
	info.Ticks = ticks
	return r.SetRun(info)
}

// RecordTick stores the statuses of every node at tick in a single transaction
func (r *Recorder) RecordTick(tick uint64, statuses []server.Status) error {
	return r.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket)

		for _, status := range statuses {
			data, err := json.Marshal(status)
			if err != nil {
				return fmt.Errorf("failed to marshal status of node %v: %w", status.ID, err)
			}
			if err := bucket.Put(snapshotKey(tick, status.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// SnapshotsAt returns the statuses recorded at tick, ordered by node id
func (r *Recorder) SnapshotsAt(tick uint64) ([]server.Status, error) {
	var statuses []server.Status
	err := r.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(snapshotBucket).Cursor()

		prefix := uint64ToBytes(tick)
		for k, v := cursor.Seek(prefix); k != nil && bytesToUint64(k[:8]) == tick; k, v = cursor.Next() {
			var status server.Status
			if err := json.Unmarshal(v, &status); err != nil {
				return fmt.Errorf("failed to unmarshal snapshot: %w", err)
			}
			statuses = append(statuses, status)
		}
		return nil
	})
	return statuses, err
}

// NodeHistory returns every snapshot of one node in tick order
func (r *Recorder) NodeHistory(id raft.NodeID) ([]Snapshot, error) {
	var history []Snapshot
	err := r.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).ForEach(func(k, v []byte) error {
			if raft.NodeID(binary.BigEndian.Uint32(k[8:])) != id {
				return nil
			}
			snapshot := Snapshot{Tick: bytesToUint64(k[:8])}
			if err := json.Unmarshal(v, &snapshot.Status); err != nil {
				return fmt.Errorf("failed to unmarshal snapshot at tick %d: %w", snapshot.Tick, err)
			}
			history = append(history, snapshot)
			return nil
		})
	})
	return history, err
}

// LastTick returns the last tick a snapshot was recorded for (0 if none)
func (r *Recorder) LastTick() (uint64, error) {
	var last uint64
	err := r.conn.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(snapshotBucket).Cursor().Last()
		if k != nil {
			last = bytesToUint64(k[:8])
		}
		return nil
	})
	return last, err
}

// RecordEvent appends an event to the event stream
func (r *Recorder) RecordEvent(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(eventBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(uint64ToBytes(seq), data)
	})
}

// Events returns the event stream in the order it was recorded
func (r *Recorder) Events() ([]Event, error) {
	var events []Event
	err := r.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(eventBucket).ForEach(func(_, v []byte) error {
			var event Event
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
			events = append(events, event)
			return nil
		})
	})
	return events, err
}

// RecordCommitted stores an entry of the committed log. Entries already recorded at the same index are kept, the
// first observation wins.
func (r *Recorder) RecordCommitted(entry CommittedEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal committed entry: %w", err)
	}
	return r.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(committedBucket)
		key := uint64ToBytes(uint64(entry.Index))
		if bucket.Get(key) != nil {
			return nil
		}
		return bucket.Put(key, data)
	})
}

// Committed returns the committed log starting at index from
func (r *Recorder) Committed(from uint32) ([]CommittedEntry, error) {
	var entries []CommittedEntry
	err := r.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(committedBucket).Cursor()

		for k, v := cursor.Seek(uint64ToBytes(uint64(from))); k != nil; k, v = cursor.Next() {
			var entry CommittedEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal committed entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// Close closes the database connection
func (r *Recorder) Close() error {
	return r.conn.Close()
}

// snapshotKey sorts snapshots by tick, then by node
func snapshotKey(tick uint64, id raft.NodeID) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key, tick)
	binary.BigEndian.PutUint32(key[8:], uint32(id))
	return key
}

// uint64ToBytes converts a uint64 to a byte slice (big-endian)
func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// bytesToUint64 converts a byte slice to uint64 (big-endian)
func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
