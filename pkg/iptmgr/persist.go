package iptmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
)

func unixToTime(sec int64) time.Time { return time.Unix(sec, 0) }

var (
	relaysBucket = []byte("ipt_relays")
)

// relayRecord is the on-disk shape of an IptRelay, independent of the
// in-memory establisher handles an IptRelay also carries.
type relayRecord struct {
	Relay             RelayIdentity `json:"relay"`
	PlannedRetirement int64         `json:"planned_retirement_unix"`
	Ipts              []iptRecord   `json:"ipts"`
}

type iptRecord struct {
	Lid               [32]byte `json:"lid"`
	SessionIdPublic   []byte   `json:"session_id_public"`
	ServiceNtorPublic [32]byte `json:"service_ntor_public"`
	IsCurrent         bool     `json:"is_current"`
}

// Inventory persists the set of IptRelay records the manager is
// responsible for, so a restart recovers without rebuilding every
// introduction point from scratch.
type Inventory struct {
	db *bolt.DB
}

// OpenInventory opens (creating if needed) the inventory database at
// <stateDir>/hs_ipts_<nickname>.db.
func OpenInventory(stateDir, nickname string) (*Inventory, error) {
	path := filepath.Join(stateDir, fmt.Sprintf("hs_ipts_%s.db", nickname))
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open inventory db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(relaysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init inventory bucket: %w", err)
	}
	return &Inventory{db: db}, nil
}

// Close releases the database file.
func (inv *Inventory) Close() error { return inv.db.Close() }

// Save replaces the persisted record for relay.Relay.Fingerprint.
func (inv *Inventory) Save(relay *IptRelay) error {
	rec := relayRecord{
		Relay:             relay.Relay,
		PlannedRetirement: relay.PlannedRetirement.Unix(),
	}
	for _, ipt := range relay.Ipts {
		rec.Ipts = append(rec.Ipts, iptRecord{
			Lid:               ipt.Lid,
			SessionIdPublic:   ipt.SessionIdPublic,
			ServiceNtorPublic: ipt.ServiceNtorPublic,
			IsCurrent:         ipt.IsCurrent,
		})
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal relay record: %w", err)
	}
	return inv.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(relaysBucket).Put([]byte(relay.Relay.Fingerprint), raw)
	})
}

// Delete removes the persisted record for a retired relay.
func (inv *Inventory) Delete(fingerprint string) error {
	return inv.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(relaysBucket).Delete([]byte(fingerprint))
	})
}

// LoadAll returns every persisted relay record, for recovery at startup.
// Establisher handles are left zero-valued; the manager relaunches them.
func (inv *Inventory) LoadAll() ([]*IptRelay, error) {
	var out []*IptRelay
	err := inv.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(relaysBucket).ForEach(func(_, v []byte) error {
			var rec relayRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal relay record: %w", err)
			}
			relay := &IptRelay{
				Relay:             rec.Relay,
				PlannedRetirement: unixToTime(rec.PlannedRetirement),
			}
			for _, ir := range rec.Ipts {
				relay.Ipts = append(relay.Ipts, &Ipt{
					Lid:               ir.Lid,
					SessionIdPublic:   ir.SessionIdPublic,
					ServiceNtorPublic: ir.ServiceNtorPublic,
					IsCurrent:         ir.IsCurrent,
				})
			}
			out = append(out, relay)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StateDirLock is an OS advisory lock on the manager's state directory,
// enforcing that at most one manager process operates on a given state
// directory at a time. The standard library's flock wrapper is used
// directly here: this is the one piece of the state layer with no
// precedent in the library set this module otherwise draws on, so it is
// built straight against syscall.Flock rather than bent to fit an
// unrelated dependency.
type StateDirLock struct {
	mu   sync.Mutex
	file *os.File
}

// AcquireStateDirLock takes an exclusive, non-blocking lock on
// <stateDir>/.lock. Returns an error immediately if another process
// already holds it.
func AcquireStateDirLock(stateDir string) (*StateDirLock, error) {
	path := filepath.Join(stateDir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("state directory %s is already locked by another process: %w", stateDir, err)
	}
	return &StateDirLock{file: f}, nil
}

// Release drops the lock and closes the lock file.
func (l *StateDirLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
