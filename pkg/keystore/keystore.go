// Package keystore implements the authority's in-memory credential index
// and the pending-mutation queues the Durable Writer drains.
//
// A single mutex protects the index, the three pending queues, and the
// write_pending flag together: a mutation is never visible to a reader until it is both
// indexed and queued, and the writer never wakes spuriously because it
// waits on the same condition variable that guards the flag it's polling.
package keystore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/enrolld/pkg/metrics"
	"github.com/cuemby/enrolld/pkg/types"
)

// KeyStore is the authoritative index of enrolled agents plus the pending
// queues awaiting a Durable Writer flush.
type KeyStore struct {
	mu   sync.Mutex
	cond *sync.Cond

	byID   map[string]*types.CredentialRecord
	byName map[string][]*types.CredentialRecord
	byIP   map[string]*types.CredentialRecord
	nextID uint64
	active int

	pendingInsert []*types.PendingMutation
	pendingBackup []*types.PendingMutation
	pendingRemove []*types.PendingMutation

	writePending bool
	stopped      bool
}

// New creates an empty KeyStore.
func New() *KeyStore {
	ks := &KeyStore{
		byID:   make(map[string]*types.CredentialRecord),
		byName: make(map[string][]*types.CredentialRecord),
		byIP:   make(map[string]*types.CredentialRecord),
	}
	ks.cond = sync.NewCond(&ks.mu)
	return ks
}

// Load seeds the KeyStore from records read off disk at startup, without
// touching the pending queues (a restart has nothing pending by
// definition: the Durable Writer only exits after draining them).
func (ks *KeyStore) Load(records []*types.CredentialRecord) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for _, r := range records {
		ks.index(r)
		if id, err := parseID(r.ID); err == nil && id >= ks.nextID {
			ks.nextID = id + 1
		}
	}
}

func (ks *KeyStore) index(r *types.CredentialRecord) {
	ks.byID[r.ID] = r
	ks.byName[r.Name] = append(ks.byName[r.Name], r)
	if r.IP != "" && r.IP != "any" {
		ks.byIP[r.IP] = r
	}
	if !r.Removed {
		ks.active++
	}
}

func parseID(id string) (uint64, error) {
	var n uint64
	_, err := fmt.Sscanf(id, "%d", &n)
	return n, err
}

// Lookup returns the record for id, including tombstoned records.
func (ks *KeyStore) Lookup(id string) (*types.CredentialRecord, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	r, ok := ks.byID[id]
	return r, ok
}

// LookupByIP returns the non-tombstoned record registered from ip, if any.
func (ks *KeyStore) LookupByIP(ip string) (*types.CredentialRecord, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	r, ok := ks.byIP[ip]
	if !ok || r.Removed {
		return nil, false
	}
	return r, true
}

// LookupByName returns the non-tombstoned records registered under name.
func (ks *KeyStore) LookupByName(name string) []*types.CredentialRecord {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	var out []*types.CredentialRecord
	for _, r := range ks.byName[name] {
		if !r.Removed {
			out = append(out, r)
		}
	}
	return out
}

// DuplicateError is returned by Insert when a duplicate IP enrollment is
// rejected because the conflicting record is not yet old enough to
// supersede.
type DuplicateError struct {
	Existing *types.CredentialRecord
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("agent already registered: id=%s name=%s", e.Existing.ID, e.Existing.Name)
}

// ErrAgentLimitExceeded is returned by Insert when the KeyStore already
// holds MaxAgents active (non-tombstoned) records.
var ErrAgentLimitExceeded = fmt.Errorf("maximum number of agents exceeded")

// ErrNameExhausted is returned by Insert when every "name", "name2", ...,
// "nameN" slot up to maxTagCounter is already taken by an active record.
var ErrNameExhausted = fmt.Errorf("duplicate agent name, counter exhausted")

// nameActiveLocked reports whether any non-tombstoned record is currently
// registered under name.
func (ks *KeyStore) nameActiveLocked(name string) bool {
	for _, r := range ks.byName[name] {
		if !r.Removed {
			return true
		}
	}
	return false
}

// resolveNameLocked finds a free slot for base, trying base itself first
// and then base2, base3, ... up to maxTagCounter, mirroring authd's
// OS_AddNewAgent counter suffix behavior.
func (ks *KeyStore) resolveNameLocked(base string, maxTagCounter int) (string, error) {
	if !ks.nameActiveLocked(base) {
		return base, nil
	}
	for n := 2; n <= maxTagCounter; n++ {
		candidate := fmt.Sprintf("%s%d", base, n)
		if !ks.nameActiveLocked(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNameExhausted
}

// Insert adds a new credential record for intent. A pre-existing active
// record on the same source IP is superseded unconditionally once it is
// older than minAge (and rejected as a DuplicateError otherwise); a
// colliding agent name is resolved by appending a numeric counter rather
// than rejected outright. MaxAgents, when positive, bounds the number of
// active records the store will hold at once.
func (ks *KeyStore) Insert(intent types.EnrollmentIntent, key string, minAge time.Duration, maxAgents, maxTagCounter int, now time.Time) (*types.CredentialRecord, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ip := ""
	if intent.IP != nil {
		ip = intent.IP.String()
	}

	if existing, ok := ks.byIP[ip]; ok && ip != "" && !existing.Removed {
		if existing.Antiquity(now) < minAge {
			return nil, &DuplicateError{Existing: existing}
		}
		ks.tombstoneLocked(existing, true, now)
	}

	if maxAgents > 0 && ks.active >= maxAgents {
		return nil, ErrAgentLimitExceeded
	}

	name, err := ks.resolveNameLocked(intent.Name, maxTagCounter)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("%03d", ks.nextID)
	ks.nextID++

	record := &types.CredentialRecord{
		ID:           id,
		Name:         name,
		IP:           ip,
		Key:          key,
		Groups:       intent.Groups,
		RegisteredAt: now,
	}
	if record.IP == "" {
		record.IP = "any"
	}

	ks.index(record)
	ks.enqueueLocked(types.PendingInsert, record, "")

	metrics.KeyStoreSize.Set(float64(len(ks.byID)))
	return record, nil
}

// Remove tombstones the record for id and queues its removal, reporting
// whether a record was found.
func (ks *KeyStore) Remove(id string, now time.Time) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	r, ok := ks.byID[id]
	if !ok || r.Removed {
		return false
	}
	ks.tombstoneLocked(r, false, now)
	return true
}

// tombstoneLocked marks r removed and enqueues its disposal. When backup
// is set (supersession by Insert), a backup of the full record is queued
// before the removal marker so the Durable Writer's FIFO drain copies the
// superseded record into the backup tree ahead of retiring its live
// agent-info file; an administrative Remove queues only the removal.
func (ks *KeyStore) tombstoneLocked(r *types.CredentialRecord, backup bool, now time.Time) {
	saved := *r
	r.Removed = true
	r.RemovedAt = now
	ks.active--
	if ks.byIP[r.IP] == r {
		delete(ks.byIP, r.IP)
	}
	if backup {
		ks.enqueueLocked(types.PendingBackup, &saved, "")
	}
	ks.enqueueLocked(types.PendingRemove, nil, r.ID)
}

func (ks *KeyStore) enqueueLocked(kind types.PendingKind, record *types.CredentialRecord, recordID string) {
	m := &types.PendingMutation{Kind: kind, Record: record, RecordID: recordID, QueuedAt: time.Now()}
	switch kind {
	case types.PendingInsert:
		ks.pendingInsert = append(ks.pendingInsert, m)
	case types.PendingBackup:
		ks.pendingBackup = append(ks.pendingBackup, m)
	case types.PendingRemove:
		ks.pendingRemove = append(ks.pendingRemove, m)
	}
	ks.writePending = true
	ks.cond.Broadcast()

	metrics.PendingQueueDepth.WithLabelValues(string(types.PendingInsert)).Set(float64(len(ks.pendingInsert)))
	metrics.PendingQueueDepth.WithLabelValues(string(types.PendingBackup)).Set(float64(len(ks.pendingBackup)))
	metrics.PendingQueueDepth.WithLabelValues(string(types.PendingRemove)).Set(float64(len(ks.pendingRemove)))
}

// QueueBackup queues a full-record backup write for id, reporting whether
// a record was found. Nothing in this module calls it.
func (ks *KeyStore) QueueBackup(id string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	r, ok := ks.byID[id]
	if !ok {
		return false
	}
	backup := *r
	ks.enqueueLocked(types.PendingBackup, &backup, "")
	return true
}

// WaitForPending blocks until either writePending is set or Stop has been
// called, and reports whether work is pending: after Stop it still returns
// true until the queues have been drained. It is the Durable Writer's
// wakeup condition, and shares the same lock and condition variable as
// the queues it's waiting on so a mutation enqueued between a failed
// check and a call to Wait is never missed.
func (ks *KeyStore) WaitForPending() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for !ks.writePending && !ks.stopped {
		ks.cond.Wait()
	}
	return ks.writePending
}

// Stop wakes any goroutine blocked in WaitForPending so the Durable
// Writer can exit during shutdown.
func (ks *KeyStore) Stop() {
	ks.mu.Lock()
	ks.stopped = true
	ks.mu.Unlock()
	ks.cond.Broadcast()
}

// Detach atomically swaps out all three pending queues for draining by
// the Durable Writer, leaving the live queues empty. This is the owned
// FIFO swap pattern: no entry is ever walked via a pointer chain, and a
// caller that needs to put work back does so with Reattach.
func (ks *KeyStore) Detach() (insert, backup, remove []*types.PendingMutation) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	insert, ks.pendingInsert = ks.pendingInsert, nil
	backup, ks.pendingBackup = ks.pendingBackup, nil
	remove, ks.pendingRemove = ks.pendingRemove, nil
	ks.writePending = false

	metrics.PendingQueueDepth.WithLabelValues(string(types.PendingInsert)).Set(0)
	metrics.PendingQueueDepth.WithLabelValues(string(types.PendingBackup)).Set(0)
	metrics.PendingQueueDepth.WithLabelValues(string(types.PendingRemove)).Set(0)

	return insert, backup, remove
}

// Reattach puts previously detached entries back at the front of the live
// queues. Used when a Durable Writer flush fails: the alternative, simply
// dropping the detached batch, loses every queued mutation in the batch,
// and this is its fix.
func (ks *KeyStore) Reattach(insert, backup, remove []*types.PendingMutation) {
	if len(insert) == 0 && len(backup) == 0 && len(remove) == 0 {
		return
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.pendingInsert = append(insert, ks.pendingInsert...)
	ks.pendingBackup = append(backup, ks.pendingBackup...)
	ks.pendingRemove = append(remove, ks.pendingRemove...)
	ks.writePending = true
	ks.cond.Broadcast()

	metrics.DurableFlushFailuresTotal.Inc()
	metrics.PendingQueueDepth.WithLabelValues(string(types.PendingInsert)).Set(float64(len(ks.pendingInsert)))
	metrics.PendingQueueDepth.WithLabelValues(string(types.PendingBackup)).Set(float64(len(ks.pendingBackup)))
	metrics.PendingQueueDepth.WithLabelValues(string(types.PendingRemove)).Set(float64(len(ks.pendingRemove)))
}

// Snapshot returns every record in ID order, including tombstoned ones.
func (ks *KeyStore) Snapshot() []*types.CredentialRecord {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	out := make([]*types.CredentialRecord, 0, len(ks.byID))
	for _, r := range ks.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of indexed records, including tombstoned ones.
func (ks *KeyStore) Len() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.byID)
}
