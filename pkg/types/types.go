package types

import (
	"net"
	"time"
)

// CredentialRecord is the authoritative, in-memory representation of one
// enrolled agent. It is the unit the KeyStore indexes and the Durable
// Writer serializes; the Integrity Synchronizer works on EntityRecord.
type CredentialRecord struct {
	ID           string    // stable numeric-looking identifier, assigned at insert
	Name         string    // agent-supplied name, de-duplicated with a numeric suffix
	IP           string    // enrollment-time source address, "any" when unrestricted
	Key          string    // pre-shared secret issued to the agent
	Groups       []string  // multigroup membership, written to groups/<id>
	RegisteredAt time.Time // antiquity origin; persisted so restarts don't reset it
	Removed      bool      // tombstoned rather than deleted outright
	RemovedAt    time.Time
}

// Antiquity reports how long ago the record was registered, used by
// force-insert's duplicate-age policy.
func (c *CredentialRecord) Antiquity(now time.Time) time.Duration {
	return now.Sub(c.RegisteredAt)
}

// EnrollmentIntent is the materialized, validated form of an incoming
// enrollment request, produced by the Request Parser/Validator before any
// KeyStore mutation is attempted. Fields are copied out of the request
// buffer up front rather than referenced lazily. Whether a conflicting
// existing record gets superseded is a server-side policy decision
// (config.ForceInsertMinAge), not something the wire request controls.
type EnrollmentIntent struct {
	Name       string
	IP         net.IP // nil when the agent did not pin a source address
	Groups     []string
	RemoteAddr string // actual TCP peer address of the connection
	PeerCertCN string // populated when client-cert verification is enabled
}

// PendingKind identifies which pending-mutation queue an entry belongs to.
type PendingKind string

const (
	PendingInsert PendingKind = "insert"
	PendingBackup PendingKind = "backup"
	PendingRemove PendingKind = "remove"
)

// PendingMutation is one detached unit of work awaiting a Durable Writer
// flush. Insert and Backup mutations carry a full record; Remove carries
// only the ID being tombstoned.
type PendingMutation struct {
	Kind     PendingKind
	Record   *CredentialRecord
	RecordID string // used by PendingRemove
	QueuedAt time.Time
}

// AgentRole distinguishes the two roles a node can run the Integrity
// Synchronizer in. Membership and leader election that decide which role a
// node holds are out of scope here; the role is a given.
type AgentRole string

const (
	RolePrimary  AgentRole = "primary"
	RoleFollower AgentRole = "follower"
)

// EntityRecord is one row of the Integrity Synchronizer's local entity
// table: an opaque key/value pair plus a per-record digest and update time.
type EntityRecord struct {
	Key       string
	Value     []byte
	Digest    [20]byte // SHA-1 over Value, set by integrity.WithDigest; stores keep it as given
	UpdatedAt time.Time
}

// SyncRange identifies a contiguous slice of the entity table's key space
// for bisection, expressed as a half-open interval over lexical keys.
type SyncRange struct {
	Start string // inclusive
	End   string // exclusive; empty string means "no upper bound"
}

// SyncCommand identifies the kind of message carried over the one-sided
// integrity message bus.
type SyncCommand string

const (
	// SyncChecksumGlobal announces the digest of everything the sender
	// holds in Range.
	SyncChecksumGlobal SyncCommand = "integrity_check_global"
	// SyncClear announces that the sender holds nothing at all.
	SyncClear SyncCommand = "integrity_clear"
	// SyncChecksumFail responds to an announcement: the recipient holds
	// data in Range that disagrees with the announced checksum.
	SyncChecksumFail SyncCommand = "checksum_fail"
	// SyncNoData responds to an announcement: the recipient holds nothing
	// in Range at all.
	SyncNoData SyncCommand = "no_data"
	// SyncState carries one corrected entity, pushed at whichever side
	// asked for it via a ChecksumFail/NoData response.
	SyncState SyncCommand = "state"
)

// SyncMessage is the one-sided unit the Integrity Synchronizer publishes
// and receives. ID is the sender's current_id: a wall-clock-seconds
// logical clock used to drop stale or out-of-order responses to a round
// that has since moved on.
type SyncMessage struct {
	Command  SyncCommand
	ID       int64
	Range    SyncRange
	Checksum [20]byte
	Entity   *EntityRecord
}

// SyncRoundResult summarizes the outcome of one Integrity Synchronizer
// exchange, used for logging, metrics, and backoff decisions.
type SyncRoundResult struct {
	Round         uint64
	Matched       bool
	RangesSent    int
	EntitiesFixed int
	Duration      time.Duration
	Err           error
}
