// Package writer implements the Durable Writer: the single goroutine that
// drains the KeyStore's pending-mutation queues and makes them durable on
// disk, one detached batch at a time.
package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/enrolld/pkg/keystore"
	"github.com/cuemby/enrolld/pkg/log"
	"github.com/cuemby/enrolld/pkg/metrics"
	"github.com/cuemby/enrolld/pkg/types"
)

const (
	keysFileName       = "client.keys"
	agentInfoDir       = "agent-info"
	groupsDir          = "groups"
	backupAgentInfoDir = "backup/agent-info"
)

// Writer drains KeyStore pending queues onto disk.
type Writer struct {
	ks      *keystore.KeyStore
	dataDir string
}

// New creates a Writer rooted at dataDir. dataDir must already exist.
func New(ks *keystore.KeyStore, dataDir string) *Writer {
	return &Writer{ks: ks, dataDir: dataDir}
}

// Run blocks, draining pending mutations until the KeyStore is stopped.
// Each iteration detaches the full backlog in one swap, attempts to flush
// it, and on failure re-attaches the whole batch to the front of the live
// queues rather than discarding it, so a failed flush never silently
// drops a mutation.
func (w *Writer) Run() {
	l := log.WithComponent("writer")
	dirs := []string{
		filepath.Join(w.dataDir, agentInfoDir),
		filepath.Join(w.dataDir, groupsDir),
		filepath.Join(w.dataDir, backupAgentInfoDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			l.Error().Err(err).Str("dir", d).Msg("failed to create data directory")
			return
		}
	}

	for w.ks.WaitForPending() {
		insert, backup, remove := w.ks.Detach()
		if len(insert) == 0 && len(backup) == 0 && len(remove) == 0 {
			continue
		}

		timer := metrics.NewTimer()
		err := w.flush(insert, backup, remove)
		timer.ObserveDuration(metrics.DurableFlushDuration)

		if err != nil {
			l.Error().Err(err).Msg("durable flush failed, re-queueing batch")
			w.ks.Reattach(insert, backup, remove)
			continue
		}

		l.Debug().
			Int("inserted", len(insert)).
			Int("backed_up", len(backup)).
			Int("removed", len(remove)).
			Msg("durable flush complete")
	}
}

// flush writes one detached batch to disk. It rewrites client.keys from
// the KeyStore's current snapshot (cheap at the scale this system
// operates at, and avoids tracking in-place line offsets), writes the
// per-agent antiquity and group-membership files for each inserted
// record, copies superseded records into the timestamped backup tree,
// and removes the per-agent files for each tombstoned record.
func (w *Writer) flush(insert, backup, remove []*types.PendingMutation) error {
	for _, m := range insert {
		if err := w.writeAgentInfo(m.Record); err != nil {
			return fmt.Errorf("failed to write agent-info for %s: %w", m.Record.ID, err)
		}
		if err := w.writeGroups(m.Record); err != nil {
			return fmt.Errorf("failed to write groups for %s: %w", m.Record.ID, err)
		}
	}
	for _, m := range backup {
		if err := w.writeAgentInfoBackup(m.Record, m.QueuedAt); err != nil {
			return fmt.Errorf("failed to write agent-info backup for %s: %w", m.Record.ID, err)
		}
	}

	if err := w.rewriteKeysFile(); err != nil {
		return fmt.Errorf("failed to rewrite %s: %w", keysFileName, err)
	}

	for _, m := range remove {
		if err := w.removeAgentInfo(m.RecordID); err != nil {
			return fmt.Errorf("failed to remove agent-info for %s: %w", m.RecordID, err)
		}
		if err := w.removeGroups(m.RecordID); err != nil {
			return fmt.Errorf("failed to remove groups for %s: %w", m.RecordID, err)
		}
	}

	return nil
}

// rewriteKeysFile regenerates client.keys from the live KeyStore snapshot,
// writing to a temp file and renaming over the original so a crash
// mid-write never leaves a truncated keys file behind.
func (w *Writer) rewriteKeysFile() error {
	records := w.ks.Snapshot()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	path := filepath.Join(w.dataDir, keysFileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	for _, r := range records {
		if r.Removed {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s %s %s %s\n", r.ID, r.Name, r.IP, r.Key); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

type agentInfoFile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IP           string    `json:"ip"`
	RegisteredAt time.Time `json:"registered_at"`
}

func agentInfoPath(dataDir, id, name, ip string) string {
	return filepath.Join(dataDir, agentInfoDir, fmt.Sprintf("%s-%s-%s", id, name, ip))
}

func groupsPath(dataDir, id string) string {
	return filepath.Join(dataDir, groupsDir, id)
}

// backupPath timestamps each backup copy so successive supersessions of
// the same ID never overwrite one another's backup.
func backupPath(dataDir string, r *types.CredentialRecord, at time.Time) string {
	return filepath.Join(dataDir, backupAgentInfoDir, fmt.Sprintf("%s-%s-%s.%d", r.ID, r.Name, r.IP, at.UnixNano()))
}

func (w *Writer) writeAgentInfo(r *types.CredentialRecord) error {
	data, err := json.Marshal(agentInfoFile{ID: r.ID, Name: r.Name, IP: r.IP, RegisteredAt: r.RegisteredAt})
	if err != nil {
		return err
	}
	return os.WriteFile(agentInfoPath(w.dataDir, r.ID, r.Name, r.IP), data, 0600)
}

// writeAgentInfoBackup copies a superseded record's agent-info into the
// backup tree rather than the live directory, so the live tree always
// reflects only the current holder of an ID.
func (w *Writer) writeAgentInfoBackup(r *types.CredentialRecord, at time.Time) error {
	data, err := json.Marshal(agentInfoFile{ID: r.ID, Name: r.Name, IP: r.IP, RegisteredAt: r.RegisteredAt})
	if err != nil {
		return err
	}
	return os.WriteFile(backupPath(w.dataDir, r, at), data, 0600)
}

func (w *Writer) writeGroups(r *types.CredentialRecord) error {
	if len(r.Groups) == 0 {
		err := os.Remove(groupsPath(w.dataDir, r.ID))
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	data := []byte(strings.Join(r.Groups, ",") + "\n")
	return os.WriteFile(groupsPath(w.dataDir, r.ID), data, 0600)
}

func (w *Writer) removeAgentInfo(id string) error {
	dir := filepath.Join(w.dataDir, agentInfoDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	prefix := id + "-"
	for _, e := range entries {
		if len(e.Name()) >= len(prefix) && e.Name()[:len(prefix)] == prefix {
			return os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func (w *Writer) removeGroups(id string) error {
	err := os.Remove(groupsPath(w.dataDir, id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadRecords reconstructs CredentialRecords at startup: client.keys is
// the source of truth for ID/Name/IP/Key, the matching agent-info file
// (if any) supplies RegisteredAt so antiquity survives a restart, and the
// matching groups/<id> file (if any) supplies multigroup membership.
func LoadRecords(dataDir string) ([]*types.CredentialRecord, error) {
	path := filepath.Join(dataDir, keysFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", keysFileName, err)
	}
	defer f.Close()

	registeredAt := loadRegisteredAt(dataDir)

	var records []*types.CredentialRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		var id, name, ip, key string
		if _, err := fmt.Sscanf(line, "%s %s %s %s", &id, &name, &ip, &key); err != nil {
			return nil, fmt.Errorf("malformed line in %s: %q", keysFileName, line)
		}
		r := &types.CredentialRecord{ID: id, Name: name, IP: ip, Key: key}
		if ts, ok := registeredAt[agentInfoPath(dataDir, id, name, ip)]; ok {
			r.RegisteredAt = ts
		}
		r.Groups = loadGroups(dataDir, id)
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func loadGroups(dataDir, id string) []string {
	data, err := os.ReadFile(groupsPath(dataDir, id))
	if err != nil {
		return nil
	}
	line := strings.TrimSpace(string(data))
	if line == "" {
		return nil
	}
	return strings.Split(line, ",")
}

func loadRegisteredAt(dataDir string) map[string]time.Time {
	out := make(map[string]time.Time)
	dir := filepath.Join(dataDir, agentInfoDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var info agentInfoFile
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		out[path] = info.RegisteredAt
	}
	return out
}
