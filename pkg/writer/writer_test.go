package writer

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/enrolld/pkg/keystore"
	"github.com/cuemby/enrolld/pkg/types"
)

func TestFlushAndReload(t *testing.T) {
	dir, err := os.MkdirTemp("", "enrolld-writer-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	for _, sub := range []string{agentInfoDir, groupsDir, backupAgentInfoDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			t.Fatalf("failed to create %s: %v", sub, err)
		}
	}

	ks := keystore.New()
	now := time.Now()

	r1, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-a", time.Hour, 0, 10, now)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := ks.Insert(types.EnrollmentIntent{Name: "agent-b", IP: net.ParseIP("10.0.0.2")}, "key-b", time.Hour, 0, 10, now); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	w := New(ks, dir)
	insert, backup, remove := ks.Detach()
	if err := w.flush(insert, backup, remove); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	records, err := LoadRecords(dir)
	if err != nil {
		t.Fatalf("LoadRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	var found bool
	for _, r := range records {
		if r.ID == r1.ID {
			found = true
			if r.Key != "key-a" {
				t.Errorf("expected key-a, got %s", r.Key)
			}
			if r.RegisteredAt.IsZero() {
				t.Error("expected RegisteredAt to be rehydrated")
			}
		}
	}
	if !found {
		t.Error("did not find agent-a in reloaded records")
	}
}

func TestFlushThenRemove(t *testing.T) {
	dir, err := os.MkdirTemp("", "enrolld-writer-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	for _, sub := range []string{agentInfoDir, groupsDir, backupAgentInfoDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			t.Fatalf("failed to create %s: %v", sub, err)
		}
	}

	ks := keystore.New()
	now := time.Now()
	r, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-a", time.Hour, 0, 10, now)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	w := New(ks, dir)
	insert, backup, remove := ks.Detach()
	if err := w.flush(insert, backup, remove); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if !ks.Remove(r.ID, now) {
		t.Fatal("expected Remove to report success")
	}
	insert, backup, remove = ks.Detach()
	if err := w.flush(insert, backup, remove); err != nil {
		t.Fatalf("flush after remove failed: %v", err)
	}

	records, err := LoadRecords(dir)
	if err != nil {
		t.Fatalf("LoadRecords failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected removed record to be dropped from client.keys, got %d", len(records))
	}
}
