package archive

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	commit, err := svc.CommitVersion("ctr-1", 1, "# Service Agreement\n\nInitial terms.", "Avery")
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "ctr-1", contractFile)); err != nil {
		t.Fatalf("contract file missing: %v", err)
	}

	if _, err := svc.CommitVersion("ctr-1", 2, "# Service Agreement\n\nRevised terms.", "Blake"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}

	history, err := svc.History("ctr-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Message != "Version 2" {
		t.Errorf("expected newest first, got %q", history[0].Message)
	}
	if history[1].Author != "Avery" {
		t.Errorf("expected first version by Avery, got %q", history[1].Author)
	}
}

func TestHistoryOfUnknownContractIsEmpty(t *testing.T) {
	svc := New(t.TempDir())

	history, err := svc.History("ctr-missing", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(history))
	}
}

func TestHistoryHonorsLimit(t *testing.T) {
	svc := New(t.TempDir())

	for n := 1; n <= 5; n++ {
		if _, err := svc.CommitVersion("ctr-1", n, "content", "Avery"); err != nil {
			t.Fatalf("CommitVersion(%d) error = %v", n, err)
		}
	}

	history, err := svc.History("ctr-1", 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
}

func TestPatchBetweenVersions(t *testing.T) {
	svc := New(t.TempDir())

	if _, err := svc.CommitVersion("ctr-1", 1, "Payment due in 30 days.", "Avery"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if _, err := svc.CommitVersion("ctr-1", 2, "Payment due in 45 days.", "Avery"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}

	patch, err := svc.Patch("ctr-1", 1, 2)
	if err != nil {
		t.Fatalf("Patch() error = %v", err)
	}
	if !strings.Contains(patch, "-Payment due in 30 days.") {
		t.Errorf("patch missing removed line:\n%s", patch)
	}
	if !strings.Contains(patch, "+Payment due in 45 days.") {
		t.Errorf("patch missing added line:\n%s", patch)
	}
}

func TestPatchUnknownVersionFails(t *testing.T) {
	svc := New(t.TempDir())

	if _, err := svc.CommitVersion("ctr-1", 1, "terms", "Avery"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if _, err := svc.Patch("ctr-1", 1, 9); err == nil {
		t.Fatal("expected error for unknown version")
	}
}

func TestTagApproved(t *testing.T) {
	svc := New(t.TempDir())

	if _, err := svc.CommitVersion("ctr-1", 1, "terms", "Avery"); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}

	if err := svc.TagApproved("ctr-1", 1, "Blake"); err != nil {
		t.Fatalf("TagApproved() error = %v", err)
	}
	// Re-tagging the same version is a no-op, not an error.
	if err := svc.TagApproved("ctr-1", 1, "Blake"); err != nil {
		t.Fatalf("TagApproved() repeat error = %v", err)
	}

	if err := svc.TagApproved("ctr-1", 9, "Blake"); err == nil {
		t.Fatal("expected error tagging unknown version")
	}
}

func TestConcurrentCommitsSameContract(t *testing.T) {
	svc := New(t.TempDir())

	var wg sync.WaitGroup
	for n := 1; n <= 8; n++ {
		wg.Add(1)
		go func(version int) {
			defer wg.Done()
			if _, err := svc.CommitVersion("ctr-1", version, "content", "Avery"); err != nil {
				t.Errorf("CommitVersion(%d) error = %v", version, err)
			}
		}(n)
	}
	wg.Wait()

	history, err := svc.History("ctr-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 8 {
		t.Fatalf("expected 8 commits, got %d", len(history))
	}
}
