package applog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSince_ReadsIncrementally(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("hello world"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap := Since(path, 6, time.Time{})
	if snap.Text != "world" || snap.From != 6 || snap.To != 11 || snap.End != 11 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Lost {
		t.Fatalf("did not expect lost")
	}
}

func TestSince_TruncatedFileRestartsFromZero(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap := Since(path, 100, time.Time{})
	if !snap.Lost || snap.From != 0 || snap.Text != "abc" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSince_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	snap := Since(filepath.Join(t.TempDir(), "nope.log"), 0, time.Time{})
	if snap.Error != "" || snap.Text != "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
