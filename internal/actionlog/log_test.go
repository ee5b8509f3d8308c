package actionlog

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/azuma-ya/meshgame/internal/wire"
)

func commitAt(height uint64, tick wire.Tick) wire.Commit {
	return wire.Commit{Height: height, OrderingTick: tick, Actions: nil}
}

func testLog(t *testing.T, log Log) {
	t.Helper()

	for i := uint64(1); i <= 5; i++ {
		if err := log.Append(commitAt(i, wire.Tick(i-1))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if log.LatestHeight() != 5 {
		t.Fatalf("expected latest height 5, got %d", log.LatestHeight())
	}

	if err := log.Append(commitAt(7, 6)); !errors.Is(err, ErrHeightMismatch) {
		t.Fatalf("expected ErrHeightMismatch, got %v", err)
	}

	commits, err := log.GetRange(2, 4)
	if err != nil {
		t.Fatalf("getrange: %v", err)
	}
	if len(commits) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(commits))
	}
	for i, commit := range commits {
		if commit.Height != uint64(i)+2 {
			t.Fatalf("expected height %d, got %d", i+2, commit.Height)
		}
	}

	if err := log.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if log.LatestHeight() != 0 {
		t.Fatalf("expected cleared log, got height %d", log.LatestHeight())
	}
}

func TestMemoryLog(t *testing.T) {
	testLog(t, NewMemoryLog())
}

func TestDurableLog(t *testing.T) {
	dir := t.TempDir()
	log, err := NewDurableLog(filepath.Join(dir, "commits.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	testLog(t, log)
}
