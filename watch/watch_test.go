package watch

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// counter is a Detector whose version the test moves by hand.
type counter struct{ v atomic.Int64 }

func (c *counter) detect(context.Context) (int64, error) { return c.v.Load(), nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOnChange_FiresOnVersionChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c counter
	var fired atomic.Int64
	w := New(Options{Interval: 10 * time.Millisecond, Detector: c.detect})
	go w.OnChange(ctx, func() error {
		fired.Add(1)
		return nil
	})

	time.Sleep(30 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("fired without a change")
	}

	c.v.Store(7)
	waitFor(t, "reload", func() bool { return fired.Load() == 1 })
	if w.Version() != 7 {
		t.Fatalf("version = %d", w.Version())
	}
}

func TestOnChange_Debounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c counter
	var fired atomic.Int64
	w := New(Options{Interval: 5 * time.Millisecond, Debounce: 80 * time.Millisecond, Detector: c.detect})
	go w.OnChange(ctx, func() error {
		fired.Add(1)
		return nil
	})

	for i := 1; i <= 4; i++ {
		c.v.Store(int64(i))
		time.Sleep(15 * time.Millisecond)
	}
	waitFor(t, "debounced reload", func() bool { return fired.Load() > 0 })
	time.Sleep(120 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("fired %d times, want 1", n)
	}
	if w.Version() != 4 {
		t.Fatalf("version = %d", w.Version())
	}
}

func TestOnChange_ErrorDoesNotAdvanceVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c counter
	var calls atomic.Int64
	w := New(Options{Interval: 10 * time.Millisecond, Detector: c.detect})
	go w.OnChange(ctx, func() error {
		if calls.Add(1) == 1 {
			return errors.New("boom")
		}
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	c.v.Store(3)
	waitFor(t, "retry", func() bool { return w.Version() == 3 })
	if calls.Load() < 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if s := w.Stats(); s.Errors < 1 || s.Reloads != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestFileVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	detect := FileVersion(path)
	ctx := context.Background()

	v0, err := detect(ctx)
	if err != nil || v0 != 0 {
		t.Fatalf("missing file = %d, %v", v0, err)
	}
	if err := os.WriteFile(path, []byte("modules: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	v1, _ := detect(ctx)
	if v1 == v0 {
		t.Fatal("create not detected")
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	v2, _ := detect(ctx)
	if v2 == v1 {
		t.Fatal("mtime change not detected")
	}
}

func TestDataVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ev.db")
	reader, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	reader.SetMaxOpenConns(1)
	writer, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()

	ctx := context.Background()
	detect := DataVersion(reader)
	before, err := detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writer.Exec("CREATE TABLE t (x INTEGER)"); err != nil {
		t.Fatal(err)
	}
	after, err := detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after == before {
		t.Fatal("write from another connection not detected")
	}
}
