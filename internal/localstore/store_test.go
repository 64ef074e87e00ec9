package localstore

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok, err := s.GetItem("k"); err != nil || ok {
		t.Fatalf("get on empty store = %v, %v", ok, err)
	}
	if err := s.SetItem("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, _ := s.GetItem("k"); !ok || v != "v" {
		t.Fatalf("get = %q, %v", v, ok)
	}

	// A second handle on the same file sees the write.
	s2, _ := Open(path)
	if v, ok, _ := s2.GetItem("k"); !ok || v != "v" {
		t.Fatalf("second handle get = %q, %v", v, ok)
	}

	if err := s.RemoveItem("k"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveItem("k"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	if _, ok, _ := s2.GetItem("k"); ok {
		t.Fatalf("removed key still present")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
}

func TestConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	a, _ := Open(path)
	b, _ := Open(path)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := a
			if i%2 == 1 {
				s = b
			}
			if err := s.SetItem(string(rune('a'+i)), "x"); err != nil {
				t.Errorf("set: %v", err)
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 20; i++ {
		if _, ok, _ := a.GetItem(string(rune('a' + i))); !ok {
			t.Fatalf("key %c lost", 'a'+i)
		}
	}
}

func TestSetItemsIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	w, _ := Open(path)
	r, _ := Open(path)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			v := strconv.Itoa(i)
			if err := w.SetItems(map[string]string{"id": v, "data": v}); err != nil {
				t.Errorf("set: %v", err)
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			items, err := r.GetItems("id", "data", "missing")
			if err != nil || items["id"] != "49" || items["data"] != "49" {
				t.Fatalf("final items = %v, %v", items, err)
			}
			if _, ok := items["missing"]; ok {
				t.Fatalf("missing key reported present")
			}
			if err := r.RemoveItems("id", "data"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if items, _ := w.GetItems("id", "data"); len(items) != 0 {
				t.Fatalf("items after remove = %v", items)
			}
			return
		default:
		}
		items, err := r.GetItems("id", "data")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if items["id"] != items["data"] {
			t.Fatalf("torn read: %v", items)
		}
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, _ := Open(path)
	if _, _, err := s.GetItem("k"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, _ := Open(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, 10*time.Millisecond, func() { changed <- struct{}{} })
	}()

	// The watcher registers asynchronously; write until it reports.
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; ; i++ {
		if err := s.SetItem("n", string(rune('0'+i%10))); err != nil {
			t.Fatalf("set: %v", err)
		}
		select {
		case <-changed:
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch: %v", err)
			}
			return
		case <-ticker.C:
		case <-deadline:
			t.Fatalf("no change notification")
		}
	}
}
