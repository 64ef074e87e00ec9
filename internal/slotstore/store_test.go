package slotstore

import (
	"context"
	"encoding/json"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	v, err := s.Get(ctx, "R", "S")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if v != nil {
		t.Fatalf("missing slot = %s; want nil", v)
	}

	if err := s.Set(ctx, "R", "S", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err = s.Get(ctx, "R", "S")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != `{"a":1}` {
		t.Fatalf("get = %s", v)
	}

	if v, _ := s.Get(ctx, "other", "S"); v != nil {
		t.Fatalf("realms leak: %s", v)
	}

	if err := s.Set(ctx, "R", "T", json.RawMessage(`[1,2]`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	all, err := s.List(ctx, "R")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || string(all["T"]) != `[1,2]` {
		t.Fatalf("list = %v", all)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	m := NewMemory()
	buf := json.RawMessage(`{"a":1}`)
	_ = m.Set(context.Background(), "R", "S", buf)
	buf[2] = 'b'
	v, _ := m.Get(context.Background(), "R", "S")
	if string(v) != `{"a":1}` {
		t.Fatalf("stored value aliased caller buffer: %s", v)
	}
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rs, err := NewRedis(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer func() { _ = rs.Close() }()
	exerciseStore(t, rs)

	// A second client sees the same slots.
	rs2, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer func() { _ = rs2.Close() }()
	if v, _ := rs2.Get(context.Background(), "R", "S"); string(v) != `{"a":1}` {
		t.Fatalf("second client get = %s", v)
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
		tls    bool
	}{
		{"localhost:6379", 1, "", 0, false},
		{"redis://:pass@localhost:6379/1", 1, "", 1, false},
		{"redis://host1:6379,host2:6379/0", 2, "", 0, false},
		{"rediss://localhost:6380?db=3", 1, "", 3, true},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2, false},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parseRedisURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Fatalf("%q addrs = %d; want %d", tt.url, len(opts.Addrs), tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Fatalf("%q master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Fatalf("%q db = %d; want %d", tt.url, opts.DB, tt.db)
		}
		if (opts.TLSConfig != nil) != tt.tls {
			t.Fatalf("%q tls = %v", tt.url, opts.TLSConfig != nil)
		}
	}
	if _, err := parseRedisURL("http://localhost"); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := parseRedisURL("redis://localhost/x"); err == nil {
		t.Fatalf("expected db error")
	}
}
