package metainfo

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestDiskCachePutGet(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenDiskCache(filepath.Join(dir, "cache.pogreb"))
	if err != nil {
		t.Fatalf("OpenDiskCache failed: %v", err)
	}
	defer cache.Close()

	var hash [20]byte
	hash[0] = 0xAB
	want := []byte("d4:name4:teste")

	if _, ok, err := cache.Get(hash); err != nil || ok {
		t.Fatalf("expected cache miss before Put, got ok=%v err=%v", ok, err)
	}

	if err := cache.Put(hash, want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := cache.Get(hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit after Put")
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNoopCacheAlwaysMisses(t *testing.T) {
	var c NoopCache
	var hash [20]byte
	if err := c.Put(hash, []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok, _ := c.Get(hash); ok {
		t.Error("NoopCache should never report a hit")
	}
}
