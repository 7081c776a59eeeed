package memory

import (
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/nicktill/tinytrack/pkg/storage"
)

var _ storage.Store = (*Store)(nil)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	store := New(Options{})

	if !store.Set("a", "1", 0) {
		t.Fatal("Set failed")
	}
	v, ok := store.Get("a")
	if !ok || v != "1" {
		t.Fatalf("Get = %q, %v; want 1, true", v, ok)
	}

	if !store.Delete("a") {
		t.Fatal("Delete failed")
	}
	if _, ok := store.Get("a"); ok {
		t.Error("Expected key to be gone after Delete")
	}

	// Deleting an absent key is not a failure
	if !store.Delete("missing") {
		t.Error("Delete of absent key should succeed")
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Unix(1000, 0))
	store := New(Options{Clock: clk})

	store.Set("ses", "x", 30*time.Minute)
	store.Set("id", "y", 0)

	clk.SetTime(clk.Now().Add(29 * time.Minute))
	if _, ok := store.Get("ses"); !ok {
		t.Error("Expected ses to be live before TTL")
	}

	clk.SetTime(clk.Now().Add(time.Minute))
	if _, ok := store.Get("ses"); ok {
		t.Error("Expected ses to expire at TTL")
	}
	if _, ok := store.Get("id"); !ok {
		t.Error("Expected id without TTL to survive")
	}

	keys := store.Keys()
	if len(keys) != 1 || keys[0] != "id" {
		t.Errorf("Keys = %v, want [id]", keys)
	}
}

func TestMemoryStore_Unavailable(t *testing.T) {
	store := New(Options{})
	store.Set("a", "1", 0)

	store.SetAvailable(false)
	if store.Available() {
		t.Error("Expected store to report unavailable")
	}
	if _, ok := store.Get("a"); ok {
		t.Error("Get should report absence while unavailable")
	}
	if store.Set("b", "2", 0) {
		t.Error("Set should fail while unavailable")
	}
	if store.Delete("a") {
		t.Error("Delete should fail while unavailable")
	}

	store.SetAvailable(true)
	if v, ok := store.Get("a"); !ok || v != "1" {
		t.Error("Expected data to survive an unavailable period")
	}
}

func TestMemoryStore_Quota(t *testing.T) {
	store := New(Options{MaxBytes: 10})

	if !store.Set("k", "12345", 0) { // 6 bytes
		t.Fatal("Set within quota failed")
	}
	if store.Set("j", "123456", 0) { // would be 13 bytes
		t.Error("Set over quota should fail")
	}

	// Overwriting frees the old value first
	if !store.Set("k", "123456789", 0) { // 10 bytes
		t.Error("Overwrite within quota should succeed")
	}
	store.Delete("k")
	if !store.Set("j", "123456", 0) {
		t.Error("Set should succeed after Delete frees quota")
	}
}
