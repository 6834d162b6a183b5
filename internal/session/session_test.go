package session

import (
	"testing"
	"time"
)

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func TestQueue(t *testing.T) {
	r := NewRegistry(1, 3)

	if !r.Queue("test1", "ubuntu:18.04") {
		t.Fatal("expected first queue to succeed")
	}
	if r.Queue("test1", "ubuntu:18.04") {
		t.Error("expected duplicate id to be rejected")
	}
	if !r.Queue("test2", "ubuntu:18.04") {
		t.Fatal("expected second queue to succeed")
	}
	if !r.Queue("test3", "ubuntu:18.04") {
		t.Fatal("expected third queue to succeed")
	}
	if r.Queue("test4", "ubuntu:18.04") {
		t.Error("expected fourth queue to be rejected (queue full)")
	}
}

func TestQueueDuplicateDoesNotModifyRegistry(t *testing.T) {
	r := NewRegistry(1, 3)
	r.Queue("test1", "ubuntu:18.04")
	before, _ := r.Lookup("test1")

	r.Queue("test1", "alpine:3.4")

	after, _ := r.Lookup("test1")
	if after != before {
		t.Errorf("rejected duplicate queue modified session: before=%+v after=%+v", before, after)
	}
}

func TestLookupMissing(t *testing.T) {
	r := NewRegistry(1, 3)
	if _, ok := r.Lookup("nope"); ok {
		t.Error("expected lookup of missing session to return false")
	}
}

func TestNotifyActivity(t *testing.T) {
	r := NewRegistry(1, 3)
	r.Queue("test1", "ubuntu:18.04")

	if !r.NotifyActivity("test1", 0) {
		t.Error("expected NotifyActivity on existing session to succeed")
	}
	if r.NotifyActivity("test2", 0) {
		t.Error("expected NotifyActivity on missing session to fail")
	}

	r.NotifyActivity("test1", 5)
	r.NotifyActivity("test1", 3)
	s, _ := r.Lookup("test1")
	if s.VulnsRead != 8 {
		t.Errorf("VulnsRead = %d, want 8 (monotone accumulation)", s.VulnsRead)
	}
}

func TestActivateFIFO(t *testing.T) {
	r := NewRegistry(1, 3)
	r.Queue("test1", "ubuntu:18.04")
	r.Queue("test2", "ubuntu:18.04")

	if got := r.ActivateSessions(nil); len(got) != 1 || got[0] != "test1" {
		t.Fatalf("ActivateSessions() = %v, want [test1]", got)
	}
	if got := r.ActivateSessions(nil); len(got) != 0 {
		t.Fatalf("ActivateSessions() = %v, want []", got)
	}

	r.Terminate("test1")
	r.Queue("test1", "alpine:3.4")

	if got := r.ActivateSessions(nil); len(got) != 1 || got[0] != "test2" {
		t.Fatalf("ActivateSessions() after terminate = %v, want [test2]", got)
	}
}

func TestActivateRespectsCreatedAtOverInsertionOrder(t *testing.T) {
	r := NewRegistry(2, 3)
	r.clock = func() time.Time { return time.Unix(100, 0) }
	r.Queue("later", "ubuntu:18.04")

	r.clock = func() time.Time { return time.Unix(50, 0) }
	r.Queue("earlier", "ubuntu:18.04")

	r.clock = func() time.Time { return time.Unix(200, 0) }
	got := r.ActivateSessions(nil)
	if len(got) != 2 || got[0] != "earlier" || got[1] != "later" {
		t.Fatalf("ActivateSessions() = %v, want [earlier later] (created_at order)", got)
	}
}

func TestActiveFilters(t *testing.T) {
	r := NewRegistry(10, 10)
	r.Queue("a", "ubuntu:18.04")
	r.Queue("b", "alpine:3.4")
	r.ActivateSessions(nil)
	r.NotifyActivity("a", 5)

	all := r.Active(nil, nil)
	if len(all) != 2 {
		t.Fatalf("Active(nil,nil) = %v, want 2 ids", all)
	}

	onlyUbuntu := r.Active(nil, strPtr("ubuntu:18.04"))
	if len(onlyUbuntu) != 1 || onlyUbuntu[0] != "a" {
		t.Fatalf("Active platform filter = %v, want [a]", onlyUbuntu)
	}

	readAtLeast3 := r.Active(intPtr(3), nil)
	if len(readAtLeast3) != 1 || readAtLeast3[0] != "a" {
		t.Fatalf("Active read_at_least filter = %v, want [a]", readAtLeast3)
	}

	readAtLeast100 := r.Active(intPtr(100), nil)
	if len(readAtLeast100) != 0 {
		t.Fatalf("Active read_at_least filter = %v, want []", readAtLeast100)
	}
}

func TestTimedOut(t *testing.T) {
	r := NewRegistry(1, 3)
	now := time.Unix(1000, 0)
	r.clock = func() time.Time { return now }

	r.Queue("test1", "ubuntu:18.04")
	r.Queue("test2", "ubuntu:18.04")

	now = now.Add(1500 * time.Millisecond)
	got := r.TimedOut(1)
	if len(got) != 2 || got[0] != "test1" || got[1] != "test2" {
		t.Fatalf("TimedOut(1) = %v, want [test1 test2]", got)
	}
}

func TestTerminate(t *testing.T) {
	r := NewRegistry(1, 3)
	r.Queue("test1", "ubuntu:18.04")

	if !r.Terminate("test1") {
		t.Error("expected terminate of existing session to succeed")
	}
	if r.Terminate("test2") {
		t.Error("expected terminate of missing session to fail")
	}
	if _, ok := r.Lookup("test1"); ok {
		t.Error("expected session to be gone after terminate")
	}
}

func TestActivateSessionsNeverNegative(t *testing.T) {
	r := NewRegistry(0, 3)
	r.Queue("test1", "ubuntu:18.04")

	got := r.ActivateSessions(nil)
	if len(got) != 0 {
		t.Fatalf("ActivateSessions() with maxActive=0 = %v, want []", got)
	}
}
