package cache

import (
	"reflect"
	"testing"

	"github.com/mozilla-services/patches-server/internal/vuln"
)

func items(ids ...string) []vuln.Vulnerability {
	out := make([]vuln.Vulnerability, len(ids))
	for i, id := range ids {
		out[i] = vuln.Vulnerability{ID: id, Platform: "test"}
	}
	return out
}

func ids(vulns []vuln.Vulnerability) []string {
	out := make([]string, len(vulns))
	for i, v := range vulns {
		out[i] = v.ID
	}
	return out
}

func intPtr(n int) *int { return &n }

func TestCacheSize(t *testing.T) {
	c := New()
	c.Cache("test", items("1", "2", "3"))
	c.Cache("test2", items("a", "b"))

	if got := c.Size("test"); got != 3 {
		t.Errorf("Size(test) = %d, want 3", got)
	}
	if got := c.Size("test2"); got != 2 {
		t.Errorf("Size(test2) = %d, want 2", got)
	}
	if got := c.Size("test3"); got != 0 {
		t.Errorf("Size(test3) = %d, want 0 (no bucket)", got)
	}
}

func TestCacheSizeAccumulates(t *testing.T) {
	c := New()
	c.Cache("test", items("1", "2"))
	c.Cache("test", items("3", "4", "5"))

	if got := c.Size("test"); got != 5 {
		t.Errorf("Size(test) = %d, want 5 (total_count never resets)", got)
	}
}

func TestRemoveBucket(t *testing.T) {
	c := New()
	c.Cache("test", items("1", "2"))
	c.RemoveBucket("test")
	if got := c.Size("test"); got != 0 {
		t.Errorf("Size(test) after remove = %d, want 0", got)
	}
	if got := c.Retrieve("test", 0, nil); got != nil {
		t.Errorf("Retrieve(test) after remove = %v, want nil", got)
	}

	// Removing an absent bucket is a no-op, not an error.
	c.RemoveBucket("never-existed")
}

// TestRetrieveOffsetSemantics covers the offset/limit clamp rules,
// including the boundary cases past and at the end of the active window.
func TestRetrieveOffsetSemantics(t *testing.T) {
	c := New()
	c.Cache("test", items("1", "2", "3", "4", "5"))

	if got := ids(c.Retrieve("test", 0, nil)); !reflect.DeepEqual(got, []string{"1", "2", "3", "4", "5"}) {
		t.Errorf("Retrieve(offset=0) = %v", got)
	}
	if got := c.Retrieve("test2", 0, nil); got != nil {
		t.Errorf("Retrieve(missing bucket) = %v, want nil", got)
	}
	if got := ids(c.Retrieve("test", 3, nil)); !reflect.DeepEqual(got, []string{"4", "5"}) {
		t.Errorf("Retrieve(offset=3) = %v, want [4 5]", got)
	}
	if got := ids(c.Retrieve("test", 0, intPtr(10000))); !reflect.DeepEqual(got, []string{"1", "2", "3", "4", "5"}) {
		t.Errorf("Retrieve(limit=10000) = %v", got)
	}
	if got := ids(c.Retrieve("test", 2, intPtr(1))); !reflect.DeepEqual(got, []string{"3"}) {
		t.Errorf("Retrieve(offset=2,limit=1) = %v, want [3]", got)
	}

	// Refill: total_count becomes 9, active set becomes [6,7,8,9].
	c.Cache("test", items("6", "7", "8", "9"))

	if got := ids(c.Retrieve("test", 5, nil)); !reflect.DeepEqual(got, []string{"6", "7", "8", "9"}) {
		t.Errorf("Retrieve(offset=5) after refill = %v, want [6 7 8 9]", got)
	}
	if got := ids(c.Retrieve("test", 2, nil)); !reflect.DeepEqual(got, []string{"6", "7", "8", "9"}) {
		t.Errorf("Retrieve(offset=2) after refill = %v, want [6 7 8 9] (clamped into active set)", got)
	}
	if got := ids(c.Retrieve("test", 8, nil)); !reflect.DeepEqual(got, []string{"9"}) {
		t.Errorf("Retrieve(offset=8) after refill = %v, want [9]", got)
	}
	if got := c.Retrieve("test", 10, nil); len(got) != 0 {
		t.Errorf("Retrieve(offset=10) after refill = %v, want []", got)
	}
}

func TestRetrieveBeyondFullSetReturnsEmptyNotNil(t *testing.T) {
	c := New()
	c.Cache("test", items("1"))

	got := c.Retrieve("test", 5, nil)
	if got == nil {
		t.Fatal("Retrieve beyond full set returned nil, want empty slice (bucket exists)")
	}
	if len(got) != 0 {
		t.Errorf("Retrieve beyond full set = %v, want []", got)
	}
}

func TestTotalCountNeverDecreasesBelowItemsLen(t *testing.T) {
	c := New()
	c.Cache("p", items("1", "2", "3"))
	if c.Size("p") < len(c.Retrieve("p", 0, nil)) {
		t.Error("total_count < len(items), invariant violated")
	}
}
