package consent

import (
	"testing"
	"time"
)

func newTestCache(ttl time.Duration) (*Cache, *time.Time) {
	c := NewCache(ttl)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	key := Key{ServerName: "epic", PatientID: "123", ClientID: "app"}
	consents := []Consent{{ResourceType: "Consent", ID: "c1", Status: "active"}}

	c.Set(key, consents)

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("got %+v, want the stored consents", got)
	}
}

func TestCacheExpiryDeletesOnRead(t *testing.T) {
	c, now := newTestCache(time.Minute)
	key := Key{ServerName: "epic", PatientID: "123", ClientID: "app"}
	c.Set(key, []Consent{{ID: "c1"}})

	*now = now.Add(2 * time.Minute)

	if _, ok := c.Get(key); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expected lazy delete on read, have %d entries", c.Len())
	}
}

func TestCacheInvalidatePatient(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set(Key{ServerName: "epic", PatientID: "123", ClientID: "app-a"}, nil)
	c.Set(Key{ServerName: "cerner", PatientID: "123", ClientID: "app-b"}, nil)
	c.Set(Key{ServerName: "epic", PatientID: "456", ClientID: "app-a"}, nil)

	if n := c.InvalidatePatient("123", ""); n != 2 {
		t.Fatalf("InvalidatePatient across servers removed %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Fatalf("have %d entries, want 1", c.Len())
	}

	c.Set(Key{ServerName: "epic", PatientID: "456", ClientID: "app-b"}, nil)
	if n := c.InvalidatePatient("456", "epic"); n != 2 {
		t.Fatalf("InvalidatePatient scoped to server removed %d, want 2", n)
	}
}

func TestCacheInvalidateServer(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set(Key{ServerName: "epic", PatientID: "123", ClientID: "app"}, nil)
	c.Set(Key{ServerName: "epic", PatientID: "456", ClientID: "app"}, nil)
	c.Set(Key{ServerName: "cerner", PatientID: "123", ClientID: "app"}, nil)

	if n := c.InvalidateServer("epic"); n != 2 {
		t.Fatalf("InvalidateServer removed %d, want 2", n)
	}
	if _, ok := c.Get(Key{ServerName: "cerner", PatientID: "123", ClientID: "app"}); !ok {
		t.Fatal("entry for other server should survive")
	}
}

func TestCacheKeyFieldsDoNotCollide(t *testing.T) {
	// A patient id that happens to contain a server-like prefix must not be
	// swept by server invalidation.
	c, _ := newTestCache(time.Minute)
	c.Set(Key{ServerName: "hapi", PatientID: "hapi:99", ClientID: "app"}, nil)

	if n := c.InvalidateServer("hapi:99"); n != 0 {
		t.Fatalf("server invalidation matched a patient id, removed %d", n)
	}
	if n := c.InvalidatePatient("hapi", ""); n != 0 {
		t.Fatalf("patient invalidation matched a server name, removed %d", n)
	}
}

func TestCacheCleanup(t *testing.T) {
	c, now := newTestCache(time.Minute)
	c.Set(Key{ServerName: "epic", PatientID: "1", ClientID: "app"}, nil)
	c.SetTTL(Key{ServerName: "epic", PatientID: "2", ClientID: "app"}, nil, time.Hour)

	*now = now.Add(5 * time.Minute)

	if n := c.Cleanup(); n != 1 {
		t.Fatalf("Cleanup removed %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Fatalf("have %d entries after cleanup, want 1", c.Len())
	}
}

func TestCacheClear(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set(Key{ServerName: "epic", PatientID: "1", ClientID: "app"}, nil)
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("have %d entries after clear", c.Len())
	}
}
