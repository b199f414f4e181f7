package admission

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestController() (*Controller, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := NewController()
	c.now = clock.now
	return c, clock
}

func TestSessionKeyExplicitID(t *testing.T) {
	body := []byte(`{"session_id":"sess-1","messages":[{"role":"user","content":"hi"}]}`)
	if got := SessionKey(body); got != "sess-1" {
		t.Errorf("SessionKey = %q", got)
	}
}

func TestSessionKeyFromMessages(t *testing.T) {
	a := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"yo"}]}`)
	b := []byte(`{"model":"other","temperature":0.9,"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"different"}]}`)

	keyA, keyB := SessionKey(a), SessionKey(b)
	if !strings.HasPrefix(keyA, "msg_2_") {
		t.Errorf("key = %q, want msg_2_ prefix", keyA)
	}
	// Same first message and same count: same conversation.
	if keyA != keyB {
		t.Errorf("keys differ for same first message and count: %q vs %q", keyA, keyB)
	}

	// One more turn in the loop gives a new key.
	c := []byte(`{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"yo"},{"role":"user","content":"more"}]}`)
	if SessionKey(c) == keyA {
		t.Error("different message count should change the key")
	}
}

func TestSessionKeyFromInput(t *testing.T) {
	body := []byte(`{"input":[{"type":"message","role":"user","content":"hi"}]}`)
	if got := SessionKey(body); !strings.HasPrefix(got, "input_1_") {
		t.Errorf("key = %q, want input_1_ prefix", got)
	}
}

func TestSessionKeyFallback(t *testing.T) {
	body := []byte(`{"prompt":"hi"}`)
	if got := SessionKey(body); !strings.HasPrefix(got, "req_") {
		t.Errorf("key = %q, want req_ prefix", got)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	c, clock := newTestController()
	body := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	key := SessionKey(body)

	if r := c.Begin(key, body); !r.Accepted {
		t.Fatalf("first request rejected: %+v", r)
	}

	clock.advance(500 * time.Millisecond)
	r := c.Begin(key, body)
	if r.Accepted {
		t.Fatal("duplicate inside the window should be rejected")
	}
	if !strings.Contains(r.Reason, "Duplicate") {
		t.Errorf("reason = %q, want it to mention Duplicate", r.Reason)
	}

	c.End(key)
	clock.advance(3 * time.Second)
	if r = c.Begin(key, body); !r.Accepted {
		t.Errorf("request after completion and window should be admitted: %+v", r)
	}
}

func TestSessionBusy(t *testing.T) {
	c, clock := newTestController()
	key := "sess-busy"
	first := []byte(`{"session_id":"sess-busy","messages":[{"role":"user","content":"one"}]}`)
	second := []byte(`{"session_id":"sess-busy","messages":[{"role":"user","content":"two"}]}`)

	if r := c.Begin(key, first); !r.Accepted {
		t.Fatalf("first rejected: %+v", r)
	}
	clock.advance(5 * time.Second)
	r := c.Begin(key, second)
	if r.Accepted {
		t.Fatal("second request on a busy session should be rejected")
	}
	if r.Reason != ReasonSessionBusy {
		t.Errorf("reason = %q", r.Reason)
	}

	c.End(key)
	if r = c.Begin(key, second); !r.Accepted {
		t.Errorf("session should be free after End: %+v", r)
	}
}

func TestAtMostOneAdmittedPerSession(t *testing.T) {
	c, clock := newTestController()
	key := "sess-seq"

	admitted := 0
	for i := 0; i < 20; i++ {
		body := []byte(`{"session_id":"sess-seq","n":` + string(rune('0'+i%10)) + `}`)
		if c.Begin(key, body).Accepted {
			admitted++
			if admitted > 1 {
				t.Fatal("more than one simultaneous request admitted for one session")
			}
		}
		if i%3 == 2 && admitted > 0 {
			c.End(key)
			admitted--
		}
		clock.advance(100 * time.Millisecond)
	}
}

func TestAbandonedSessionExpires(t *testing.T) {
	c, clock := newTestController()
	key := "sess-stale"
	body := []byte(`{"session_id":"sess-stale"}`)

	if r := c.Begin(key, body); !r.Accepted {
		t.Fatalf("first rejected: %+v", r)
	}
	// Never ended; after the expiry a new request takes over.
	clock.advance(6 * time.Minute)
	if r := c.Begin(key, body); !r.Accepted {
		t.Errorf("expired session should not block: %+v", r)
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	c, clock := newTestController()
	body := []byte(`{"session_id":"sweep"}`)
	c.Begin("sweep", body)
	c.End("sweep")

	clock.advance(2 * time.Minute)
	c.sweep()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.dedupe) != 0 {
		t.Errorf("dedupe table not swept: %d entries", len(c.dedupe))
	}
	if len(c.active) != 0 {
		t.Errorf("active table not swept: %d entries", len(c.active))
	}
}
