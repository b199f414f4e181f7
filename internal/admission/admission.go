// Package admission bounds per-session parallelism to one request and
// suppresses exact duplicate requests inside a short window. Both guards key
// off the raw request body: tool-calling clients retry aggressively, and
// without this the upstream sees the same conversation several times at once.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// DedupeWindow is how long two identical bodies count as duplicates.
	DedupeWindow = 2 * time.Second
	// dedupeRetention keeps finished dedupe entries around for bookkeeping.
	dedupeRetention = 60 * time.Second
	// sessionExpiry marks an active entry abandoned.
	sessionExpiry = 5 * time.Minute
	// sweepInterval is how often stale entries are evicted.
	sweepInterval = 30 * time.Second
)

// Reasons returned to rejected callers.
const (
	ReasonDuplicate   = "Duplicate request in progress"
	ReasonSessionBusy = "Session busy"
)

type activeEntry struct {
	StartedAt   time.Time
	ContentHash string
}

type dedupeEntry struct {
	FirstSeenAt time.Time
	InProgress  bool
}

// Result is the outcome of Begin.
type Result struct {
	Accepted bool
	Reason   string
}

// Controller tracks in-flight requests by session key and recent request
// bodies by content hash.
type Controller struct {
	mu     sync.Mutex
	active map[string]*activeEntry
	dedupe map[string]*dedupeEntry
	now    func() time.Time
}

// NewController builds an empty controller.
func NewController() *Controller {
	return &Controller{
		active: make(map[string]*activeEntry),
		dedupe: make(map[string]*dedupeEntry),
		now:    time.Now,
	}
}

// hashPrefix returns the first 16 hex characters of the SHA-256 of data.
func hashPrefix(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// SessionKey derives the conversation identity from a request body: an
// explicit session_id wins; otherwise the first message or input item plus
// the sequence length, so successive turns of one tool-calling loop map to
// distinct keys; otherwise the whole body.
func SessionKey(body []byte) string {
	root := gjson.ParseBytes(body)
	if id := root.Get("session_id").String(); id != "" {
		return id
	}
	if messages := root.Get("messages"); messages.IsArray() {
		if items := messages.Array(); len(items) > 0 {
			return fmt.Sprintf("msg_%d_%s", len(items), hashPrefix([]byte(items[0].Raw)))
		}
	}
	if input := root.Get("input"); input.IsArray() {
		if items := input.Array(); len(items) > 0 {
			return fmt.Sprintf("input_%d_%s", len(items), hashPrefix([]byte(items[0].Raw)))
		}
	}
	return "req_" + hashPrefix(body)
}

// Begin admits or rejects a request. The duplicate check runs before the
// busy check so an identical retry reports as a duplicate rather than a
// session conflict.
func (c *Controller) Begin(sessionKey string, body []byte) Result {
	contentHash := hashPrefix(body)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.dedupe[contentHash]; ok && entry.InProgress && now.Sub(entry.FirstSeenAt) < DedupeWindow {
		return Result{Accepted: false, Reason: ReasonDuplicate}
	}
	if entry, ok := c.active[sessionKey]; ok && now.Sub(entry.StartedAt) < sessionExpiry {
		return Result{Accepted: false, Reason: ReasonSessionBusy}
	}

	c.active[sessionKey] = &activeEntry{StartedAt: now, ContentHash: contentHash}
	c.dedupe[contentHash] = &dedupeEntry{FirstSeenAt: now, InProgress: true}
	return Result{Accepted: true}
}

// End releases the session. The dedupe entry stays for the rest of its
// retention window with InProgress cleared.
func (c *Controller) End(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.active[sessionKey]
	if !ok {
		return
	}
	delete(c.active, sessionKey)
	if d, okDedupe := c.dedupe[entry.ContentHash]; okDedupe {
		d.InProgress = false
	}
}

// Run sweeps stale entries until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Controller) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.active {
		if now.Sub(entry.StartedAt) >= sessionExpiry {
			log.Warnf("evicting abandoned session %s", key)
			delete(c.active, key)
		}
	}
	for hash, entry := range c.dedupe {
		if now.Sub(entry.FirstSeenAt) >= dedupeRetention {
			delete(c.dedupe, hash)
		}
	}
}
