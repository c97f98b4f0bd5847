package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/skillbridge/realtime-server/internal/auth"
	"github.com/skillbridge/realtime-server/internal/metrics"
)

// Pinger sends a liveness probe over the underlying transport.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Conn is the registry-owned record for one open socket. Managers reference
// connections by handle and talk to them only through these methods; no
// component mutates another connection's record directly.
type Conn struct {
	handle string

	mu            sync.Mutex
	identity      *auth.Identity
	chatGroups    map[string]struct{}
	videoRoom     string
	videoAuthRoom string
	codeGroup     string
	closed        bool
	out           chan any

	alive  atomic.Bool
	pinger Pinger

	// overflow is invoked when the outbound queue is full; the registry
	// installs a forced unregister here.
	overflow func(*Conn)

	cleanupOnce sync.Once
}

func newConn(handle string, queueSize int) *Conn {
	c := &Conn{
		handle:     handle,
		chatGroups: make(map[string]struct{}),
		out:        make(chan any, queueSize),
	}
	c.alive.Store(true)
	return c
}

// Handle returns the opaque connection handle.
func (c *Conn) Handle() string {
	return c.handle
}

// Identity returns the resolved identity, or nil before resolution.
func (c *Conn) Identity() *auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetIdentity attaches a verified identity. The first resolution wins;
// the identity is immutable for the connection's lifetime afterwards.
func (c *Conn) SetIdentity(id *auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		c.identity = id
	}
}

// Send enqueues an outbound frame. A full queue means the peer is not
// keeping up: the frame is dropped and the connection is scheduled for
// forced unregistration so a slow consumer never stalls a broadcast.
func (c *Conn) Send(frame any) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.out <- frame:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		metrics.BroadcastDrops.Inc()
		if c.overflow != nil {
			c.overflow(c)
		}
		return false
	}
}

// Outbound exposes the queue the transport write loop drains. The channel
// is closed when the connection is unregistered.
func (c *Conn) Outbound() <-chan any {
	return c.out
}

// AddChatGroup records a chat subscription. Returns false if already present.
func (c *Conn) AddChatGroup(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.chatGroups[group]; ok {
		return false
	}
	c.chatGroups[group] = struct{}{}
	return true
}

// RemoveChatGroup drops a chat subscription. Returns false if absent.
func (c *Conn) RemoveChatGroup(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.chatGroups[group]; !ok {
		return false
	}
	delete(c.chatGroups, group)
	return true
}

// ChatGroups returns a snapshot of current chat subscriptions.
func (c *Conn) ChatGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups := make([]string, 0, len(c.chatGroups))
	for g := range c.chatGroups {
		groups = append(groups, g)
	}
	return groups
}

// SetVideoAuth records the room the connection authenticated against.
func (c *Conn) SetVideoAuth(roomCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoAuthRoom = roomCode
}

// VideoAuth returns the room code supplied during authentication.
func (c *Conn) VideoAuth() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoAuthRoom
}

// SetVideoRoom records video room membership; a connection belongs to at
// most one room at a time.
func (c *Conn) SetVideoRoom(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoRoom = code
}

// VideoRoom returns the current room code, or "".
func (c *Conn) VideoRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoRoom
}

// SetCodeGroup records code-session membership; at most one at a time.
func (c *Conn) SetCodeGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codeGroup = group
}

// CodeGroup returns the current code-session group, or "".
func (c *Conn) CodeGroup() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codeGroup
}

// SetPinger installs the transport-level liveness probe.
func (c *Conn) SetPinger(p Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinger = p
}

// Ping probes the peer. Connections without a transport pinger count as live.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	p := c.pinger
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Ping(ctx)
}

// Alive reports whether the connection answered its last liveness probe.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// SetAlive updates the liveness flag.
func (c *Conn) SetAlive(v bool) {
	c.alive.Store(v)
}

// cleanup runs hooks exactly once and closes the outbound queue.
func (c *Conn) cleanup(hooks []func(*Conn)) {
	c.cleanupOnce.Do(func() {
		for _, hook := range hooks {
			hook(c)
		}
		c.mu.Lock()
		c.closed = true
		close(c.out)
		c.mu.Unlock()
	})
}
