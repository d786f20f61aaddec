package tornago

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	opPortAllocator = "PortAllocator"

	// defaultMaxPortResolveAttempts bounds the forward scan in reserve, per spec §4.3.
	defaultMaxPortResolveAttempts = 20
)

// PortRole classifies what a reserved port is used for. Roles share the
// "no port reserved twice" invariant but are tracked separately so the
// torrc renderer knows which ListenerSet a Port belongs to.
type PortRole string

const (
	// PortRoleSocks marks a port reserved for a SocksPort listener.
	PortRoleSocks PortRole = "socks"
	// PortRoleControl marks a port reserved for a ControlPort listener.
	PortRoleControl PortRole = "control"
	// PortRoleHiddenServiceTarget marks a port reserved as a hidden service's
	// local target port.
	PortRoleHiddenServiceTarget PortRole = "hidden_service_target"
)

// Port is a 16-bit TCP port bound to 127.0.0.1, per spec §3 DATA MODEL.
type Port struct {
	// Number is the TCP port number.
	Number int
	// Role classifies what this port is used for.
	Role PortRole
}

// PortAllocator probes 127.0.0.1 TCP availability and resolves collisions by
// scanning forward from a requested port, per spec §4.3. With collision
// resolution enabled it never hands out a port that is still reserved
// (Release makes a port available again); with it disabled, Reserve returns
// the requested port even if it is already reserved.
type PortAllocator struct {
	mu               sync.Mutex
	reserved         map[int]PortRole
	maxResolveTries  int
	collisionResolve bool
}

// NewPortAllocator returns a PortAllocator. When collisionResolve is false,
// Reserve returns the requested port unchecked, same as spec §4.3's
// "collisionResolve disabled for the role" path.
func NewPortAllocator(collisionResolve bool) *PortAllocator {
	return &PortAllocator{
		reserved:         make(map[int]PortRole),
		maxResolveTries:  defaultMaxPortResolveAttempts,
		collisionResolve: collisionResolve,
	}
}

// WithMaxResolveAttempts overrides the default forward-scan bound (20).
func (a *PortAllocator) WithMaxResolveAttempts(n int) *PortAllocator {
	if n > 0 {
		a.maxResolveTries = n
	}
	return a
}

// Reserve returns a usable port for role, starting from requested. If
// collision resolution is disabled, requested is returned as-is and the
// caller accepts failure at bind time. Otherwise Reserve probes
// 127.0.0.1:<port> by binding; on failure it increments the port and
// retries up to maxPortResolveAttempts, skipping ports already reserved by
// this allocator. Reserve never loops unbounded.
func (a *PortAllocator) Reserve(ctx context.Context, requested int, role PortRole) (Port, error) {
	if requested <= 0 || requested > 65535 {
		return Port{}, newError(ErrPortAllocationFailed, opPortAllocator, "requested port out of range", nil)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.collisionResolve {
		a.reserved[requested] = role
		return Port{Number: requested, Role: role}, nil
	}

	candidate := requested
	for attempt := 0; attempt < a.maxResolveTries; attempt++ {
		if candidate > 65535 {
			break
		}
		if _, taken := a.reserved[candidate]; !taken && a.bindable(ctx, candidate) {
			a.reserved[candidate] = role
			return Port{Number: candidate, Role: role}, nil
		}
		candidate++
	}

	return Port{}, newError(ErrPortAllocationFailed, opPortAllocator,
		"no free port found within maxPortResolveAttempts", nil)
}

// Release frees a previously reserved port so it may be reused in a later
// Reserve call within the same allocator lifetime.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// bindable reports whether 127.0.0.1:port currently accepts a bind.
func (a *PortAllocator) bindable(ctx context.Context, port int) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
