package a11y

import (
	"fmt"
	"strconv"
	"strings"
)

// Role is the accessible role of a node. Values follow the AT-SPI2 role
// numbering so the D-Bus backend can pass them through unchanged.
type Role uint32

const (
	RoleInvalid      Role = 0
	RoleDesktopFrame Role = 14
	RoleDialog       Role = 16
	RoleFrame        Role = 23
	RoleWindow       Role = 69
	RoleApplication  Role = 75
)

// String returns a short lowercase name for known roles.
func (r Role) String() string {
	switch r {
	case RoleInvalid:
		return "invalid"
	case RoleDesktopFrame:
		return "desktop frame"
	case RoleDialog:
		return "dialog"
	case RoleFrame:
		return "frame"
	case RoleWindow:
		return "window"
	case RoleApplication:
		return "application"
	default:
		return "role(" + strconv.FormatUint(uint64(r), 10) + ")"
	}
}

var roleNames = map[string]Role{
	"invalid":       RoleInvalid,
	"desktop frame": RoleDesktopFrame,
	"dialog":        RoleDialog,
	"frame":         RoleFrame,
	"window":        RoleWindow,
	"application":   RoleApplication,
}

// ParseRole converts a role name as printed by Role.String, or a bare AT-SPI2
// role number, back into a Role.
func ParseRole(s string) (Role, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if r, ok := roleNames[key]; ok {
		return r, nil
	}
	if n, err := strconv.ParseUint(key, 10, 32); err == nil {
		return Role(n), nil
	}
	return RoleInvalid, fmt.Errorf("unknown role: %q", s)
}

// EventWindowActivate is emitted when a top-level window becomes active.
const EventWindowActivate = "window:activate"

// Node is an opaque reference to an element of the accessibility tree.
// Nodes are owned by the Provider that produced them and must be handed back
// with Release exactly once.
type Node interface {
	// ID identifies the element within its provider.
	ID() string
}

// Event is a notification pushed by a provider. Source is borrowed for the
// duration of the callback; call Retain to keep it.
type Event struct {
	Type   string
	Source Node
}

// Subscription is the handle returned by Subscribe.
type Subscription interface{}

// ErrorHandler is consulted when a provider operation faults. Returning true
// marks the fault as handled: the operation then returns its zero value and
// a nil error.
type ErrorHandler func(f *Fault) bool

// Provider is an accessibility tree service. Implementations must be safe for
// concurrent use: event callbacks run on provider goroutines while the caller
// may still be walking the tree.
type Provider interface {
	// Init prepares the provider for one search. It returns ErrNotEnabled when
	// accessibility support is switched off.
	Init() error

	// Shutdown undoes Init and returns the number of nodes that were fetched
	// but never released.
	Shutdown() int

	DesktopCount() (int, error)
	Desktop(index int) (Node, error)
	ChildCount(n Node) (int, error)

	// ChildAt returns the child at index. A nil Node with a nil error denotes
	// an absent slot.
	ChildAt(n Node, index int) (Node, error)

	Role(n Node) (Role, error)
	Name(n Node) (string, error)

	// Retain takes an additional reference on n.
	Retain(n Node) Node
	Release(n Node)

	Subscribe(event string, fn func(Event)) (Subscription, error)
	UnsubscribeAll(sub Subscription) error

	PushErrorHandler(h ErrorHandler) bool
	PopErrorHandler()
}
