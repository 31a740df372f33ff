// Package atspi implements the accessibility provider over AT-SPI2, the
// D-Bus based accessibility bus of GNOME, KDE and most X11/Wayland sessions.
package atspi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/bryanchriswhite/appdriver/internal/logger"
	"github.com/godbus/dbus/v5"
)

// AT-SPI2 D-Bus constants
const (
	launcherService   = "org.a11y.Bus"
	launcherPath      = "/org/a11y/bus"
	launcherInterface = "org.a11y.Bus"
	statusInterface   = "org.a11y.Status"

	registryService   = "org.a11y.atspi.Registry"
	registryPath      = "/org/a11y/atspi/registry"
	registryInterface = "org.a11y.atspi.Registry"
	rootPath          = "/org/a11y/atspi/accessible/root"
	nullPath          = "/org/a11y/atspi/null"

	accessibleInterface  = "org.a11y.atspi.Accessible"
	windowEventInterface = "org.a11y.atspi.Event.Window"
)

// DefaultCallTimeout bounds every D-Bus method call. A peer that does not
// answer in time is reported as a transient communication failure.
const DefaultCallTimeout = time.Second

// node is a reference to a remote accessible object.
type node struct {
	bus  string
	path dbus.ObjectPath
}

func (n node) ID() string {
	return n.bus + ":" + string(n.path)
}

// reference is the (so) pair AT-SPI2 uses for object references.
type reference struct {
	Name string
	Path dbus.ObjectPath
}

func (r reference) null() bool {
	return r.Name == "" || r.Path == "" || r.Path == nullPath
}

type subscription struct {
	id    int
	event string
	fn    func(a11y.Event)
}

// Provider talks to the accessibility bus.
type Provider struct {
	a11y.Handlers

	callTimeout time.Duration

	mu       sync.Mutex
	session  *dbus.Conn
	conn     *dbus.Conn
	subs     map[int]*subscription
	nextSub  int
	signals  chan *dbus.Signal
	stopChan chan struct{}
	stopped  chan struct{}
	refs     a11y.Refs
}

// New returns an uninitialised provider. A zero callTimeout means
// DefaultCallTimeout.
func New(callTimeout time.Duration) *Provider {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Provider{callTimeout: callTimeout, subs: make(map[int]*subscription)}
}

// Init connects to the accessibility bus announced on the session bus.
func (p *Provider) Init() error {
	log := logger.WithComponent("atspi")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return errors.New("atspi: already initialized")
	}

	session, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}

	launcher := session.Object(launcherService, launcherPath)
	enabled, err := launcher.GetProperty(statusInterface + ".IsEnabled")
	if err == nil {
		if on, ok := enabled.Value().(bool); ok && !on {
			session.Close()
			return a11y.ErrNotEnabled
		}
	} else {
		log.Debug().Err(err).Msg("Accessibility status unavailable, assuming enabled")
	}

	var address string
	ctx, cancel := context.WithTimeout(context.Background(), p.callTimeout)
	defer cancel()
	if err := launcher.CallWithContext(ctx, launcherInterface+".GetAddress", 0).Store(&address); err != nil {
		session.Close()
		if isServiceUnknown(err) {
			return a11y.ErrNotEnabled
		}
		return fmt.Errorf("failed to get accessibility bus address: %w", err)
	}

	conn, err := dbus.Connect(address)
	if err != nil {
		session.Close()
		return fmt.Errorf("failed to connect to accessibility bus: %w", err)
	}

	p.session = session
	p.conn = conn
	log.Debug().Str("address", address).Msg("Connected to accessibility bus")
	return nil
}

// Shutdown drops every subscription, closes both connections and returns
// the number of node references still held.
func (p *Provider) Shutdown() int {
	p.mu.Lock()
	subs := len(p.subs)
	p.mu.Unlock()
	if subs > 0 {
		logger.WithComponent("atspi").Warn().Int("subscriptions", subs).Msg("Shutting down with active subscriptions")
		p.stopDispatch()
	}

	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	if p.session != nil {
		p.session.Close()
		p.session = nil
	}
	p.subs = make(map[int]*subscription)
	p.mu.Unlock()

	return p.refs.Reset()
}

func (p *Provider) connection() (*dbus.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, errors.New("atspi: not initialized")
	}
	return p.conn, nil
}

// call invokes method on n with args and stores the reply in ret. Failed
// calls are offered to the error handler stack; handled reports whether one
// swallowed it.
func (p *Provider) call(op string, n node, method string, args []interface{}, ret ...interface{}) (handled bool, err error) {
	conn, err := p.connection()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.callTimeout)
	defer cancel()

	c := conn.Object(n.bus, n.path).CallWithContext(ctx, method, 0, args...)
	if c.Err != nil {
		if err := p.Raise(classify(op, c.Err)); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := c.Store(ret...); err != nil {
		return false, &a11y.Fault{Op: op, Description: "unexpected reply", Err: err}
	}
	return false, nil
}

func (p *Provider) property(op string, n node, name string) (dbus.Variant, bool, error) {
	conn, err := p.connection()
	if err != nil {
		return dbus.Variant{}, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.callTimeout)
	defer cancel()

	var v dbus.Variant
	err = conn.Object(n.bus, n.path).
		CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, accessibleInterface, name).
		Store(&v)
	if err == nil {
		return v, false, nil
	}
	if err := p.Raise(classify(op, err)); err != nil {
		return dbus.Variant{}, false, err
	}
	return dbus.Variant{}, true, nil
}

func asNode(op string, n a11y.Node) (node, error) {
	nd, ok := n.(node)
	if !ok {
		return node{}, &a11y.Fault{Op: op, Description: fmt.Sprintf("foreign node %T", n), Fatal: true}
	}
	return nd, nil
}

// DesktopCount is always one on AT-SPI2: the registry root is the desktop.
func (p *Provider) DesktopCount() (int, error) {
	if _, err := p.connection(); err != nil {
		return 0, err
	}
	return 1, nil
}

func (p *Provider) Desktop(index int) (a11y.Node, error) {
	if _, err := p.connection(); err != nil {
		return nil, err
	}
	if index != 0 {
		return nil, &a11y.Fault{Op: "Desktop", Description: "index out of range", Fatal: true}
	}
	n := node{bus: registryService, path: rootPath}
	p.refs.Acquire(n.ID())
	return n, nil
}

func (p *Provider) ChildCount(n a11y.Node) (int, error) {
	nd, err := asNode("ChildCount", n)
	if err != nil {
		return 0, err
	}
	v, handled, err := p.property("ChildCount", nd, "ChildCount")
	if err != nil || handled {
		return 0, err
	}
	count, ok := v.Value().(int32)
	if !ok {
		return 0, &a11y.Fault{Op: "ChildCount", Description: "unexpected reply type " + v.Signature().String()}
	}
	return int(count), nil
}

func (p *Provider) ChildAt(n a11y.Node, index int) (a11y.Node, error) {
	nd, err := asNode("ChildAt", n)
	if err != nil {
		return nil, err
	}
	var ref reference
	handled, err := p.call("ChildAt", nd, accessibleInterface+".GetChildAtIndex", []interface{}{int32(index)}, &ref)
	if err != nil || handled {
		return nil, err
	}
	if ref.null() {
		return nil, nil
	}
	child := node{bus: ref.Name, path: ref.Path}
	p.refs.Acquire(child.ID())
	return child, nil
}

func (p *Provider) Role(n a11y.Node) (a11y.Role, error) {
	nd, err := asNode("Role", n)
	if err != nil {
		return a11y.RoleInvalid, err
	}
	var role uint32
	handled, err := p.call("Role", nd, accessibleInterface+".GetRole", nil, &role)
	if err != nil || handled {
		return a11y.RoleInvalid, err
	}
	return a11y.Role(role), nil
}

func (p *Provider) Name(n a11y.Node) (string, error) {
	nd, err := asNode("Name", n)
	if err != nil {
		return "", err
	}
	v, handled, err := p.property("Name", nd, "Name")
	if err != nil || handled {
		return "", err
	}
	name, ok := v.Value().(string)
	if !ok {
		return "", &a11y.Fault{Op: "Name", Description: "unexpected reply type " + v.Signature().String()}
	}
	return name, nil
}

func (p *Provider) Retain(n a11y.Node) a11y.Node {
	if nd, ok := n.(node); ok {
		p.refs.Acquire(nd.ID())
	}
	return n
}

func (p *Provider) Release(n a11y.Node) {
	nd, ok := n.(node)
	if !ok {
		return
	}
	if !p.refs.Drop(nd.ID()) {
		logger.WithComponent("atspi").Warn().Str("node", nd.ID()).Msg("Release of unreferenced node")
	}
}

var _ a11y.Provider = (*Provider)(nil)
