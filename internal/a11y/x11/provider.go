// Package x11 implements the accessibility provider over EWMH window
// manager hints. Screens are desktops, client processes are applications
// and their managed top-level windows are frames. Activation events come
// from changes of _NET_ACTIVE_WINDOW.
package x11

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/bryanchriswhite/appdriver/internal/logger"
)

var windowTypeRoles = map[string]a11y.Role{
	"_NET_WM_WINDOW_TYPE_NORMAL":  a11y.RoleFrame,
	"_NET_WM_WINDOW_TYPE_DIALOG":  a11y.RoleDialog,
	"_NET_WM_WINDOW_TYPE_UTILITY": a11y.RoleWindow,
	"_NET_WM_WINDOW_TYPE_SPLASH":  a11y.RoleWindow,
	"_NET_WM_WINDOW_TYPE_TOOLBAR": a11y.RoleWindow,
}

type subscription struct {
	id    int
	event string
	fn    func(a11y.Event)
}

// Provider reads the window tree from an X server.
type Provider struct {
	a11y.Handlers

	mu        sync.Mutex
	conn      *xgb.Conn
	atoms     map[string]xproto.Atom
	typeRoles map[xproto.Atom]a11y.Role
	subs      map[int]*subscription
	nextSub   int
	stopChan  chan struct{}
	stopped   chan struct{}
	refs      a11y.Refs
}

// New returns an unconnected provider.
func New() *Provider {
	return &Provider{subs: make(map[int]*subscription)}
}

// Init connects to the X server named by $DISPLAY.
func (p *Provider) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return errors.New("x11: already initialized")
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	p.conn = conn
	p.atoms = make(map[string]xproto.Atom)
	p.typeRoles = make(map[xproto.Atom]a11y.Role)

	for name, role := range windowTypeRoles {
		atom, err := p.internLocked(name)
		if err != nil {
			conn.Close()
			p.conn = nil
			return fmt.Errorf("failed to intern %s: %w", name, err)
		}
		p.typeRoles[atom] = role
	}

	logger.WithComponent("x11").Debug().Int("screens", len(xproto.Setup(conn).Roots)).Msg("Connected to X server")
	return nil
}

// Shutdown stops event delivery, closes the connection and returns the
// number of node references still held.
func (p *Provider) Shutdown() int {
	p.stopWatching()

	p.mu.Lock()
	if len(p.subs) > 0 {
		logger.WithComponent("x11").Warn().Int("subscriptions", len(p.subs)).Msg("Shutting down with active subscriptions")
	}
	p.subs = make(map[int]*subscription)
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()

	return p.refs.Reset()
}

func (p *Provider) connection() (*xgb.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, errors.New("x11: not initialized")
	}
	return p.conn, nil
}

func (p *Provider) internLocked(name string) (xproto.Atom, error) {
	if atom, ok := p.atoms[name]; ok {
		return atom, nil
	}
	reply, err := xproto.InternAtom(p.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	p.atoms[name] = reply.Atom
	return reply.Atom, nil
}

// getAtom gets an atom ID by name
func (p *Provider) getAtom(name string) (xproto.Atom, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return 0, errors.New("x11: not initialized")
	}
	return p.internLocked(name)
}

// property reads a whole property. A missing property is an empty value.
// Failures are offered to the error handler stack; handled reports whether
// one swallowed it.
func (p *Provider) property(op string, win xproto.Window, name string) (value []byte, handled bool, err error) {
	conn, err := p.connection()
	if err != nil {
		return nil, false, err
	}
	var reply *xproto.GetPropertyReply
	atom, err := p.getAtom(name)
	if err == nil {
		reply, err = xproto.GetProperty(conn, false, win, atom, xproto.GetPropertyTypeAny, 0, (1<<32)-1).Reply()
	}
	if err != nil {
		if err := p.Raise(classify(op, err)); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	return reply.Value, false, nil
}

// DesktopCount returns the number of X screens.
func (p *Provider) DesktopCount() (int, error) {
	conn, err := p.connection()
	if err != nil {
		return 0, err
	}
	return len(xproto.Setup(conn).Roots), nil
}

func (p *Provider) Desktop(index int) (a11y.Node, error) {
	conn, err := p.connection()
	if err != nil {
		return nil, err
	}
	roots := xproto.Setup(conn).Roots
	if index < 0 || index >= len(roots) {
		return nil, &a11y.Fault{Op: "Desktop", Description: "index out of range", Fatal: true}
	}
	d := &desktopNode{screen: index, root: roots[index].Root}
	p.refs.Acquire(d.ID())
	return d, nil
}

// load reads and groups the client list of d once.
func (p *Provider) load(d *desktopNode) error {
	if d.loaded {
		return nil
	}
	log := logger.WithComponent("x11")

	value, handled, err := p.property("ChildCount", d.root, "_NET_CLIENT_LIST")
	if err != nil || handled {
		return err
	}

	var clients []client
	for _, win := range parseWindows(value) {
		c, err := p.client(win)
		if err != nil {
			// Windows can disappear between listing and inspection.
			log.Debug().Uint32("winID", uint32(win)).Err(err).Msg("Skipping client window")
			continue
		}
		clients = append(clients, c)
	}

	d.apps = groupApplications(clients)
	d.loaded = true
	log.Debug().Int("clients", len(clients)).Int("applications", len(d.apps)).Msg("Loaded client list")
	return nil
}

func (p *Provider) client(win xproto.Window) (client, error) {
	conn, err := p.connection()
	if err != nil {
		return client{}, err
	}
	c := client{win: win}

	pidAtom, err := p.getAtom("_NET_WM_PID")
	if err != nil {
		return client{}, err
	}
	pidReply, err := xproto.GetProperty(conn, false, win, pidAtom, xproto.AtomCardinal, 0, 1).Reply()
	if err != nil {
		return client{}, err
	}
	if len(pidReply.Value) >= 4 {
		c.pid = int(xgb.Get32(pidReply.Value))
	}

	classAtom, err := p.getAtom("WM_CLASS")
	if err != nil {
		return client{}, err
	}
	classReply, err := xproto.GetProperty(conn, false, win, classAtom, xproto.AtomString, 0, 256).Reply()
	if err != nil {
		return client{}, err
	}
	c.class = parseClass(string(classReply.Value))
	return c, nil
}

func (p *Provider) ChildCount(n a11y.Node) (int, error) {
	switch n := n.(type) {
	case *desktopNode:
		if err := p.load(n); err != nil {
			return 0, err
		}
		return len(n.apps), nil
	case appNode:
		return len(n.app().windows), nil
	case windowNode:
		return 0, nil
	}
	return 0, foreign("ChildCount", n)
}

func (p *Provider) ChildAt(n a11y.Node, index int) (a11y.Node, error) {
	var child a11y.Node
	switch n := n.(type) {
	case *desktopNode:
		if err := p.load(n); err != nil {
			return nil, err
		}
		if index < 0 || index >= len(n.apps) {
			return nil, nil
		}
		child = appNode{desktop: n, index: index}
	case appNode:
		windows := n.app().windows
		if index < 0 || index >= len(windows) {
			return nil, nil
		}
		child = windowNode{win: windows[index]}
	case windowNode:
		return nil, nil
	default:
		return nil, foreign("ChildAt", n)
	}
	p.refs.Acquire(child.ID())
	return child, nil
}

func (p *Provider) Role(n a11y.Node) (a11y.Role, error) {
	switch n := n.(type) {
	case *desktopNode:
		return a11y.RoleDesktopFrame, nil
	case appNode:
		return a11y.RoleApplication, nil
	case windowNode:
		value, handled, err := p.property("Role", n.win, "_NET_WM_WINDOW_TYPE")
		if err != nil || handled {
			return a11y.RoleInvalid, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return roleFor(parseAtoms(value), p.typeRoles), nil
	}
	return a11y.RoleInvalid, foreign("Role", n)
}

func (p *Provider) Name(n a11y.Node) (string, error) {
	switch n := n.(type) {
	case *desktopNode:
		return "screen " + strconv.Itoa(n.screen), nil
	case appNode:
		return n.app().name, nil
	case windowNode:
		for _, prop := range []string{"_NET_WM_NAME", "WM_NAME"} {
			value, handled, err := p.property("Name", n.win, prop)
			if err != nil || handled {
				return "", err
			}
			if len(value) > 0 {
				return string(value), nil
			}
		}
		return "", nil
	}
	return "", foreign("Name", n)
}

func (p *Provider) Retain(n a11y.Node) a11y.Node {
	if n != nil {
		p.refs.Acquire(n.ID())
	}
	return n
}

func (p *Provider) Release(n a11y.Node) {
	if n == nil {
		return
	}
	if !p.refs.Drop(n.ID()) {
		logger.WithComponent("x11").Warn().Str("node", n.ID()).Msg("Release of unreferenced node")
	}
}

func foreign(op string, n a11y.Node) error {
	return &a11y.Fault{Op: op, Description: fmt.Sprintf("foreign node %T", n), Fatal: true}
}

// classify maps X errors to provider faults. A window that vanished while
// it was being inspected is a communication failure; other protocol errors
// are non-fatal; anything else means the connection is gone.
func classify(op string, err error) *a11y.Fault {
	switch err.(type) {
	case xproto.WindowError, xproto.DrawableError:
		return &a11y.Fault{Op: op, Description: a11y.CommFailure, Err: err}
	case xgb.Error:
		return &a11y.Fault{Op: op, Description: fmt.Sprintf("%T", err), Err: err}
	}
	return &a11y.Fault{Op: op, Description: "transport failure", Fatal: true, Err: err}
}

var _ a11y.Provider = (*Provider)(nil)
