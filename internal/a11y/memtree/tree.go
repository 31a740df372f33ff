// Package memtree is an in-memory accessibility tree provider. It backs the
// fixture backend of the CLI and every locator test.
package memtree

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/bryanchriswhite/appdriver/internal/logger"
)

// Element is one node of the in-memory tree. A nil entry in Children is an
// absent slot.
type Element struct {
	Name     string
	Role     a11y.Role
	Children []*Element

	// Fault, when set, is raised by every query made against this element.
	Fault *a11y.Fault

	id string
}

// ID returns the identifier assigned when the element joined a tree.
func (e *Element) ID() string {
	return e.id
}

// Desktop builds a desktop root.
func Desktop(children ...*Element) *Element {
	return &Element{Name: "main", Role: a11y.RoleDesktopFrame, Children: children}
}

// App builds an application node.
func App(name string, children ...*Element) *Element {
	return &Element{Name: name, Role: a11y.RoleApplication, Children: children}
}

// Frame builds a top-level frame.
func Frame(name string) *Element {
	return &Element{Name: name, Role: a11y.RoleFrame}
}

// Arrival is a frame that appears under an application some time after Init,
// followed by a window activation event for it.
type Arrival struct {
	After time.Duration
	App   string
	Frame *Element
}

// Stats is a snapshot of the provider's lifecycle counters.
type Stats struct {
	Inits               int
	Shutdowns           int
	ActiveSubscriptions int
	LiveRefs            int
	DoubleReleases      int
}

type handle struct {
	el *Element
}

func (h handle) ID() string {
	return h.el.id
}

type subscription struct {
	id    int
	event string
	fn    func(a11y.Event)
}

// Tree implements a11y.Provider over Elements.
type Tree struct {
	a11y.Handlers

	// OnQuery, if set, runs before every Role query. Tests use it to inject
	// events while a scan is in progress.
	OnQuery func(e *Element)

	// OnInit, if set, runs at the end of every successful Init.
	OnInit func()

	mu          sync.Mutex
	desktops    []*Element
	arrivals    []Arrival
	nextID      int
	initialized bool
	initErr     error
	subErr      error
	subs        map[int]*subscription
	nextSub     int
	stats       Stats
	timers      []*time.Timer
	refs        a11y.Refs
}

// New returns a provider serving the given desktop roots.
func New(desktops ...*Element) *Tree {
	t := &Tree{subs: make(map[int]*subscription)}
	for _, d := range desktops {
		t.assignIDs(d)
	}
	t.desktops = desktops
	return t
}

func (t *Tree) assignIDs(e *Element) {
	if e == nil {
		return
	}
	if e.id == "" {
		t.nextID++
		e.id = "mem:" + strconv.Itoa(t.nextID)
	}
	for _, c := range e.Children {
		t.assignIDs(c)
	}
}

// SetInitError makes subsequent Init calls fail with err.
func (t *Tree) SetInitError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initErr = err
}

// SetSubscribeError makes subsequent Subscribe calls fail with err.
func (t *Tree) SetSubscribeError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subErr = err
}

// Schedule registers arrivals replayed after every Init.
func (t *Tree) Schedule(arrivals ...Arrival) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arrivals = append(t.arrivals, arrivals...)
}

// Stats returns the current lifecycle counters.
func (t *Tree) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.ActiveSubscriptions = len(t.subs)
	s.LiveRefs = t.refs.Leaks()
	return s
}

func (t *Tree) Init() error {
	if err := t.init(); err != nil {
		return err
	}
	if t.OnInit != nil {
		t.OnInit()
	}
	return nil
}

func (t *Tree) init() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initErr != nil {
		return t.initErr
	}
	if t.initialized {
		return errors.New("memtree: already initialized")
	}
	t.initialized = true
	t.stats.Inits++

	for _, a := range t.arrivals {
		t.timers = append(t.timers, time.AfterFunc(a.After, func() { t.arrive(a) }))
	}
	return nil
}

func (t *Tree) Shutdown() int {
	t.mu.Lock()
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = nil
	if t.initialized {
		t.initialized = false
		t.stats.Shutdowns++
	}
	t.mu.Unlock()
	return t.refs.Reset()
}

func (t *Tree) arrive(a Arrival) {
	log := logger.WithComponent("memtree")

	t.mu.Lock()
	var app *Element
	for _, d := range t.desktops {
		for _, c := range d.Children {
			if c != nil && c.Name == a.App {
				app = c
				break
			}
		}
	}
	if app == nil || !t.initialized {
		t.mu.Unlock()
		log.Warn().Str("app", a.App).Msg("Scheduled arrival has no application")
		return
	}
	t.assignIDs(a.Frame)
	present := false
	for _, c := range app.Children {
		if c == a.Frame {
			present = true
		}
	}
	if !present {
		app.Children = append(app.Children, a.Frame)
	}
	t.mu.Unlock()

	log.Debug().Str("app", a.App).Str("frame", a.Frame.Name).Msg("Frame arrived")
	t.Activate(a.Frame)
}

// Append adds child under parent and returns it.
func (t *Tree) Append(parent, child *Element) *Element {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assignIDs(child)
	parent.Children = append(parent.Children, child)
	return child
}

// Activate emits a window activation event for e. Callbacks run on a
// separate goroutine; Activate returns once they have all completed.
func (t *Tree) Activate(e *Element) {
	t.mu.Lock()
	t.assignIDs(e)
	var targets []*subscription
	for _, s := range t.subs {
		if s.event == a11y.EventWindowActivate {
			targets = append(targets, s)
		}
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range targets {
			// The source is borrowed: referenced for the callback only.
			t.refs.Acquire(e.id)
			s.fn(a11y.Event{Type: a11y.EventWindowActivate, Source: handle{el: e}})
			t.refs.Drop(e.id)
		}
	}()
	<-done
}

func (t *Tree) DesktopCount() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.desktops), nil
}

func (t *Tree) Desktop(index int) (a11y.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.desktops) {
		return nil, &a11y.Fault{Op: "Desktop", Description: "index out of range", Fatal: true}
	}
	d := t.desktops[index]
	t.refs.Acquire(d.id)
	return handle{el: d}, nil
}

func (t *Tree) element(op string, n a11y.Node) (*Element, error) {
	h, ok := n.(handle)
	if !ok || h.el == nil {
		return nil, &a11y.Fault{Op: op, Description: fmt.Sprintf("foreign node %T", n), Fatal: true}
	}
	if f := h.el.Fault; f != nil {
		raised := *f
		raised.Op = op
		if err := t.Raise(&raised); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return h.el, nil
}

func (t *Tree) ChildCount(n a11y.Node) (int, error) {
	e, err := t.element("ChildCount", n)
	if e == nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(e.Children), nil
}

func (t *Tree) ChildAt(n a11y.Node, index int) (a11y.Node, error) {
	e, err := t.element("ChildAt", n)
	if e == nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(e.Children) {
		return nil, nil
	}
	c := e.Children[index]
	if c == nil {
		return nil, nil
	}
	t.refs.Acquire(c.id)
	return handle{el: c}, nil
}

func (t *Tree) Role(n a11y.Node) (a11y.Role, error) {
	if h, ok := n.(handle); ok && t.OnQuery != nil {
		t.OnQuery(h.el)
	}
	e, err := t.element("Role", n)
	if e == nil {
		return a11y.RoleInvalid, err
	}
	return e.Role, nil
}

func (t *Tree) Name(n a11y.Node) (string, error) {
	e, err := t.element("Name", n)
	if e == nil {
		return "", err
	}
	return e.Name, nil
}

func (t *Tree) Retain(n a11y.Node) a11y.Node {
	if h, ok := n.(handle); ok {
		t.refs.Acquire(h.el.id)
	}
	return n
}

func (t *Tree) Release(n a11y.Node) {
	h, ok := n.(handle)
	if !ok {
		return
	}
	if !t.refs.Drop(h.el.id) {
		t.mu.Lock()
		t.stats.DoubleReleases++
		t.mu.Unlock()
		logger.WithComponent("memtree").Warn().Str("node", h.el.id).Msg("Release of unreferenced node")
	}
}

func (t *Tree) Subscribe(event string, fn func(a11y.Event)) (a11y.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subErr != nil {
		return nil, t.subErr
	}
	t.nextSub++
	s := &subscription{id: t.nextSub, event: event, fn: fn}
	t.subs[s.id] = s
	return s, nil
}

func (t *Tree) UnsubscribeAll(sub a11y.Subscription) error {
	s, ok := sub.(*subscription)
	if !ok {
		return fmt.Errorf("memtree: foreign subscription %T", sub)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[s.id]; !ok {
		return fmt.Errorf("memtree: subscription %d not registered", s.id)
	}
	delete(t.subs, s.id)
	return nil
}

var _ a11y.Provider = (*Tree)(nil)
