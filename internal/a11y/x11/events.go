package x11

import (
	"fmt"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/bryanchriswhite/appdriver/internal/logger"
)

// pollInterval is how long the event loop sleeps when the queue is empty.
const pollInterval = 10 * time.Millisecond

// Subscribe registers fn for window activation events. Only
// a11y.EventWindowActivate is supported.
func (p *Provider) Subscribe(event string, fn func(a11y.Event)) (a11y.Subscription, error) {
	if event != a11y.EventWindowActivate {
		return nil, fmt.Errorf("x11: unsupported event %q", event)
	}
	conn, err := p.connection()
	if err != nil {
		return nil, err
	}
	activeAtom, err := p.getAtom("_NET_ACTIVE_WINDOW")
	if err != nil {
		return nil, fmt.Errorf("failed to get _NET_ACTIVE_WINDOW atom: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopChan == nil {
		for _, screen := range xproto.Setup(conn).Roots {
			if err := xproto.ChangeWindowAttributesChecked(
				conn,
				screen.Root,
				xproto.CwEventMask,
				[]uint32{xproto.EventMaskPropertyChange},
			).Check(); err != nil {
				return nil, fmt.Errorf("failed to set event mask: %w", err)
			}
		}
		p.stopChan = make(chan struct{})
		p.stopped = make(chan struct{})
		go p.watchActivation(conn, activeAtom, p.stopChan, p.stopped)
	}

	p.nextSub++
	s := &subscription{id: p.nextSub, event: event, fn: fn}
	p.subs[s.id] = s
	return s, nil
}

// UnsubscribeAll drops sub and stops the event loop once nothing is
// subscribed. It must not be called from an event callback.
func (p *Provider) UnsubscribeAll(sub a11y.Subscription) error {
	s, ok := sub.(*subscription)
	if !ok {
		return fmt.Errorf("x11: foreign subscription %T", sub)
	}

	p.mu.Lock()
	if _, ok := p.subs[s.id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("x11: subscription %d not registered", s.id)
	}
	delete(p.subs, s.id)
	remaining := len(p.subs)
	p.mu.Unlock()

	if remaining == 0 {
		p.stopWatching()
	}
	return nil
}

func (p *Provider) stopWatching() {
	p.mu.Lock()
	stop, stopped := p.stopChan, p.stopped
	p.stopChan, p.stopped = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// watchActivation listens for X11 PropertyNotify events on the root windows
func (p *Provider) watchActivation(conn *xgb.Conn, activeAtom xproto.Atom, stop, stopped chan struct{}) {
	defer close(stopped)
	log := logger.WithComponent("x11")

	for {
		select {
		case <-stop:
			return
		default:
		}

		ev, err := conn.PollForEvent()
		if err != nil {
			// Errors of unchecked requests arrive here; they do not end the loop.
			log.Debug().Err(err).Msg("X11 event poll error")
			continue
		}
		if ev == nil {
			time.Sleep(pollInterval)
			continue
		}

		root, ok := activatedRoot(ev, activeAtom)
		if !ok {
			continue
		}
		active, aerr := p.activeWindow(conn, root, activeAtom)
		if aerr != nil {
			log.Debug().Err(aerr).Msg("Failed to read active window")
			continue
		}
		if active != 0 {
			p.deliver(windowNode{win: active})
		}
	}
}

// activatedRoot returns the root window whose _NET_ACTIVE_WINDOW was just
// set, if ev is such a change.
func activatedRoot(ev xgb.Event, activeAtom xproto.Atom) (xproto.Window, bool) {
	notify, ok := ev.(xproto.PropertyNotifyEvent)
	if !ok || notify.Atom != activeAtom || notify.State != xproto.PropertyNewValue {
		return 0, false
	}
	return notify.Window, true
}

func (p *Provider) activeWindow(conn *xgb.Conn, root xproto.Window, activeAtom xproto.Atom) (xproto.Window, error) {
	reply, err := xproto.GetProperty(conn, false, root, activeAtom, xproto.AtomWindow, 0, 1).Reply()
	if err != nil {
		return 0, err
	}
	if len(reply.Value) < 4 {
		return 0, nil
	}
	return xproto.Window(xgb.Get32(reply.Value)), nil
}

func (p *Provider) deliver(src windowNode) {
	p.mu.Lock()
	targets := make([]*subscription, 0, len(p.subs))
	for _, s := range p.subs {
		targets = append(targets, s)
	}
	p.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	// The source is borrowed: referenced for the callbacks only.
	p.refs.Acquire(src.ID())
	defer p.refs.Drop(src.ID())

	for _, s := range targets {
		s.fn(a11y.Event{Type: s.event, Source: src})
	}
}
