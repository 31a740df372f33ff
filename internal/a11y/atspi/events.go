package atspi

import (
	"context"
	"fmt"
	"strings"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/bryanchriswhite/appdriver/internal/logger"
	"github.com/godbus/dbus/v5"
)

// signalFor maps an AT-SPI event name such as "window:activate" to the
// D-Bus interface and member its signal is emitted with.
func signalFor(event string) (iface, member string, err error) {
	parts := strings.Split(event, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid event name: %q", event)
	}
	return "org.a11y.atspi.Event." + camel(parts[0]), camel(parts[1]), nil
}

// camel turns "property-change" into "PropertyChange".
func camel(s string) string {
	var b strings.Builder
	for _, word := range strings.Split(s, "-") {
		if word == "" {
			continue
		}
		b.WriteString(strings.ToUpper(word[:1]))
		b.WriteString(word[1:])
	}
	return b.String()
}

// Subscribe registers fn for event. The first subscription starts the
// signal dispatch goroutine; callbacks run on it.
func (p *Provider) Subscribe(event string, fn func(a11y.Event)) (a11y.Subscription, error) {
	iface, member, err := signalFor(event)
	if err != nil {
		return nil, err
	}
	conn, err := p.connection()
	if err != nil {
		return nil, err
	}

	if err := p.register(conn, event, iface, member); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	s := &subscription{id: p.nextSub, event: event, fn: fn}
	p.subs[s.id] = s
	if p.signals == nil {
		p.signals = make(chan *dbus.Signal, 16)
		p.stopChan = make(chan struct{})
		p.stopped = make(chan struct{})
		conn.Signal(p.signals)
		go p.dispatch(p.signals, p.stopChan, p.stopped)
	}
	return s, nil
}

func (p *Provider) register(conn *dbus.Conn, event, iface, member string) error {
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	); err != nil {
		return fmt.Errorf("failed to add match for %s.%s: %w", iface, member, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.callTimeout)
	defer cancel()
	registry := conn.Object(registryService, registryPath)
	if err := registry.CallWithContext(ctx, registryInterface+".RegisterEvent", 0, event).Err; err != nil {
		conn.RemoveMatchSignal(dbus.WithMatchInterface(iface), dbus.WithMatchMember(member))
		return fmt.Errorf("failed to register %s with the registry: %w", event, err)
	}

	logger.WithComponent("atspi").Debug().Str("event", event).Msg("Registered event listener")
	return nil
}

func (p *Provider) deregister(conn *dbus.Conn, event string) error {
	iface, member, err := signalFor(event)
	if err != nil {
		return err
	}
	if err := conn.RemoveMatchSignal(
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	); err != nil {
		return fmt.Errorf("failed to remove match for %s.%s: %w", iface, member, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.callTimeout)
	defer cancel()
	registry := conn.Object(registryService, registryPath)
	if err := registry.CallWithContext(ctx, registryInterface+".DeregisterEvent", 0, event).Err; err != nil {
		return fmt.Errorf("failed to deregister %s with the registry: %w", event, err)
	}
	return nil
}

// UnsubscribeAll drops sub. Once no subscription is left the dispatch
// goroutine is stopped; that wait means it must not be called from an
// event callback.
func (p *Provider) UnsubscribeAll(sub a11y.Subscription) error {
	s, ok := sub.(*subscription)
	if !ok {
		return fmt.Errorf("atspi: foreign subscription %T", sub)
	}
	conn, err := p.connection()
	if err != nil {
		return err
	}

	p.mu.Lock()
	if _, ok := p.subs[s.id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("atspi: subscription %d not registered", s.id)
	}
	delete(p.subs, s.id)
	remaining := len(p.subs)
	p.mu.Unlock()

	err = p.deregister(conn, s.event)
	if remaining == 0 {
		p.stopDispatch()
	}
	return err
}

func (p *Provider) stopDispatch() {
	p.mu.Lock()
	signals, stop, stopped := p.signals, p.stopChan, p.stopped
	p.signals, p.stopChan, p.stopped = nil, nil, nil
	conn := p.conn
	p.mu.Unlock()

	if signals == nil {
		return
	}
	close(stop)
	<-stopped
	if conn != nil {
		conn.RemoveSignal(signals)
	}
}

// dispatch listens for D-Bus signals and fans them out to subscribers
func (p *Provider) dispatch(signals chan *dbus.Signal, stop, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig != nil {
				p.deliver(sig)
			}
		}
	}
}

func (p *Provider) deliver(sig *dbus.Signal) {
	p.mu.Lock()
	var targets []*subscription
	for _, s := range p.subs {
		iface, member, err := signalFor(s.event)
		if err == nil && sig.Name == iface+"."+member {
			targets = append(targets, s)
		}
	}
	p.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	// The source is borrowed: referenced for the callbacks only.
	src := node{bus: sig.Sender, path: sig.Path}
	p.refs.Acquire(src.ID())
	defer p.refs.Drop(src.ID())

	for _, s := range targets {
		s.fn(a11y.Event{Type: s.event, Source: src})
	}
}
