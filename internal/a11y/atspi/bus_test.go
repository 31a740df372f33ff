package atspi

import (
	"bufio"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startSessionBus runs a private dbus-daemon and points the session bus
// address at it.
func startSessionBus(t *testing.T) string {
	t.Helper()
	daemon, err := exec.LookPath("dbus-daemon")
	if err != nil {
		t.Skip("dbus-daemon not installed")
	}

	cmd := exec.Command(daemon, "--session", "--nofork", "--print-address")
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	if err := cmd.Start(); err != nil {
		t.Skipf("failed to start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	address, err := bufio.NewReader(out).ReadString('\n')
	if err != nil {
		t.Skipf("dbus-daemon did not report an address: %v", err)
	}
	address = strings.TrimSpace(address)
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", address)
	return address
}

type launcher struct {
	address string
}

func (l launcher) GetAddress() (string, *dbus.Error) {
	return l.address, nil
}

type registry struct {
	mu     sync.Mutex
	events []string
}

func (r *registry) RegisterEvent(event string) *dbus.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *registry) DeregisterEvent(event string) *dbus.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == event {
			r.events = append(r.events[:i], r.events[i+1:]...)
			break
		}
	}
	return nil
}

func (r *registry) registered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type accessible struct {
	owner    string
	role     a11y.Role
	children []dbus.ObjectPath
}

func (a *accessible) GetChildAtIndex(index int32) (reference, *dbus.Error) {
	if index < 0 || int(index) >= len(a.children) {
		return reference{Name: a.owner, Path: nullPath}, nil
	}
	return reference{Name: a.owner, Path: a.children[index]}, nil
}

func (a *accessible) GetRole() (uint32, *dbus.Error) {
	return uint32(a.role), nil
}

// fakeDesktop serves the launcher, the registry and a small accessible tree
// from one peer connection.
type fakeDesktop struct {
	conn     *dbus.Conn
	status   *prop.Properties
	registry *registry
}

func (f *fakeDesktop) export(t *testing.T, path dbus.ObjectPath, name string, role a11y.Role, children ...dbus.ObjectPath) {
	t.Helper()
	a := &accessible{owner: f.conn.Names()[0], role: role, children: children}
	require.NoError(t, f.conn.Export(a, path, accessibleInterface))
	_, err := prop.Export(f.conn, path, prop.Map{
		accessibleInterface: {
			"Name":       {Value: name, Emit: prop.EmitFalse},
			"ChildCount": {Value: int32(len(children)), Emit: prop.EmitFalse},
		},
	})
	require.NoError(t, err)
}

const (
	appPath    = dbus.ObjectPath("/org/a11y/atspi/accessible/1")
	shellPath  = dbus.ObjectPath("/org/a11y/atspi/accessible/2")
	editorPath = dbus.ObjectPath("/org/a11y/atspi/accessible/3")
)

func startFakeDesktop(t *testing.T) *fakeDesktop {
	t.Helper()
	address := startSessionBus(t)

	conn, err := dbus.ConnectSessionBus()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	for _, name := range []string{launcherService, registryService} {
		reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
		require.NoError(t, err)
		require.Equal(t, dbus.RequestNameReplyPrimaryOwner, reply, name)
	}

	f := &fakeDesktop{conn: conn, registry: &registry{}}
	require.NoError(t, conn.Export(launcher{address: address}, launcherPath, launcherInterface))
	f.status, err = prop.Export(conn, launcherPath, prop.Map{
		statusInterface: {"IsEnabled": {Value: true, Emit: prop.EmitFalse}},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Export(f.registry, registryPath, registryInterface))

	f.export(t, rootPath, "main", a11y.RoleDesktopFrame, appPath)
	f.export(t, appPath, "gedit", a11y.RoleApplication, shellPath, editorPath)
	f.export(t, shellPath, "Shell", a11y.RoleFrame)
	f.export(t, editorPath, "Doc", a11y.RoleFrame)
	return f
}

func TestProvider_WalksTreeOverBus(t *testing.T) {
	f := startFakeDesktop(t)
	owner := f.conn.Names()[0]

	p := New(2 * time.Second)
	require.NoError(t, p.Init())

	count, err := p.DesktopCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	desktop, err := p.Desktop(0)
	require.NoError(t, err)

	count, err = p.ChildCount(desktop)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	app, err := p.ChildAt(desktop, 0)
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, owner+":"+string(appPath), app.ID())
	role, err := p.Role(app)
	require.NoError(t, err)
	assert.Equal(t, a11y.RoleApplication, role)
	name, err := p.Name(app)
	require.NoError(t, err)
	assert.Equal(t, "gedit", name)

	count, err = p.ChildCount(app)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The index travels with the call: the second child is the editor.
	frame, err := p.ChildAt(app, 1)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, owner+":"+string(editorPath), frame.ID())
	role, err = p.Role(frame)
	require.NoError(t, err)
	assert.Equal(t, a11y.RoleFrame, role)
	name, err = p.Name(frame)
	require.NoError(t, err)
	assert.Equal(t, "Doc", name)

	absent, err := p.ChildAt(app, 5)
	require.NoError(t, err)
	assert.Nil(t, absent)

	p.Release(frame)
	p.Release(app)
	p.Release(desktop)
	assert.Equal(t, 0, p.Shutdown())
}

func TestProvider_DeliversActivationFromBus(t *testing.T) {
	f := startFakeDesktop(t)
	owner := f.conn.Names()[0]

	p := New(2 * time.Second)
	require.NoError(t, p.Init())

	events := make(chan a11y.Event, 1)
	sub, err := p.Subscribe(a11y.EventWindowActivate, func(ev a11y.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{a11y.EventWindowActivate}, f.registry.registered())

	require.NoError(t, f.conn.Emit(editorPath, windowEventInterface+".Activate",
		"", int32(0), int32(0), dbus.MakeVariant(int32(0)), map[string]dbus.Variant{}))

	select {
	case ev := <-events:
		assert.Equal(t, a11y.EventWindowActivate, ev.Type)
		assert.Equal(t, owner+":"+string(editorPath), ev.Source.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("no activation event delivered")
	}

	require.NoError(t, p.UnsubscribeAll(sub))
	assert.Empty(t, f.registry.registered())
	assert.Equal(t, 0, p.Shutdown())
}

func TestProvider_InitReportsDisabledAccessibility(t *testing.T) {
	f := startFakeDesktop(t)
	f.status.SetMust(statusInterface, "IsEnabled", false)

	p := New(time.Second)
	assert.ErrorIs(t, p.Init(), a11y.ErrNotEnabled)
	assert.Equal(t, 0, p.Shutdown())
}
