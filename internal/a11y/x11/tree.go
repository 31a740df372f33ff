package x11

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/appdriver/internal/a11y"
)

// desktopNode is one X screen. Its applications are read from
// _NET_CLIENT_LIST the first time they are needed and then kept, so indexes
// stay stable for the lifetime of the node.
type desktopNode struct {
	screen int
	root   xproto.Window
	apps   []application
	loaded bool
}

func (d *desktopNode) ID() string {
	return "x11:screen:" + strconv.Itoa(d.screen)
}

type appNode struct {
	desktop *desktopNode
	index   int
}

func (a appNode) ID() string {
	return a.desktop.ID() + ":app:" + strconv.Itoa(a.index)
}

func (a appNode) app() application {
	return a.desktop.apps[a.index]
}

type windowNode struct {
	win xproto.Window
}

func (w windowNode) ID() string {
	return fmt.Sprintf("x11:0x%x", uint32(w.win))
}

// client is what grouping needs to know about a managed window.
type client struct {
	win   xproto.Window
	pid   int
	class string
}

// application is a group of client windows sharing a process, or a window
// class when the process is unknown.
type application struct {
	name    string
	windows []xproto.Window
}

// groupApplications groups clients by _NET_WM_PID, falling back to WM_CLASS,
// keeping the stacking order of _NET_CLIENT_LIST within and across groups.
func groupApplications(clients []client) []application {
	var apps []application
	index := make(map[string]int)
	for _, c := range clients {
		var key string
		switch {
		case c.pid > 0:
			key = "pid:" + strconv.Itoa(c.pid)
		case c.class != "":
			key = "class:" + c.class
		default:
			key = fmt.Sprintf("window:0x%x", uint32(c.win))
		}

		i, ok := index[key]
		if !ok {
			i = len(apps)
			index[key] = i
			apps = append(apps, application{name: appName(c)})
		}
		if apps[i].name == "" && c.class != "" {
			apps[i].name = c.class
		}
		apps[i].windows = append(apps[i].windows, c.win)
	}
	return apps
}

func appName(c client) string {
	if c.class != "" {
		return c.class
	}
	if c.pid > 0 {
		return "pid " + strconv.Itoa(c.pid)
	}
	return ""
}

// parseWindows decodes a list of 32-bit window IDs.
func parseWindows(value []byte) []xproto.Window {
	windows := make([]xproto.Window, 0, len(value)/4)
	for i := 0; i+4 <= len(value); i += 4 {
		windows = append(windows, xproto.Window(xgb.Get32(value[i:])))
	}
	return windows
}

func parseAtoms(value []byte) []xproto.Atom {
	atoms := make([]xproto.Atom, 0, len(value)/4)
	for i := 0; i+4 <= len(value); i += 4 {
		atoms = append(atoms, xproto.Atom(xgb.Get32(value[i:])))
	}
	return atoms
}

// parseClass extracts the class half of WM_CLASS, "instance\0class\0",
// falling back to the instance.
func parseClass(raw string) string {
	parts := strings.Split(raw, "\x00")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	if len(parts) >= 1 {
		return parts[0]
	}
	return ""
}

// roleFor maps _NET_WM_WINDOW_TYPE to a role. The first known type wins;
// a window without a type is a normal top-level frame.
func roleFor(types []xproto.Atom, known map[xproto.Atom]a11y.Role) a11y.Role {
	if len(types) == 0 {
		return a11y.RoleFrame
	}
	for _, t := range types {
		if role, ok := known[t]; ok {
			return role
		}
	}
	return a11y.RoleWindow
}
