package atspi

import (
	"context"
	"errors"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/godbus/dbus/v5"
)

// D-Bus error names that mean the peer application went away or stopped
// answering. They are reported as a11y.CommFailure.
var commFailures = map[string]bool{
	"org.freedesktop.DBus.Error.NoReply":        true,
	"org.freedesktop.DBus.Error.Timeout":        true,
	"org.freedesktop.DBus.Error.ServiceUnknown": true,
	"org.freedesktop.DBus.Error.NameHasNoOwner": true,
	"org.freedesktop.DBus.Error.Disconnected":   true,
}

func errorName(err error) (string, bool) {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name, true
	}
	var pe *dbus.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Name, true
	}
	return "", false
}

// classify turns a failed call into a provider fault. Error replies are
// non-fatal: the bus is fine, one peer is not. Anything else is a transport
// failure and fatal, except a call that timed out.
func classify(op string, err error) *a11y.Fault {
	if name, ok := errorName(err); ok {
		desc := name
		if commFailures[name] {
			desc = a11y.CommFailure
		}
		return &a11y.Fault{Op: op, Description: desc, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &a11y.Fault{Op: op, Description: a11y.CommFailure, Err: err}
	}
	return &a11y.Fault{Op: op, Description: "transport failure", Fatal: true, Err: err}
}

func isServiceUnknown(err error) bool {
	name, ok := errorName(err)
	return ok && name == "org.freedesktop.DBus.Error.ServiceUnknown"
}
