package locator

import (
	"errors"
	"time"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
)

// DefaultTimeout bounds the wait for an activation event when a Request does
// not set one.
const DefaultTimeout = 500 * time.Millisecond

// Request asks for the frame whose name equals Title.
type Request struct {
	Title   string
	Timeout time.Duration
}

// Kind tags an Outcome.
type Kind int

const (
	Found Kind = iota + 1
	NotRunning
	ProviderError
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case NotRunning:
		return "not_running"
	case ProviderError:
		return "provider_error"
	default:
		return "unknown"
	}
}

// Match sources recorded in Window.Source.
const (
	SourceScan  = "scan"
	SourceEvent = "event"
)

// Window describes the frame a search found.
type Window struct {
	Title  string    `json:"title" yaml:"title"`
	Role   a11y.Role `json:"-" yaml:"-"`
	ID     string    `json:"id" yaml:"id"`
	Source string    `json:"source" yaml:"source"`
}

// Outcome is the single result of a search.
type Outcome struct {
	Kind   Kind
	Window Window
	Err    error

	// node is the matched frame, owned by the search until teardown.
	node a11y.Node
}

// Result translates the outcome into the Locate return convention.
func (o Outcome) Result() (Window, error) {
	switch o.Kind {
	case Found:
		return o.Window, nil
	case NotRunning:
		return Window{}, ErrNotRunning
	default:
		if o.Err == nil {
			return Window{}, errors.New("search ended without an outcome")
		}
		return Window{}, o.Err
	}
}

func found(n a11y.Node, title, source string) Outcome {
	return Outcome{
		Kind:   Found,
		Window: Window{Title: title, Role: a11y.RoleFrame, ID: n.ID(), Source: source},
		node:   n,
	}
}

func notRunning() Outcome {
	return Outcome{Kind: NotRunning, Err: ErrNotRunning}
}

func failed(err error) Outcome {
	return Outcome{Kind: ProviderError, Err: err}
}
