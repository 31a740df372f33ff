package locator

import (
	"fmt"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
)

// held owns a node for one scope and releases it on exit unless kept.
type held struct {
	p    a11y.Provider
	n    a11y.Node
	kept bool
}

func hold(p a11y.Provider, n a11y.Node) *held {
	return &held{p: p, n: n}
}

func (h *held) keep() a11y.Node {
	h.kept = true
	return h.n
}

func (h *held) release() {
	if !h.kept && h.n != nil {
		h.p.Release(h.n)
	}
}

// Walker searches the desktop -> application -> frame levels of the tree
// for a frame with an exact title.
type Walker struct {
	provider a11y.Provider
	title    string
}

// NewWalker returns a walker matching frames named title.
func NewWalker(p a11y.Provider, title string) *Walker {
	return &Walker{provider: p, title: title}
}

// Match reports whether n is a frame named exactly like the target.
func (w *Walker) Match(n a11y.Node) (bool, error) {
	role, err := w.provider.Role(n)
	if err != nil {
		return false, err
	}
	if role != a11y.RoleFrame {
		return false, nil
	}
	name, err := w.provider.Name(n)
	if err != nil {
		return false, err
	}
	return name == w.title, nil
}

// Scan walks the applications under desktop in index order and returns the
// first matching frame. The caller owns the returned node; every other node
// fetched during the walk is released before Scan returns.
func (w *Walker) Scan(desktop a11y.Node) (a11y.Node, error) {
	count, err := w.applicationCount(desktop)
	if err != nil {
		return nil, err
	}

	for i := 0; i < count; i++ {
		match, err := w.scanApplication(desktop, i)
		if err != nil || match != nil {
			return match, err
		}
	}
	return nil, nil
}

func (w *Walker) applicationCount(desktop a11y.Node) (int, error) {
	count, err := w.provider.ChildCount(desktop)
	if err != nil {
		return 0, fmt.Errorf("failed to count applications: %w", err)
	}
	if count == 0 {
		return 0, &ConfigurationError{Err: a11y.ErrEmptyDesktop}
	}
	return count, nil
}

func (w *Walker) scanApplication(desktop a11y.Node, index int) (a11y.Node, error) {
	app, err := w.provider.ChildAt(desktop, index)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch application %d: %w", index, err)
	}
	if app == nil {
		return nil, nil
	}
	h := hold(w.provider, app)
	defer h.release()

	count, err := w.provider.ChildCount(app)
	if err != nil {
		return nil, fmt.Errorf("failed to count frames of application %d: %w", index, err)
	}
	for j := 0; j < count; j++ {
		child, err := w.provider.ChildAt(app, j)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch frame %d of application %d: %w", j, index, err)
		}
		if child == nil {
			continue
		}
		match, err := w.check(child)
		if err != nil || match != nil {
			return match, err
		}
	}
	return nil, nil
}

func (w *Walker) check(n a11y.Node) (a11y.Node, error) {
	h := hold(w.provider, n)
	defer h.release()

	ok, err := w.Match(n)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return h.keep(), nil
}

// FrameInfo is one entry of a frame listing.
type FrameInfo struct {
	Application string `json:"application" yaml:"application"`
	Title       string `json:"title" yaml:"title"`
}

// Frames lists every frame two levels below desktop, in tree order. It
// ignores the walker's title.
func (w *Walker) Frames(desktop a11y.Node) ([]FrameInfo, error) {
	count, err := w.applicationCount(desktop)
	if err != nil {
		return nil, err
	}

	frames := make([]FrameInfo, 0)
	for i := 0; i < count; i++ {
		appFrames, err := w.applicationFrames(desktop, i)
		if err != nil {
			return nil, err
		}
		frames = append(frames, appFrames...)
	}
	return frames, nil
}

func (w *Walker) applicationFrames(desktop a11y.Node, index int) ([]FrameInfo, error) {
	app, err := w.provider.ChildAt(desktop, index)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch application %d: %w", index, err)
	}
	if app == nil {
		return nil, nil
	}
	defer w.provider.Release(app)

	appName, err := w.provider.Name(app)
	if err != nil {
		return nil, err
	}
	count, err := w.provider.ChildCount(app)
	if err != nil {
		return nil, fmt.Errorf("failed to count frames of %q: %w", appName, err)
	}

	var frames []FrameInfo
	for j := 0; j < count; j++ {
		info, ok, err := w.describe(app, j)
		if err != nil {
			return nil, err
		}
		if ok {
			info.Application = appName
			frames = append(frames, info)
		}
	}
	return frames, nil
}

func (w *Walker) describe(app a11y.Node, index int) (FrameInfo, bool, error) {
	child, err := w.provider.ChildAt(app, index)
	if err != nil || child == nil {
		return FrameInfo{}, false, err
	}
	defer w.provider.Release(child)

	role, err := w.provider.Role(child)
	if err != nil || role != a11y.RoleFrame {
		return FrameInfo{}, false, err
	}
	name, err := w.provider.Name(child)
	if err != nil {
		return FrameInfo{}, false, err
	}
	return FrameInfo{Title: name}, true, nil
}
