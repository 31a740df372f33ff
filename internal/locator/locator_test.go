package locator

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"github.com/bryanchriswhite/appdriver/internal/a11y/memtree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertTornDown checks that every search left the provider clean.
func assertTornDown(t *testing.T, tree *memtree.Tree, searches int) {
	t.Helper()
	s := tree.Stats()
	assert.Equal(t, searches, s.Inits, "inits")
	assert.Equal(t, searches, s.Shutdowns, "shutdowns")
	assert.Equal(t, 0, s.ActiveSubscriptions, "subscriptions")
	assert.Equal(t, 0, s.LiveRefs, "live refs")
	assert.Equal(t, 0, s.DoubleReleases, "double releases")
}

func TestLocate_FoundByScanDoesNotWait(t *testing.T) {
	tree := memtree.New(memtree.Desktop(
		memtree.App("terminal", memtree.Frame("Shell")),
		memtree.App("editor", memtree.Frame("Doc")),
	))
	l := New(tree)

	start := time.Now()
	w, err := l.Locate("Doc", 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, "Doc", w.Title)
	assert.Equal(t, a11y.RoleFrame, w.Role)
	assert.Equal(t, SourceScan, w.Source)
	assert.NotEmpty(t, w.ID)
	assertTornDown(t, tree, 1)
}

func TestLocate_NotRunningAfterTimeout(t *testing.T) {
	tree := memtree.New(memtree.Desktop(memtree.App("editor", memtree.Frame("Doc"))))
	l := New(tree)
	timeout := 80 * time.Millisecond

	start := time.Now()
	_, err := l.Locate("Missing", timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, IsConfiguration(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
	assertTornDown(t, tree, 1)
}

func TestLocate_DefaultTimeout(t *testing.T) {
	tree := memtree.New(memtree.Desktop(memtree.App("editor")))
	l := New(tree)

	start := time.Now()
	out := l.Search(Request{Title: "Missing"})
	assert.Equal(t, NotRunning, out.Kind)
	assert.GreaterOrEqual(t, time.Since(start), DefaultTimeout)
}

func TestLocate_FoundByActivation(t *testing.T) {
	tree := memtree.New(memtree.Desktop(memtree.App("editor")))
	tree.Schedule(memtree.Arrival{After: 30 * time.Millisecond, App: "editor", Frame: memtree.Frame("Doc")})
	l := New(tree)

	start := time.Now()
	w, err := l.Locate("Doc", 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, SourceEvent, w.Source)
	assertTornDown(t, tree, 1)
}

func TestLocate_OtherActivationsDoNotResolve(t *testing.T) {
	tree := memtree.New(memtree.Desktop(memtree.App("editor")))
	tree.Schedule(
		memtree.Arrival{After: 10 * time.Millisecond, App: "editor", Frame: memtree.Frame("Other")},
		memtree.Arrival{After: 20 * time.Millisecond, App: "editor", Frame: &memtree.Element{Name: "Doc", Role: a11y.RoleDialog}},
	)
	l := New(tree)

	_, err := l.Locate("Doc", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotRunning)
	assertTornDown(t, tree, 1)
}

func TestLocate_ActivationDuringScanWins(t *testing.T) {
	tree := memtree.New(memtree.Desktop(
		memtree.App("terminal", memtree.Frame("Shell")),
		memtree.App("editor", memtree.Frame("Notes")),
	))
	target := memtree.Frame("Doc")
	// The activation re-enters OnQuery through the listener's Role query.
	var fired atomic.Bool
	tree.OnQuery = func(*memtree.Element) {
		if fired.CompareAndSwap(false, true) {
			tree.Activate(target)
		}
	}
	l := New(tree)

	start := time.Now()
	w, err := l.Locate("Doc", 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "no wait once an event resolved the search")
	assert.Equal(t, SourceEvent, w.Source)
	assert.Equal(t, target.ID(), w.ID)
	assertTornDown(t, tree, 1)
}

func TestLocate_TransientFaultIsSuppressed(t *testing.T) {
	flaky := memtree.Frame("Crashed")
	flaky.Fault = &a11y.Fault{Description: a11y.CommFailure}
	tree := memtree.New(memtree.Desktop(
		memtree.App("crashed", flaky),
		memtree.App("editor", memtree.Frame("Doc")),
	))
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l := New(tree, WithMetrics(m))

	w, err := l.Locate("Doc", time.Second)
	require.NoError(t, err)
	assert.Equal(t, SourceScan, w.Source)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transient))
	assert.Equal(t, 0, tree.Depth(), "handler left installed")
	assertTornDown(t, tree, 1)
}

func TestLocate_OtherFaultsAbort(t *testing.T) {
	tests := []struct {
		name  string
		fault a11y.Fault
	}{
		{"non-fatal other", a11y.Fault{Description: "org.freedesktop.DBus.Error.UnknownMethod"}},
		{"fatal comm failure", a11y.Fault{Description: a11y.CommFailure, Fatal: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := memtree.Frame("Broken")
			bad.Fault = &tt.fault
			tree := memtree.New(memtree.Desktop(
				memtree.App("broken", bad),
				memtree.App("editor", memtree.Frame("Doc")),
			))
			l := New(tree)

			out := l.Search(Request{Title: "Doc", Timeout: time.Second})
			assert.Equal(t, ProviderError, out.Kind)
			var fault *a11y.Fault
			require.ErrorAs(t, out.Err, &fault)
			assert.Equal(t, tt.fault.Description, fault.Description)
			assert.False(t, IsConfiguration(out.Err))
			assertTornDown(t, tree, 1)
		})
	}
}

func TestLocate_DesktopCountMustBeOne(t *testing.T) {
	for _, count := range []int{0, 2} {
		var desktops []*memtree.Element
		for i := 0; i < count; i++ {
			desktops = append(desktops, memtree.Desktop(memtree.App("editor", memtree.Frame("Doc"))))
		}
		tree := memtree.New(desktops...)
		queries := 0
		tree.OnQuery = func(*memtree.Element) { queries++ }
		l := New(tree)

		_, err := l.Locate("Doc", time.Second)
		require.Error(t, err)
		assert.True(t, IsConfiguration(err), "count %d", count)
		var dce *a11y.DesktopCountError
		require.ErrorAs(t, err, &dce)
		assert.Equal(t, count, dce.Count)
		assert.Zero(t, queries, "scan ran with %d desktops", count)
		assertTornDown(t, tree, 1)
	}
}

func TestLocate_EmptyDesktop(t *testing.T) {
	tree := memtree.New(memtree.Desktop())
	l := New(tree)

	_, err := l.Locate("Doc", time.Second)
	assert.True(t, IsConfiguration(err))
	assert.ErrorIs(t, err, a11y.ErrEmptyDesktop)
	assertTornDown(t, tree, 1)
}

func TestLocate_InitFailures(t *testing.T) {
	tree := memtree.New(memtree.Desktop(memtree.App("editor")))
	tree.SetInitError(a11y.ErrNotEnabled)
	l := New(tree)

	_, err := l.Locate("Doc", time.Second)
	assert.True(t, IsConfiguration(err))
	assert.ErrorIs(t, err, a11y.ErrNotEnabled)

	tree.SetInitError(&a11y.StatusError{Op: "init", Code: 1})
	_, err = l.Locate("Doc", time.Second)
	assert.False(t, IsConfiguration(err))
	var se *a11y.StatusError
	assert.ErrorAs(t, err, &se)

	assert.Equal(t, 0, tree.Stats().Shutdowns, "shutdown after failed init")
}

func TestLocate_SubscribeFailureStillShutsDown(t *testing.T) {
	tree := memtree.New(memtree.Desktop(memtree.App("editor", memtree.Frame("Doc"))))
	tree.SetSubscribeError(errors.New("registry unavailable"))
	l := New(tree)

	out := l.Search(Request{Title: "Doc", Timeout: time.Second})
	assert.Equal(t, ProviderError, out.Kind)
	assert.Contains(t, out.Err.Error(), "registry unavailable")
	assertTornDown(t, tree, 1)
}

func TestLocate_RepeatedSearchesTearDown(t *testing.T) {
	tree := memtree.New(memtree.Desktop(memtree.App("editor", memtree.Frame("Doc"))))
	l := New(tree)

	for i := 0; i < 3; i++ {
		_, err := l.Locate("Doc", time.Second)
		require.NoError(t, err)
		_, err = l.Locate("Missing", 10*time.Millisecond)
		require.ErrorIs(t, err, ErrNotRunning)
	}
	assertTornDown(t, tree, 6)
}

func TestLocate_ShutdownAbortsSearch(t *testing.T) {
	tree := memtree.New(memtree.Desktop(memtree.App("editor")))
	l := New(tree)

	result := make(chan error, 1)
	go func() {
		_, err := l.Locate("Doc", time.Minute)
		result <- err
	}()

	require.Eventually(t, func() bool {
		return tree.Stats().ActiveSubscriptions == 1
	}, time.Second, 5*time.Millisecond)
	l.Shutdown()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not abort the search")
	}
	assertTornDown(t, tree, 1)

	// Shutdown with nothing in flight is a no-op.
	l.Shutdown()
}

func TestLocate_ShutdownDuringInitAbortsSearch(t *testing.T) {
	editor := memtree.App("editor")
	tree := memtree.New(memtree.Desktop(editor))
	l := New(tree)
	tree.OnInit = l.Shutdown

	start := time.Now()
	_, err := l.Locate("Doc", time.Minute)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Less(t, time.Since(start), time.Second)
	assertTornDown(t, tree, 1)

	// The pending request does not outlive the search it aborted.
	tree.OnInit = nil
	tree.Append(editor, memtree.Frame("Doc"))
	w, err := l.Locate("Doc", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Doc", w.Title)
	assertTornDown(t, tree, 2)
}

func TestLocate_RaceBetweenEventAndTimer(t *testing.T) {
	for i := 0; i < 20; i++ {
		tree := memtree.New(memtree.Desktop(memtree.App("editor")))
		tree.Schedule(memtree.Arrival{After: 20 * time.Millisecond, App: "editor", Frame: memtree.Frame("Doc")})
		l := New(tree)

		out := l.Search(Request{Title: "Doc", Timeout: 20 * time.Millisecond})
		assert.Contains(t, []Kind{Found, NotRunning}, out.Kind)

		s := tree.Stats()
		assert.Equal(t, 1, s.Shutdowns)
		assert.Equal(t, 0, s.ActiveSubscriptions)
		assert.Equal(t, 0, s.DoubleReleases)
		// A late activation may still hold its borrowed reference briefly.
		assert.Eventually(t, func() bool { return tree.Stats().LiveRefs == 0 }, time.Second, time.Millisecond)
	}
}

// leakyTree forgets to release one node.
type leakyTree struct {
	*memtree.Tree
	once sync.Once
}

func (p *leakyTree) Release(n a11y.Node) {
	skipped := false
	p.once.Do(func() { skipped = true })
	if !skipped {
		p.Tree.Release(n)
	}
}

func TestLocate_LeaksBecomeProviderErrors(t *testing.T) {
	tree := memtree.New(memtree.Desktop(memtree.App("editor", memtree.Frame("Doc"))))
	l := New(&leakyTree{Tree: tree})

	out := l.Search(Request{Title: "Doc", Timeout: time.Second})
	assert.Equal(t, ProviderError, out.Kind)
	var leak *a11y.LeakError
	require.ErrorAs(t, out.Err, &leak)
	assert.Equal(t, 1, leak.Count)
	assert.Equal(t, 1, tree.Stats().Shutdowns)
}

func TestLocate_Metrics(t *testing.T) {
	tree := memtree.New(memtree.Desktop(memtree.App("editor", memtree.Frame("Doc"))))
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l := New(tree, WithMetrics(m))

	_, err := l.Locate("Doc", time.Second)
	require.NoError(t, err)
	_, err = l.Locate("Missing", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrNotRunning)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.searches.WithLabelValues("found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searches.WithLabelValues("not_running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.searches.WithLabelValues("provider_error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestListFrames(t *testing.T) {
	tree := memtree.New(memtree.Desktop(
		memtree.App("terminal", memtree.Frame("Shell")),
		memtree.App("editor", memtree.Frame("Doc")),
	))
	l := New(tree)

	frames, err := l.ListFrames()
	require.NoError(t, err)
	assert.Equal(t, []FrameInfo{
		{Application: "terminal", Title: "Shell"},
		{Application: "editor", Title: "Doc"},
	}, frames)
	assertTornDown(t, tree, 1)

	tree = memtree.New()
	_, err = New(tree).ListFrames()
	assert.True(t, IsConfiguration(err))
	assertTornDown(t, tree, 1)
}

func TestOutcome_Result(t *testing.T) {
	_, err := Outcome{Kind: NotRunning}.Result()
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = Outcome{Kind: ProviderError}.Result()
	assert.Error(t, err)

	w, err := Outcome{Kind: Found, Window: Window{Title: "Doc"}}.Result()
	require.NoError(t, err)
	assert.Equal(t, "Doc", w.Title)
}

func TestResolution_ListenerAndTimerFireTogether(t *testing.T) {
	for i := 0; i < 50; i++ {
		tree := memtree.New(memtree.Desktop(memtree.App("editor")))
		require.NoError(t, tree.Init())

		g := newGate()
		var wins atomic.Int32
		l := NewListener(tree, NewWalker(tree, "Doc"))
		require.NoError(t, l.Arm(func(n a11y.Node) {
			if g.resolve(found(n, "Doc", SourceEvent)) {
				wins.Add(1)
			} else {
				tree.Release(n)
			}
		}))

		start := make(chan struct{})
		activated := make(chan struct{})
		go func() {
			defer close(activated)
			<-start
			tree.Activate(memtree.Frame("Doc"))
		}()
		timer := NewTimer()
		require.NoError(t, timer.Arm(0, func() {
			if g.resolve(notRunning()) {
				wins.Add(1)
			}
		}))
		close(start)

		out := g.take()
		timer.Cancel()
		<-activated
		require.NoError(t, l.Disarm())

		assert.Equal(t, int32(1), wins.Load(), "round %d", i)
		assert.Contains(t, []Kind{Found, NotRunning}, out.Kind)
		if out.node != nil {
			tree.Release(out.node)
		}
		assert.Equal(t, 0, tree.Shutdown(), "round %d leaked", i)
	}
}
