package memtree

import (
	"fmt"
	"os"
	"time"

	"github.com/bryanchriswhite/appdriver/internal/a11y"
	"gopkg.in/yaml.v3"
)

// Fixture is the YAML form of a tree:
//
//	desktops:
//	  - children:
//	      - name: gedit
//	        children:
//	          - name: Untitled Document 1 - gedit
//	      - null
//	arrivals:
//	  - after_ms: 300
//	    app: gedit
//	    frame: Preferences
//
// Roles default by depth: desktop frame, application, frame.
type Fixture struct {
	Desktops []*ElementSpec `yaml:"desktops"`
	Arrivals []ArrivalSpec  `yaml:"arrivals,omitempty"`
}

// ElementSpec describes one element of a fixture.
type ElementSpec struct {
	Name     string         `yaml:"name"`
	Role     string         `yaml:"role,omitempty"`
	Children []*ElementSpec `yaml:"children,omitempty"`
	Fault    *FaultSpec     `yaml:"fault,omitempty"`
}

// FaultSpec injects a fault raised by queries against an element.
type FaultSpec struct {
	Description string `yaml:"description"`
	Fatal       bool   `yaml:"fatal"`
}

// ArrivalSpec describes a frame that appears after Init.
type ArrivalSpec struct {
	AfterMS int    `yaml:"after_ms"`
	App     string `yaml:"app"`
	Frame   string `yaml:"frame"`
}

var depthRoles = []a11y.Role{a11y.RoleDesktopFrame, a11y.RoleApplication, a11y.RoleFrame}

// Load reads a fixture file and builds a Tree from it.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse builds a Tree from fixture YAML.
func Parse(data []byte) (*Tree, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}

	desktops := make([]*Element, 0, len(fx.Desktops))
	for i, spec := range fx.Desktops {
		if spec == nil {
			return nil, fmt.Errorf("desktop %d is empty", i)
		}
		d, err := build(spec, 0)
		if err != nil {
			return nil, err
		}
		desktops = append(desktops, d)
	}

	t := New(desktops...)
	for _, a := range fx.Arrivals {
		if a.App == "" || a.Frame == "" {
			return nil, fmt.Errorf("arrival needs both app and frame")
		}
		t.Schedule(Arrival{
			After: time.Duration(a.AfterMS) * time.Millisecond,
			App:   a.App,
			Frame: Frame(a.Frame),
		})
	}
	return t, nil
}

func build(spec *ElementSpec, depth int) (*Element, error) {
	if spec == nil {
		return nil, nil
	}

	e := &Element{Name: spec.Name}
	switch {
	case spec.Role != "":
		r, err := a11y.ParseRole(spec.Role)
		if err != nil {
			return nil, fmt.Errorf("element %q: %w", spec.Name, err)
		}
		e.Role = r
	case depth < len(depthRoles):
		e.Role = depthRoles[depth]
	}

	if spec.Fault != nil {
		e.Fault = &a11y.Fault{Description: spec.Fault.Description, Fatal: spec.Fault.Fatal}
	}

	for _, c := range spec.Children {
		child, err := build(c, depth+1)
		if err != nil {
			return nil, err
		}
		e.Children = append(e.Children, child)
	}
	return e, nil
}
