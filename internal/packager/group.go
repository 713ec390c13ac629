package packager

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Group runs one packager per mountpoint and looks them up by name.
type Group struct {
	packagers map[string]*Packager
}

// NewGroup creates a group of packagers
func NewGroup(packagers ...*Packager) *Group {
	g := &Group{packagers: make(map[string]*Packager, len(packagers))}
	for _, p := range packagers {
		g.packagers[p.Name()] = p
	}
	return g
}

// Get returns the packager for a mountpoint
func (g *Group) Get(name string) (*Packager, bool) {
	p, ok := g.packagers[name]
	return p, ok
}

// Names returns the mountpoint names, sorted
func (g *Group) Names() []string {
	names := make([]string, 0, len(g.packagers))
	for name := range g.packagers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run runs every packager until ctx is done
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range g.packagers {
		eg.Go(func() error {
			return p.Run(ctx)
		})
	}
	return eg.Wait()
}
