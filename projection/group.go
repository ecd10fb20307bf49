package projection

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs several Runners concurrently, typically one per tag of the same projection.
type Group struct {
	runners []*Runner
}

// NewGroup creates a Group of runners.
func NewGroup(runners ...*Runner) *Group {
	return &Group{runners: runners}
}

// NewGroupForTags builds one Runner per tag with build.
func NewGroupForTags(name string, tags []string, build func(id ID) (*Runner, error)) (*Group, error) {
	runners := make([]*Runner, 0, len(tags))

	for _, tag := range tags {
		runner, err := build(ID{Name: name, Tag: tag})
		if err != nil {
			return nil, err
		}

		runners = append(runners, runner)
	}

	return NewGroup(runners...), nil
}

// Add appends the runners of other groups.
func (g *Group) Add(others ...*Group) {
	for _, other := range others {
		g.runners = append(g.runners, other.runners...)
	}
}

// Runners returns the runners of the Group.
func (g *Group) Runners() []*Runner {
	return g.runners
}

// Run runs all runners until ctx is canceled. The first runner that fails cancels the others,
// and its error is returned after all of them stopped.
func (g *Group) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	for _, runner := range g.runners {
		eg.Go(func() error {
			return runner.Run(egCtx)
		})
	}

	return eg.Wait()
}
