package prefetch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"gopkg.in/check.v1"

	"github.com/anonymouse64/preloadd/internal/model"
)

func Test(t *testing.T) { check.TestingT(t) }

// helper var to make dropCaches mockable in tests, the same seam
// profiling.go used around its own exec.Command call.
var execCommandCombinedOutput = func(prog string, args ...string) ([]byte, error) {
	return exec.Command(prog, args...).CombinedOutput()
}

// dropCaches drops the kernel's page cache so a readahead test actually
// measures a cold read rather than one already served from cache.
func dropCaches() error {
	for _, i := range []int{1, 2, 3} {
		out, err := execCommandCombinedOutput("sudo", "sysctl", "-q", fmt.Sprintf("vm.drop_caches=%d", i))
		if err != nil {
			return fmt.Errorf("%s: %w", out, err)
		}
	}
	return nil
}

type prefetchSuite struct{}

var _ = check.Suite(&prefetchSuite{})

func (s *prefetchSuite) TestCoalesceMergesOverlappingRanges(c *check.C) {
	maps := []*model.Map{
		{Path: "/bin/bash", Offset: 0, Length: 100},
		{Path: "/bin/bash", Offset: 50, Length: 100},
		{Path: "/bin/bash", Offset: 400, Length: 50},
	}

	reqs := coalesce(maps)
	c.Assert(reqs, check.HasLen, 2)
	c.Assert(reqs[0], check.Equals, request{path: "/bin/bash", offset: 0, length: 150})
	c.Assert(reqs[1], check.Equals, request{path: "/bin/bash", offset: 400, length: 50})
}

func (s *prefetchSuite) TestCoalesceKeepsDistinctFilesSeparate(c *check.C) {
	maps := []*model.Map{
		{Path: "/bin/bash", Offset: 0, Length: 100},
		{Path: "/bin/grep", Offset: 0, Length: 100},
	}
	reqs := coalesce(maps)
	c.Assert(reqs, check.HasLen, 2)
}

func (s *prefetchSuite) TestComparePathOrdersByOffsetThenLength(c *check.C) {
	a := &model.Map{Path: "/a", Offset: 0, Length: 10}
	b := &model.Map{Path: "/a", Offset: 0, Length: 20}
	c.Assert(comparePath(a, b) > 0, check.Equals, true) // larger length sorts first
}

func (s *prefetchSuite) TestCompareBlockFallsBackToPath(c *check.C) {
	a := &model.Map{Path: "/a", Block: 5}
	b := &model.Map{Path: "/b", Block: 5}
	c.Assert(compareBlock(a, b) < 0, check.Equals, true)
}

func (s *prefetchSuite) TestReadaheadIssuesRequestForRealFile(c *check.C) {
	if os.Geteuid() != 0 {
		c.Skip("drop_caches requires root")
	}
	if err := dropCaches(); err != nil {
		c.Skip(fmt.Sprintf("cannot drop caches: %v", err))
	}

	dir := c.MkDir()
	path := filepath.Join(dir, "payload")
	c.Assert(os.WriteFile(path, make([]byte, 4096), 0644), check.IsNil)

	p := &Prefetcher{SortStrategy: 0, MaxProcs: 2}
	n, err := p.Readahead(context.Background(), []*model.Map{
		{Path: path, Offset: 0, Length: 4096},
	})
	c.Assert(err, check.IsNil)
	c.Assert(n, check.Equals, 1)
}
