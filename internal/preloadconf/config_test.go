package preloadconf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type confSuite struct{}

var _ = check.Suite(&confSuite{})

func (s *confSuite) TestDefaultsApplyWithNoFile(c *check.C) {
	cfg, err := Load("", true)
	c.Assert(err, check.IsNil)
	c.Assert(cfg.Model.Cycle, check.Equals, 20)
	c.Assert(cfg.System.MaxProcs, check.Equals, 5)
	c.Assert(cfg.System.SortStrategy, check.Equals, SortBlock)
}

func (s *confSuite) TestOverlayOntoDefaults(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "preloadd.yaml")
	doc := []byte("model:\n  cycle: 45\nsystem:\n  maxprocs: 2\n  sortstrategy: path\n")
	c.Assert(os.WriteFile(path, doc, 0644), check.IsNil)

	cfg, err := Load(path, true)
	c.Assert(err, check.IsNil)
	c.Assert(cfg.Model.Cycle, check.Equals, 45)
	c.Assert(cfg.System.MaxProcs, check.Equals, 2)
	c.Assert(cfg.System.SortStrategy, check.Equals, SortPath)
	// untouched keys retain their defaults
	c.Assert(cfg.Model.UseCorrelation, check.Equals, true)
}

func (s *confSuite) TestMissingFileFailsHardOnStartup(c *check.C) {
	_, err := Load("/nonexistent/preloadd.yaml", true)
	c.Assert(err, check.NotNil)
}

func (s *confSuite) TestDumpLogRendersGroups(c *check.C) {
	var buf bytes.Buffer
	Default().DumpLog(&buf)
	out := buf.String()
	c.Assert(bytes.Contains([]byte(out), []byte("[model]")), check.Equals, true)
	c.Assert(bytes.Contains([]byte(out), []byte("[system]")), check.Equals, true)
}
