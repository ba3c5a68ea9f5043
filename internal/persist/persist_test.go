package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/check.v1"

	"github.com/anonymouse64/preloadd/internal/model"
)

func Test(t *testing.T) { check.TestingT(t) }

type persistSuite struct{}

var _ = check.Suite(&persistSuite{})

func buildSampleState() *model.State {
	st := model.NewState()
	st.Time = 500

	m := model.NewMap("/usr/bin/bash", 0, 8192, 10)
	st.RefMap(m)

	a := st.NewExe("/usr/bin/bash", false, nil)
	a.Time = 300
	st.RegisterExe(a, false)
	st.NewExeMapFor(a, m)

	b := st.NewExe("/usr/bin/grep", false, nil)
	b.Time = 120
	st.RegisterExe(b, true)

	st.Dirty = true
	st.BadExes["/opt/tiny"] = 100
	return st
}

func (s *persistSuite) TestSaveThenLoadRoundTrips(c *check.C) {
	st := buildSampleState()
	path := filepath.Join(c.MkDir(), "state")

	c.Assert(Save(st, path), check.IsNil)
	c.Assert(st.Dirty, check.Equals, false)
	// bad exes are always wiped after a save attempt.
	c.Assert(len(st.BadExes), check.Equals, 0)

	loaded, err := Load(path)
	c.Assert(err, check.IsNil)
	c.Assert(loaded.Time, check.Equals, 500)
	c.Assert(len(loaded.Exes), check.Equals, 2)

	bash, ok := loaded.Exes["/usr/bin/bash"]
	c.Assert(ok, check.Equals, true)
	c.Assert(bash.Time, check.Equals, 300)
	c.Assert(len(bash.Exemaps), check.Equals, 1)

	// bad exes are never restored from disk.
	c.Assert(len(loaded.BadExes), check.Equals, 0)

	// a markov chain should have been recreated between bash and grep.
	c.Assert(len(bash.Markovs), check.Equals, 1)
}

func (s *persistSuite) TestLoadMissingFileYieldsEmptyState(c *check.C) {
	st, err := Load(filepath.Join(c.MkDir(), "does-not-exist"))
	c.Assert(err, check.IsNil)
	c.Assert(len(st.Exes), check.Equals, 0)
}

func (s *persistSuite) TestLoadEmptyPathYieldsEmptyState(c *check.C) {
	st, err := Load("")
	c.Assert(err, check.IsNil)
	c.Assert(st.Time, check.Equals, 0)
}

func (s *persistSuite) TestLoadRejectsBadHeader(c *check.C) {
	path := filepath.Join(c.MkDir(), "state")
	c.Assert(os.WriteFile(path, []byte("GARBAGE\n"), 0644), check.IsNil)
	_, err := Load(path)
	c.Assert(err, check.NotNil)

	// a bad header is a content problem, not an open failure: callers rely
	// on this to decide whether to fall back to an empty state instead of
	// aborting startup.
	var perr *ParseError
	c.Assert(errors.As(err, &perr), check.Equals, true)
}

func (s *persistSuite) TestLoadOpenFailureIsNotAParseError(c *check.C) {
	if os.Geteuid() == 0 {
		c.Skip("root ignores file permissions")
	}

	path := filepath.Join(c.MkDir(), "state")
	c.Assert(os.WriteFile(path, []byte(tagPreload+"\t3\n"), 0000), check.IsNil)

	_, err := Load(path)
	c.Assert(err, check.NotNil)

	var perr *ParseError
	c.Assert(errors.As(err, &perr), check.Equals, false)
}
