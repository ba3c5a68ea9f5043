package spy

import (
	"testing"

	"gopkg.in/check.v1"

	"github.com/anonymouse64/preloadd/internal/model"
)

func Test(t *testing.T) { check.TestingT(t) }

type spySuite struct{}

var _ = check.Suite(&spySuite{})

func (s *spySuite) TestExeChangedStampsChangeTimestamp(c *check.C) {
	state := model.NewState()
	state.Time = 100

	a := state.NewExe("/bin/a", false, nil)
	state.RegisterExe(a, false)
	b := state.NewExe("/bin/b", false, nil)
	state.RegisterExe(b, true)

	m := state.Markovs()[0]
	m.State = 0

	spy := &Spy{}
	spy.exeChanged(state, a)

	c.Assert(a.ChangeTimestamp, check.Equals, 100)
}

func (s *spySuite) TestUpdateModelAccruesRunningTime(c *check.C) {
	state := model.NewState()
	state.Time = 0
	state.LastRunningTimestamp = 0

	a := state.NewExe("/bin/a", true, nil)
	state.RegisterExe(a, false)
	state.RunningExes = append(state.RunningExes, a)

	state.Time = 20
	state.LastRunningTimestamp = 20
	a.RunningTimestamp = 20 // seen running by the scan at time 20

	spy := &Spy{}
	spy.UpdateModel(state, nil, 0)

	c.Assert(a.Time, check.Equals, 20)
	c.Assert(state.LastAccountingTimestamp, check.Equals, 20)
}

func (s *spySuite) TestUpdateModelOnlyAccruesRunningExes(c *check.C) {
	state := model.NewState()
	state.Time = 0
	state.LastRunningTimestamp = 0

	a := state.NewExe("/bin/a", false, nil)
	state.RegisterExe(a, false)

	state.Time = 30

	spy := &Spy{}
	spy.UpdateModel(state, nil, 0)

	c.Assert(a.Time, check.Equals, 0)
}

func (s *spySuite) TestAlreadyRunningBucketsByCurrentState(c *check.C) {
	state := model.NewState()
	state.Time = 10
	state.LastRunningTimestamp = 10

	running := state.NewExe("/bin/running", true, nil)
	state.RegisterExe(running, false)
	stopped := state.NewExe("/bin/stopped", false, nil)
	state.RegisterExe(stopped, false)

	spy := &Spy{}
	spy.newRunningExes = nil
	spy.stateChangedExes = nil

	spy.alreadyRunning(state, running)
	spy.alreadyRunning(state, stopped)

	c.Assert(spy.newRunningExes, check.DeepEquals, []*model.Exe{running})
	c.Assert(spy.stateChangedExes, check.DeepEquals, []*model.Exe{stopped})
}
