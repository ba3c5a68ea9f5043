package model

import (
	"math"
	"testing"

	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type modelSuite struct{}

var _ = check.Suite(&modelSuite{})

func (s *modelSuite) TestMapRefcounting(c *check.C) {
	st := NewState()
	m := NewMap("/bin/bash", 0, 4096, 0)

	c.Assert(st.LookupMap(m), check.IsNil)

	st.RefMap(m)
	c.Assert(st.LookupMap(m), check.Equals, m)
	c.Assert(len(st.MapsArr), check.Equals, 1)

	st.RefMap(m)
	st.UnrefMap(m)
	c.Assert(st.LookupMap(m), check.Equals, m)

	st.UnrefMap(m)
	c.Assert(st.LookupMap(m), check.IsNil)
	c.Assert(len(st.MapsArr), check.Equals, 0)
}

func (s *modelSuite) TestRegisterExeCreatesMarkovs(c *check.C) {
	st := NewState()
	a := st.NewExe("/usr/bin/a", false, nil)
	st.RegisterExe(a, true)

	b := st.NewExe("/usr/bin/b", false, nil)
	st.RegisterExe(b, true)

	c.Assert(len(a.Markovs), check.Equals, 1)
	c.Assert(len(b.Markovs), check.Equals, 1)

	var markov *Markov
	for m := range a.Markovs {
		markov = m
	}
	c.Assert(markov.OtherExe(a), check.Equals, b)
}

func (s *modelSuite) TestCorrelationBounded(c *check.C) {
	st := NewState()
	a := st.NewExe("/usr/bin/a", false, nil)
	b := st.NewExe("/usr/bin/b", false, nil)
	st.Time = 1000
	a.Time = 400
	b.Time = 600
	markov := &Markov{A: a, B: b, Time: 300}

	corr := markov.Correlation(st.Time)
	c.Assert(math.Abs(corr) <= 1.00001, check.Equals, true)
}

func (s *modelSuite) TestCorrelationDegenerateCases(c *check.C) {
	st := NewState()
	a := st.NewExe("/usr/bin/a", false, nil)
	b := st.NewExe("/usr/bin/b", false, nil)
	st.Time = 1000
	a.Time = 0 // never run
	b.Time = 500
	markov := &Markov{A: a, B: b, Time: 0}

	c.Assert(markov.Correlation(st.Time), check.Equals, 0.0)
}

func (s *modelSuite) TestMarkovStateChangedAccumulatesWeight(c *check.C) {
	st := NewState()
	a := st.NewExe("/usr/bin/a", false, nil)
	b := st.NewExe("/usr/bin/b", false, nil)
	a.RunningTimestamp = -1
	b.RunningTimestamp = -1
	st.LastRunningTimestamp = 0

	markov := st.NewMarkovBetween(a, b, true)
	c.Assert(markov.State, check.Equals, 0)

	st.Time = 10
	a.RunningTimestamp = 10
	st.LastRunningTimestamp = 10

	st.MarkovStateChanged(markov)
	c.Assert(markov.State, check.Equals, 1)
	c.Assert(markov.Weight[0][0], check.Equals, 1)
	c.Assert(markov.Weight[0][1], check.Equals, 1)
}

func (s *modelSuite) TestNewMarkovSeedsChangeTimestampFromMax(c *check.C) {
	st := NewState()
	a := st.NewExe("/usr/bin/a", false, nil)
	b := st.NewExe("/usr/bin/b", false, nil)
	st.Time = 100
	a.ChangeTimestamp = 40
	b.ChangeTimestamp = 70

	markov := st.NewMarkovBetween(a, b, true)
	c.Assert(markov.ChangeTimestamp, check.Equals, 70)
}
