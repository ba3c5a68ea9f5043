/*
 * Copyright (C) 2019 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package commands

import (
	"testing"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type commandsTestSuite struct{}

var _ = Suite(&commandsTestSuite{})

func (s *commandsTestSuite) TestRequireRootAsRoot(c *C) {
	restore := MockUID("0")
	defer restore()

	c.Assert(RequireRoot(), IsNil)
}

func (s *commandsTestSuite) TestRequireRootAsUser(c *C) {
	restore := MockUID("1000")
	defer restore()

	c.Assert(RequireRoot(), ErrorMatches, "must run as root")
}

func (s *commandsTestSuite) TestSetNicePassesLevelToSetpriority(c *C) {
	old := setPriority
	defer func() { setPriority = old }()

	setPriority = func(which, who, prio int) error {
		c.Assert(which, Equals, 0)
		c.Assert(prio, Equals, 5)
		return nil
	}
	c.Assert(SetNice(5), IsNil)
}

func (s *commandsTestSuite) TestWithoutForegroundStripsBothSpellings(c *C) {
	got := withoutForeground([]string{"-c", "conf.yaml", "-f", "--foreground", "-n", "5"})
	c.Assert(got, DeepEquals, []string{"-c", "conf.yaml", "-n", "5"})
}
