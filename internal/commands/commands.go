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

// Package commands wraps the handful of OS-privilege operations preloadd
// needs at startup: renicing itself and re-execing into the background.
package commands

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"

	"golang.org/x/sys/unix"
)

var userCurrent = user.Current
var setPriority = unix.Setpriority

// SetNice renices the current process, the Go equivalent of preload.c's
// nice(nicelevel) call right after cmdline parsing.
func SetNice(level int) error {
	if err := setPriority(unix.PRIO_PROCESS, 0, level); err != nil {
		return fmt.Errorf("cannot set nice level %d: %w", level, err)
	}
	return nil
}

// Daemonize re-execs the running binary detached from the controlling
// terminal, with its own session, then exits the calling process. It is
// the double-fork-free analogue of preload.c:daemonize, since a raw
// fork() of a multi-threaded Go process is unsafe.
func Daemonize(logfile string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot resolve own executable: %w", err)
	}

	cmd := exec.Command(self, withoutForeground(os.Args[1:])...)
	cmd.SysProcAttr = daemonSysProcAttr()
	cmd.Dir = "/"

	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("cannot open %s for daemonized stdio: %w", logfile, err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot re-exec in background: %w", err)
	}

	os.Exit(0)
	return nil
}

func withoutForeground(args []string) []string {
	out := make([]string, 0, len(args)+1)
	for _, a := range args {
		if a == "-f" || a == "--foreground" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// RequireRoot returns an error unless the current user is root. Reading
// every process's maps and rewriting the nice level of the running daemon
// both need privileges an unprivileged user won't have.
func RequireRoot() error {
	current, err := userCurrent()
	if err != nil {
		return err
	}
	if current.Uid != "0" {
		return fmt.Errorf("must run as root")
	}
	return nil
}

// MockUID is only used for tests. We need to mock the uid for
// consistent tests in other packages.
func MockUID(uid string) (restore func()) {
	old := userCurrent
	userCurrent = func() (*user.User, error) {
		return &user.User{
			Uid: uid,
		}, nil
	}
	return func() {
		userCurrent = old
	}
}
