// Command preloadd is an adaptive readahead daemon: it watches which
// executables run and which files they map, learns their pairwise running
// correlations, and prefetches the files most likely needed soon to cut
// application startup time.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/anonymouse64/preloadd/internal/commands"
	"github.com/anonymouse64/preloadd/internal/daemon"
	"github.com/anonymouse64/preloadd/internal/model"
	"github.com/anonymouse64/preloadd/internal/persist"
	"github.com/anonymouse64/preloadd/internal/plog"
	"github.com/anonymouse64/preloadd/internal/preloadconf"
	"github.com/anonymouse64/preloadd/internal/procprobe"
)

// options mirrors cmdline.c's option table: conffile/statefile/logfile,
// foreground, nice level, verbosity, and a debug shortcut.
type options struct {
	Conffile   string `short:"c" long:"conffile" description:"Set configuration file. Empty string means no conf file." default:"/etc/preloadd.yaml"`
	Statefile  string `short:"s" long:"statefile" description:"Set state file to load/save. Empty string means no state." default:"/var/lib/preload/preload.state"`
	Logfile    string `short:"l" long:"logfile" description:"Set log file. Empty string means to log to stderr." default:"/var/log/preloadd.log"`
	Foreground bool   `short:"f" long:"foreground" description:"Run in foreground, do not daemonize."`
	Nice       int    `short:"n" long:"nice" description:"Nice level." default:"-10"`
	Verbose    int    `short:"V" long:"verbose" description:"Set the verbosity level. Levels 0 to 10 are recognized." default:"2"`
	Debug      bool   `short:"d" long:"debug" description:"Debug mode: --logfile '' --foreground --verbose 9"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return err
	}

	if opts.Debug {
		opts.Logfile = ""
		opts.Foreground = true
		opts.Verbose = 9
	}

	logOut := os.Stderr
	logger := plog.New(logOut, opts.Verbose)
	if opts.Logfile != "" {
		if err := logger.Reopen(opts.Logfile); err != nil {
			return err
		}
	}

	cfg, err := preloadconf.Load(opts.Conffile, true)
	if err != nil {
		return err
	}

	if !opts.Foreground {
		if err := commands.Daemonize(opts.Logfile); err != nil {
			return err
		}
	}

	if err := commands.SetNice(opts.Nice); err != nil {
		logger.Warningf("%v", err)
	}
	logger.Debugf("starting up")

	state, err := persist.Load(opts.Statefile)
	if err != nil {
		var perr *persist.ParseError
		if !errors.As(err, &perr) {
			return err
		}
		logger.Warningf("%v, starting with an empty state", err)
		state = model.NewState()
	}

	prober, err := procprobe.NewProber("/proc")
	if err != nil {
		return err
	}

	d := daemon.New(opts.Conffile, opts.Statefile, opts.Logfile, opts.Debug, cfg, state, logger, prober)
	if err := d.Bootstrap(); err != nil {
		return err
	}

	// Run owns its own signal handling (SIGINT/SIGQUIT/SIGTERM trigger an
	// orderly shutdown internally); ctx cancellation is not currently
	// needed by anything above it, so Background is fine here.
	return d.Run(context.Background())
}
