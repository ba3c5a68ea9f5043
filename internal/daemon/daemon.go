// Package daemon drives preloadd's main loop: a half-cycle tick/tick2
// alternation for scan+predict and model update, an autosave timer, and
// signal-triggered reload/dump/save/shutdown. Ported from preload.c and
// the tick scheduling in state.c's preload_state_run, with glib's
// GMainLoop idle sources replaced by a single select loop over
// time.Timer channels and a signal channel.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anonymouse64/preloadd/internal/model"
	"github.com/anonymouse64/preloadd/internal/persist"
	"github.com/anonymouse64/preloadd/internal/plog"
	"github.com/anonymouse64/preloadd/internal/preloadconf"
	"github.com/anonymouse64/preloadd/internal/prefetch"
	"github.com/anonymouse64/preloadd/internal/procprobe"
	"github.com/anonymouse64/preloadd/internal/prophet"
	"github.com/anonymouse64/preloadd/internal/spy"
)

// Daemon ties configuration, persisted state, and the prediction pipeline
// together into the running service.
type Daemon struct {
	Conffile  string
	Statefile string
	Logfile   string
	Debug     bool

	cfg    *preloadconf.Config
	state  *model.State
	log    *plog.Logger
	prober *procprobe.Prober
	spy    *spy.Spy
	pf     *prefetch.Prefetcher
}

// New builds a Daemon ready for Bootstrap and Run.
func New(conffile, statefile, logfile string, debug bool, cfg *preloadconf.Config, state *model.State, logger *plog.Logger, prober *procprobe.Prober) *Daemon {
	return &Daemon{
		Conffile:  conffile,
		Statefile: statefile,
		Logfile:   logfile,
		Debug:     debug,
		cfg:       cfg,
		state:     state,
		log:       logger,
		prober:    prober,
		spy:       spy.New(prober),
		pf:        prefetch.New(cfg),
	}
}

// Bootstrap performs the one-time scan a freshly loaded state needs before
// entering the tick loop: it establishes which known exes are currently
// running, then fixes up every markov's State field accordingly, the
// two-phase restore persist.SyncMarkovStates documents.
func (d *Daemon) Bootstrap() error {
	if err := d.spy.Scan(d.state, d.cfg.System.ExePrefix); err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}
	persist.SyncMarkovStates(d.state)
	return nil
}

// Run drives the tick/tick2/autosave cascade until ctx is cancelled or a
// termination signal arrives, then saves state once more before returning.
func (d *Daemon) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM,
		syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	signal.Ignore(syscall.SIGPIPE)
	defer signal.Stop(sigCh)

	d.log.Debugf("starting up")

	tickTimer := time.NewTimer(0)
	defer tickTimer.Stop()
	nextIsTick2 := false

	autosaveTimer := time.NewTimer(d.autosaveInterval())
	defer autosaveTimer.Stop()
	if d.Statefile == "" {
		autosaveTimer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()

		case sig := <-sigCh:
			exit, err := d.handleSignal(sig)
			if exit {
				return err
			}

		case <-tickTimer.C:
			var wait time.Duration
			if nextIsTick2 {
				wait = d.tick2()
			} else {
				wait = d.tick()
			}
			nextIsTick2 = !nextIsTick2
			tickTimer.Reset(wait)

		case <-autosaveTimer.C:
			if err := persist.Save(d.state, d.Statefile); err != nil {
				d.log.Warningf("%v", err)
			}
			autosaveTimer.Reset(d.autosaveInterval())
		}
	}
}

// tick gathers data: it scans running processes and, from the resulting
// model, predicts and issues readahead for the maps most likely needed
// next. It returns how long to wait before tick2 consumes what it found.
func (d *Daemon) tick() time.Duration {
	cfg := d.cfg

	if cfg.System.DoScan {
		d.log.Debugf("state scanning begin")
		if err := d.spy.Scan(d.state, cfg.System.ExePrefix); err != nil {
			d.log.Warningf("scan failed: %v", err)
		}
		if d.Debug {
			d.dumpStateLog()
		}
		d.state.Dirty = true
		d.state.ModelDirty = true
		d.log.Debugf("state scanning end")
	}

	if cfg.System.DoPredict {
		d.log.Debugf("state predicting begin")
		if _, err := prophet.Predict(d.state, d.prober, cfg.Model.UseCorrelation, cfg.Model.Cycle,
			cfg.Model.MemTotal, cfg.Model.MemFree, cfg.Model.MemCached, d.readahead); err != nil {
			d.log.Warningf("predict failed: %v", err)
		}
		d.log.Debugf("state predicting end")
	}

	half := cfg.Model.Cycle / 2
	d.state.Time += half
	return tickInterval(cfg.Model.Cycle)
}

// tick2 folds what tick discovered into the model, half a cycle after the
// fact so newly seen exes and state changes have had time to settle.
func (d *Daemon) tick2() time.Duration {
	cfg := d.cfg

	if d.state.ModelDirty {
		d.log.Debugf("state updating begin")
		d.spy.UpdateModel(d.state, cfg.System.MapPrefix, int64(cfg.Model.MinSize))
		d.state.ModelDirty = false
		d.log.Debugf("state updating end")
	}

	half := (cfg.Model.Cycle + 1) / 2
	d.state.Time += half
	return tick2Interval(cfg.Model.Cycle)
}

// tickInterval and tick2Interval split a cycle into its two scheduling
// halves, rounding so their sum always equals cycle even for odd values.
func tickInterval(cycle int) time.Duration {
	return time.Duration(cycle/2) * time.Second
}

func tick2Interval(cycle int) time.Duration {
	return time.Duration((cycle+1)/2) * time.Second
}

func (d *Daemon) readahead(maps []*model.Map) (int, error) {
	return d.pf.Readahead(context.Background(), maps)
}

func (d *Daemon) autosaveInterval() time.Duration {
	return time.Duration(d.cfg.System.Autosave) * time.Second
}

// handleSignal reacts to one pending signal. The bool return reports
// whether Run should stop; every signal other than HUP/USR1/USR2 is
// treated as an exit request.
func (d *Daemon) handleSignal(sig os.Signal) (bool, error) {
	switch sig {
	case syscall.SIGHUP:
		cfg, err := preloadconf.Load(d.Conffile, false)
		if err != nil {
			d.log.Warningf("%v", err)
		} else {
			d.cfg = cfg
			d.pf = prefetch.New(cfg)
		}
		if err := d.log.Reopen(d.Logfile); err != nil {
			d.log.Warningf("%v", err)
		}
		return false, nil

	case syscall.SIGUSR1:
		d.dumpStateLog()
		d.cfg.DumpLog(os.Stderr)
		return false, nil

	case syscall.SIGUSR2:
		if err := persist.Save(d.state, d.Statefile); err != nil {
			d.log.Warningf("%v", err)
		}
		return false, nil

	default:
		d.log.Messagef("exit requested")
		return true, d.shutdown()
	}
}

func (d *Daemon) shutdown() error {
	err := persist.Save(d.state, d.Statefile)
	d.log.Debugf("exiting")
	return err
}

func (d *Daemon) dumpStateLog() {
	d.log.Messagef("state log dump requested")
	fmt.Fprintf(os.Stderr, "persistent state stats:\n")
	fmt.Fprintf(os.Stderr, "preload time = %d\n", d.state.Time)
	fmt.Fprintf(os.Stderr, "num exes = %d\n", len(d.state.Exes))
	fmt.Fprintf(os.Stderr, "num bad exes = %d\n", len(d.state.BadExes))
	fmt.Fprintf(os.Stderr, "num maps = %d\n", len(d.state.MapsArr))
	fmt.Fprintf(os.Stderr, "runtime state stats:\n")
	fmt.Fprintf(os.Stderr, "num running exes = %d\n", len(d.state.RunningExes))
	d.log.Debugf("state log dump done")
}
