// Command mailout batch-delivers pending spreadsheet files to their
// recipients over SMTP, grouping files by destination code, pacing
// sends against the relay and moving files to delivered/failed folders
// as a durable record of outcome.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mailout/internal/config"
	"mailout/internal/dispatch"
	"mailout/internal/mailer"
	"mailout/internal/watch"
)

func main() {
	var (
		cfgPath string
		rootDir string
		origins string
		preview bool
		yes     bool
	)
	flag.StringVar(&cfgPath, "config", "./mailout.yaml", "path to config yaml")
	flag.StringVar(&rootDir, "root", ".", "root directory containing origin folders")
	flag.StringVar(&origins, "origins", "", "comma-separated origin folders (default: all eligible)")
	flag.BoolVar(&preview, "preview", false, "count dispatchable tasks and exit")
	flag.BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	log, closeLog := newLogger(cfg.Log, rootDir)
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	transport, err := mailer.New(cfg.SMTP, cfg.Connection, log)
	if err != nil {
		log.Error().Err(err).Msg("invalid smtp settings")
		os.Exit(1)
	}

	eng := dispatch.New(cfg, osfs.New(rootDir), transport, log)
	opts := dispatch.Options{
		Origins:  splitOrigins(origins),
		Observer: consoleObserver(os.Stdout),
	}

	if preview {
		fmt.Printf("%d task(s) ready for dispatch\n", eng.Preview(opts))
		return
	}

	oneShot := cfg.Schedule == "" && !cfg.Watch
	if oneShot && !yes {
		n := eng.Preview(opts)
		if n == 0 {
			fmt.Println("nothing to dispatch")
			return
		}
		if !confirm(os.Stdin, os.Stdout, n) {
			return
		}
	}

	// Guards against overlapping runs from cron + watch triggers; the
	// dispatch loop itself is strictly sequential.
	var running sync.Mutex
	runOnce := func() {
		if !running.TryLock() {
			log.Debug().Msg("dispatch already running, trigger dropped")
			return
		}
		defer running.Unlock()
		res := eng.Run(ctx, opts)
		fmt.Printf("done: %d sent, %d failed", res.Success, res.Failed)
		if res.Cancelled {
			fmt.Print(" (cancelled)")
		}
		fmt.Println()
	}

	if oneShot {
		runOnce()
		return
	}

	if cfg.Schedule != "" {
		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&log))))
		if _, err := c.AddFunc(cfg.Schedule, runOnce); err != nil {
			log.Error().Err(err).Str("schedule", cfg.Schedule).Msg("invalid schedule")
			os.Exit(1)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		log.Info().Str("schedule", cfg.Schedule).Msg("scheduled dispatch active")
	}

	if cfg.Watch {
		go func() {
			err := watch.Pending(ctx, rootDir, cfg.Folders, opts.Origins, 2*time.Second,
				func() { go runOnce() }, log)
			if err != nil {
				log.Error().Err(err).Msg("watch stopped")
			}
		}()
		log.Info().Msg("pending folder watch active")
	}

	<-ctx.Done()
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func confirm(in io.Reader, out io.Writer, n int) bool {
	fmt.Fprintf(out, "dispatch %d task(s)? [y/N] ", n)
	sc := bufio.NewScanner(in)
	if !sc.Scan() {
		return false
	}
	ans := strings.ToLower(strings.TrimSpace(sc.Text()))
	return ans == "y" || ans == "yes"
}

// consoleObserver prints progress lines, rate-limited so a fast run does
// not flood the terminal. The final sample always prints.
func consoleObserver(out io.Writer) dispatch.Observer {
	lim := rate.NewLimiter(rate.Every(time.Second), 1)
	return func(s dispatch.Sample) {
		if s.Completed != s.Total && !lim.Allow() {
			return
		}
		if s.HasETA {
			fmt.Fprintf(out, "%3.0f%% (%d/%d) %.2f msg/s, eta %s\n",
				s.Percent, s.Completed, s.Total, s.Rate, s.ETA.Round(time.Second))
			return
		}
		fmt.Fprintf(out, "%3.0f%% (%d/%d)\n", s.Percent, s.Completed, s.Total)
	}
}

func newLogger(cfg config.Log, rootDir string) (zerolog.Logger, func()) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}}
	closeFn := func() {}
	if cfg.File != "" {
		path := cfg.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(rootDir, path)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "log file:", err)
		} else {
			writers = append(writers, f)
			closeFn = func() { _ = f.Close() }
		}
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return log, closeFn
}
