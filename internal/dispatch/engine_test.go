package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"mailout/internal/config"
	"mailout/internal/mailer"
)

// tempSendErr mimics a relay's "try again later" response.
type tempSendErr struct{}

func (tempSendErr) Error() string { return "421 too many messages, try again later" }
func (tempSendErr) IsTemp() bool  { return true }

type fakeTransport struct {
	acquireErr func(call int) error
	sendErr    func(call int) error

	acquires    int
	sends       int
	invalidates int
	resets      int
	closed      bool
	open        bool
}

func (f *fakeTransport) Acquire(context.Context) error {
	f.acquires++
	if f.acquireErr != nil {
		return f.acquireErr(f.acquires)
	}
	return nil
}

func (f *fakeTransport) Send(context.Context, mailer.Outbound) error {
	f.sends++
	if f.sendErr != nil {
		return f.sendErr(f.sends)
	}
	return nil
}

func (f *fakeTransport) Invalidate()        { f.invalidates++ }
func (f *fakeTransport) FailedClosed() bool { return f.open }
func (f *fakeTransport) Reset()             { f.resets++; f.open = false }
func (f *fakeTransport) Close() error       { f.closed = true; return nil }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.SMTP.Host = "smtp.example.com"
	cfg.SMTP.Username = "sender@example.com"
	cfg.Pacing.InitialPause = config.Duration(2 * time.Millisecond)
	cfg.Pacing.MinPause = config.Duration(time.Millisecond)
	cfg.Pacing.MaxPause = config.Duration(8 * time.Millisecond)
	cfg.Pacing.Decrease = config.Duration(time.Millisecond)
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = config.Duration(time.Millisecond)
	cfg.Retry.MaxDelay = config.Duration(2 * time.Millisecond)
	cfg.Retry.Jitter = 0
	return cfg
}

// newTree builds a root with one origin per entry and a pending file for
// each listed code, plus an address book resolving the given codes.
func newTree(t *testing.T, origins map[string][]string, bookCodes []string) billy.Filesystem {
	t.Helper()
	fsys := memfs.New()
	for origin, codes := range origins {
		for _, dir := range []string{"pending", "delivered"} {
			if err := fsys.MkdirAll(fsys.Join(origin, dir), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
		}
		for _, code := range codes {
			path := fsys.Join(origin, "pending", fmt.Sprintf("confirm_%s_rev1.xlsx", code))
			if err := util.WriteFile(fsys, path, []byte("sheet"), 0o644); err != nil {
				t.Fatalf("write %s: %v", path, err)
			}
		}
	}
	csv := "code,name,email\n"
	for _, code := range bookCodes {
		csv += fmt.Sprintf("%s,Recipient %s,rcpt%s@example.com\n", code, code, code)
	}
	if err := util.WriteFile(fsys, "EmailAddress.csv", []byte(csv), 0o644); err != nil {
		t.Fatalf("write address book: %v", err)
	}
	return fsys
}

func countFiles(t *testing.T, fsys billy.Filesystem, dir string) int {
	t.Helper()
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, fi := range entries {
		if !fi.IsDir() {
			n++
		}
	}
	return n
}

func newEngine(cfg config.Config, fsys billy.Filesystem, ft *fakeTransport) *Engine {
	return New(cfg, fsys, ft, zerolog.Nop())
}

func TestRunDeliversAndMovesFiles(t *testing.T) {
	t.Parallel()
	fsys := newTree(t, map[string][]string{"alpha": {"11111", "22222"}}, []string{"11111", "22222"})
	ft := &fakeTransport{}
	eng := newEngine(testConfig(), fsys, ft)

	res := eng.Run(context.Background(), Options{})
	if res.Success != 2 || res.Failed != 0 || res.Cancelled {
		t.Fatalf("Result = %+v, want 2 successes", res)
	}
	if ft.sends != 2 {
		t.Fatalf("sends = %d, want 2", ft.sends)
	}
	if !ft.closed {
		t.Fatal("transport not closed at run end")
	}
	if n := countFiles(t, fsys, "alpha/pending"); n != 0 {
		t.Fatalf("pending still holds %d files", n)
	}
	if n := countFiles(t, fsys, "alpha/delivered"); n != 2 {
		t.Fatalf("delivered holds %d files, want 2", n)
	}

	// idempotence: everything already relocated
	if n := eng.Preview(Options{}); n != 0 {
		t.Fatalf("Preview after successful run = %d, want 0", n)
	}
	res = eng.Run(context.Background(), Options{})
	if res.Success != 0 || res.Failed != 0 {
		t.Fatalf("second run Result = %+v, want zero", res)
	}
}

func TestRunRoutesTerminalFailure(t *testing.T) {
	t.Parallel()
	fsys := newTree(t, map[string][]string{"alpha": {"11111"}}, []string{"11111"})
	ft := &fakeTransport{sendErr: func(int) error { return errors.New("550 mailbox unavailable") }}
	eng := newEngine(testConfig(), fsys, ft)

	res := eng.Run(context.Background(), Options{})
	if res.Success != 0 || res.Failed != 1 {
		t.Fatalf("Result = %+v, want 1 failure", res)
	}
	if ft.sends != 1 {
		t.Fatalf("sends = %d, permanent failure must not retry", ft.sends)
	}
	if ft.invalidates != 1 {
		t.Fatalf("invalidates = %d, send failure must invalidate the session", ft.invalidates)
	}
	if n := countFiles(t, fsys, "alpha/failed"); n != 1 {
		t.Fatalf("failed folder holds %d files, want 1", n)
	}
	if n := countFiles(t, fsys, "alpha/pending"); n != 0 {
		t.Fatalf("pending still holds %d files", n)
	}
}

func TestRunTransientThenSuccess(t *testing.T) {
	t.Parallel()
	fsys := newTree(t, map[string][]string{"alpha": {"11111"}}, []string{"11111"})
	ft := &fakeTransport{sendErr: func(call int) error {
		if call == 1 {
			return tempSendErr{}
		}
		return nil
	}}
	eng := newEngine(testConfig(), fsys, ft)

	res := eng.Run(context.Background(), Options{})
	if res.Success != 1 || res.Failed != 0 {
		t.Fatalf("Result = %+v, want success after retry", res)
	}
	if ft.sends != 2 {
		t.Fatalf("sends = %d, want 2", ft.sends)
	}
	if n := countFiles(t, fsys, "alpha/delivered"); n != 1 {
		t.Fatalf("delivered holds %d files, want 1", n)
	}
}

func TestRunRetriesExhausted(t *testing.T) {
	t.Parallel()
	fsys := newTree(t, map[string][]string{"alpha": {"11111"}}, []string{"11111"})
	ft := &fakeTransport{sendErr: func(int) error { return tempSendErr{} }}
	eng := newEngine(testConfig(), fsys, ft)

	res := eng.Run(context.Background(), Options{})
	if res.Success != 0 || res.Failed != 1 {
		t.Fatalf("Result = %+v, want 1 failure", res)
	}
	if ft.sends != 3 {
		t.Fatalf("sends = %d, want max_attempts (3)", ft.sends)
	}
	if n := countFiles(t, fsys, "alpha/failed"); n != 1 {
		t.Fatalf("failed folder holds %d files, want 1", n)
	}
}

func TestRunAbortsWhenFailedClosed(t *testing.T) {
	t.Parallel()
	codes := []string{"11111", "22222", "33333", "44444", "55555"}
	fsys := newTree(t, map[string][]string{"alpha": codes}, codes)

	fails := 0
	ft := &fakeTransport{}
	ft.acquireErr = func(int) error {
		fails++
		ce := &mailer.ConnectError{Attempts: 3, Err: errors.New("dial tcp: refused")}
		if fails >= 3 {
			ce.FailedClosed = true
			ft.open = true
		}
		return ce
	}
	eng := newEngine(testConfig(), fsys, ft)

	var samples []Sample
	res := eng.Run(context.Background(), Options{Observer: func(s Sample) { samples = append(samples, s) }})
	if res.Failed != 3 || res.Success != 0 || res.Cancelled {
		t.Fatalf("Result = %+v, want 3 attempted failures, not cancelled", res)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d progress samples, want 3", len(samples))
	}
	// connection failures leave every file in place for remediation
	if n := countFiles(t, fsys, "alpha/pending"); n != 5 {
		t.Fatalf("pending holds %d files, want all 5 untouched", n)
	}
	if n := countFiles(t, fsys, "alpha/failed"); n != 0 {
		t.Fatalf("failed folder holds %d files, want 0", n)
	}

	// tripping latches within one run only: once the relay recovers, the
	// next run starts with a closed breaker and delivers everything
	ft.acquireErr = nil
	res = eng.Run(context.Background(), Options{})
	if ft.resets != 2 {
		t.Fatalf("resets = %d, want one per run", ft.resets)
	}
	if res.Success != 5 || res.Failed != 0 {
		t.Fatalf("recovery run Result = %+v, want 5 successes", res)
	}
	if n := countFiles(t, fsys, "alpha/pending"); n != 0 {
		t.Fatalf("pending holds %d files after recovery run", n)
	}
	if n := countFiles(t, fsys, "alpha/delivered"); n != 5 {
		t.Fatalf("delivered holds %d files after recovery run, want 5", n)
	}
}

func TestRunCancelledMidRun(t *testing.T) {
	t.Parallel()
	fsys := newTree(t,
		map[string][]string{"alpha": {"11111", "22222", "33333"}},
		[]string{"11111", "22222", "33333"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// task 1 delivers; task 2 sees cancellation while its retry backoff
	// is pending and never resolves
	ft := &fakeTransport{}
	ft.sendErr = func(call int) error {
		if call == 2 {
			cancel()
			return tempSendErr{}
		}
		return nil
	}
	eng := newEngine(testConfig(), fsys, ft)

	res := eng.Run(ctx, Options{})
	if !res.Cancelled {
		t.Fatalf("Result = %+v, want Cancelled", res)
	}
	if res.Success != 1 || res.Failed != 0 {
		t.Fatalf("Result = %+v, unresolved task must not be counted", res)
	}
	// task 1's outcome is kept, tasks 2 and 3 wait for the next run
	if n := countFiles(t, fsys, "alpha/delivered"); n != 1 {
		t.Fatalf("delivered holds %d files, want task 1's only", n)
	}
	if n := countFiles(t, fsys, "alpha/pending"); n != 2 {
		t.Fatalf("pending holds %d files, want the 2 unresolved", n)
	}
	if n := countFiles(t, fsys, "alpha/failed"); n != 0 {
		t.Fatalf("failed folder holds %d files, want 0", n)
	}
}

func TestRunComposeFailureRoutesToFailed(t *testing.T) {
	t.Parallel()
	fsys := newTree(t, map[string][]string{"alpha": {"11111"}}, []string{"11111"})
	ft := &fakeTransport{}
	cfg := testConfig()
	// parses fine, fails at render time
	cfg.Mail.BodyTemplate = "{{.NoSuchField}}"
	eng := newEngine(cfg, fsys, ft)

	res := eng.Run(context.Background(), Options{})
	if res.Success != 0 || res.Failed != 1 {
		t.Fatalf("Result = %+v, want 1 failure", res)
	}
	if ft.sends != 0 {
		t.Fatalf("sends = %d, nothing may go out for an uncomposable task", ft.sends)
	}
	if n := countFiles(t, fsys, "alpha/failed"); n != 1 {
		t.Fatalf("failed folder holds %d files, want 1", n)
	}
	if n := countFiles(t, fsys, "alpha/pending"); n != 0 {
		t.Fatalf("pending still holds %d files", n)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()
	fsys := newTree(t, map[string][]string{"alpha": {"11111", "22222"}}, []string{"11111", "22222"})
	ft := &fakeTransport{}
	eng := newEngine(testConfig(), fsys, ft)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := eng.Run(ctx, Options{})
	if !res.Cancelled || res.Success != 0 || res.Failed != 0 {
		t.Fatalf("Result = %+v, want cancelled with zero counts", res)
	}
	if ft.sends != 0 {
		t.Fatalf("sends = %d, want 0", ft.sends)
	}
	if n := countFiles(t, fsys, "alpha/pending"); n != 2 {
		t.Fatalf("pending holds %d files, want untouched 2", n)
	}
}

func TestRunMissingCredentials(t *testing.T) {
	t.Parallel()
	fsys := newTree(t, map[string][]string{"alpha": {"11111"}}, []string{"11111"})
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.SMTP.Host = ""
	eng := newEngine(cfg, fsys, ft)

	res := eng.Run(context.Background(), Options{})
	if res.Success != 0 || res.Failed != 0 || res.Cancelled {
		t.Fatalf("Result = %+v, want empty", res)
	}
	if ft.acquires != 0 || ft.sends != 0 {
		t.Fatal("no task may run without credentials")
	}
	if n := countFiles(t, fsys, "alpha/pending"); n != 1 {
		t.Fatalf("pending holds %d files, want untouched 1", n)
	}
}

func TestPreviewExcludesUnresolvableCodes(t *testing.T) {
	t.Parallel()
	fsys := newTree(t,
		map[string][]string{"alpha": {"11111", "22222", "33333"}},
		[]string{"11111", "22222"})
	eng := newEngine(testConfig(), fsys, &fakeTransport{})

	if n := eng.Preview(Options{}); n != 2 {
		t.Fatalf("Preview = %d, want 2 of 3 candidates", n)
	}
	// preview is side-effect free
	if n := countFiles(t, fsys, "alpha/pending"); n != 3 {
		t.Fatalf("pending holds %d files after preview, want 3", n)
	}
}

func TestRunProgressSamples(t *testing.T) {
	t.Parallel()
	fsys := newTree(t, map[string][]string{"alpha": {"11111", "22222"}}, []string{"11111", "22222"})
	eng := newEngine(testConfig(), fsys, &fakeTransport{})

	var samples []Sample
	res := eng.Run(context.Background(), Options{Observer: func(s Sample) { samples = append(samples, s) }})
	if res.Success != 2 {
		t.Fatalf("Result = %+v", res)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want one per task", len(samples))
	}
	last := samples[len(samples)-1]
	if last.Completed != 2 || last.Total != 2 || last.Percent != 100 {
		t.Fatalf("final sample = %+v", last)
	}
	if res.Success+res.Failed > last.Total {
		t.Fatalf("success+failed exceeds total: %+v vs %d", res, last.Total)
	}
}
