package procreg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/roelfdiedericks/chromewire/internal/metrics"
)

func testRegistry(t *testing.T, ctrl Controller) (*Registry, *metrics.Recorder) {
	t.Helper()
	rec := metrics.NewRecorder()
	r, err := New(filepath.Join(t.TempDir(), "registry"), Options{
		TerminateGrace: 2 * time.Second,
		KillWait:       2 * time.Second,
		PollInterval:   10 * time.Millisecond,
		Metrics:        rec,
		Controller:     ctrl,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, rec
}

type sleeper struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// spawnSleeper starts a long-running child and reaps it in the background so
// a killed child does not linger as a zombie.
func spawnSleeper(t *testing.T) *sleeper {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	s := &sleeper{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(s.done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-s.done
	})
	return s
}

func (s *sleeper) pid() int { return s.cmd.Process.Pid }

func (s *sleeper) exited(d time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(d):
		return false
	}
}

func deadPID(t *testing.T) int {
	t.Helper()
	s := spawnSleeper(t)
	_ = s.cmd.Process.Kill()
	if !s.exited(5 * time.Second) {
		t.Fatalf("sleeper did not exit")
	}
	return s.pid()
}

func TestReconcileWithoutRecord(t *testing.T) {
	r, m := testRegistry(t, nil)
	stale, err := r.Reconcile(context.Background(), "bot1")
	if err != nil || stale {
		t.Fatalf("Reconcile = %v, %v; want false, nil", stale, err)
	}
	if m.Outcome("procreg", "reconcile", "none") != 1 {
		t.Fatalf("outcome not recorded")
	}
}

func TestReconcileDeadProcess(t *testing.T) {
	r, _ := testRegistry(t, nil)
	pid := deadPID(t)
	if _, err := r.RecordLaunch("bot1", pid, ""); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}

	stale, err := r.Reconcile(context.Background(), "bot1")
	if err != nil || stale {
		t.Fatalf("Reconcile = %v, %v; want false, nil", stale, err)
	}
	if _, err := r.Info("bot1"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("record survived reconcile: %v", err)
	}
}

func TestReconcileLiveProcess(t *testing.T) {
	r, m := testRegistry(t, nil)
	s := spawnSleeper(t)
	if _, err := r.RecordLaunch("bot1", s.pid(), ""); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}

	stale, err := r.Reconcile(context.Background(), "bot1")
	if err != nil || !stale {
		t.Fatalf("Reconcile = %v, %v; want true, nil", stale, err)
	}
	if !s.exited(5 * time.Second) {
		t.Fatalf("process %d still alive after reconcile", s.pid())
	}
	if _, err := r.Info("bot1"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("record survived reconcile: %v", err)
	}
	if m.Outcome("procreg", "reconcile", "killed") != 1 {
		t.Fatalf("outcome not recorded")
	}
}

func TestReconcileReusedPID(t *testing.T) {
	s := spawnSleeper(t)
	if _, err := SystemController().CommandLine(s.pid()); err != nil {
		t.Skipf("command line not available: %v", err)
	}
	r, _ := testRegistry(t, nil)
	if _, err := r.RecordLaunch("bot1", s.pid(), "/nonexistent/profiles/bot1"); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}

	stale, err := r.Reconcile(context.Background(), "bot1")
	if err != nil || stale {
		t.Fatalf("Reconcile = %v, %v; want false, nil", stale, err)
	}
	if s.exited(100 * time.Millisecond) {
		t.Fatalf("unrelated process was killed")
	}
	if _, err := r.Info("bot1"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("record survived reconcile: %v", err)
	}
}

func TestRecordLaunchOverwrites(t *testing.T) {
	r, _ := testRegistry(t, nil)
	first, err := r.RecordLaunch("bot1", 1001, "/p")
	if err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	second, err := r.RecordLaunch("bot1", 1002, "/p")
	if err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	if first.LaunchID == second.LaunchID {
		t.Fatalf("launch ids repeat")
	}

	all, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Record{{Name: "bot1", PID: 1002, ProfileDir: "/p", LaunchID: second.LaunchID, Version: recordVersion}}
	if diff := cmp.Diff(want, all, cmpopts.IgnoreFields(Record{}, "Timestamp")); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}
}

func TestRecordIgnoresUnknownFields(t *testing.T) {
	r, _ := testRegistry(t, nil)
	data := `{"name":"bot1","pid":42,"timestamp":"2026-01-02T03:04:05Z","version":7,"future":{"x":1}}`
	if err := os.WriteFile(filepath.Join(r.Dir(), "bot1.json"), []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	rec, err := r.Info("bot1")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if rec.PID != 42 || rec.Version != 7 || rec.Timestamp.Year() != 2026 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSweepOrphans(t *testing.T) {
	r, _ := testRegistry(t, nil)
	live := spawnSleeper(t)
	dead := deadPID(t)

	for name, pid := range map[string]int{"alive": live.pid(), "gone": dead, "Gone.Too": dead} {
		if _, err := r.RecordLaunch(name, pid, ""); err != nil {
			t.Fatalf("RecordLaunch(%s): %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(r.Dir(), "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	removed, err := r.SweepOrphans()
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if diff := cmp.Diff([]string{"Gone.Too", "gone"}, removed); diff != "" {
		t.Fatalf("removed (-want +got):\n%s", diff)
	}
	if live.exited(50 * time.Millisecond) {
		t.Fatalf("sweep signalled a live process")
	}

	active, err := r.ListActive()
	if err != nil || len(active) != 1 || active[0].Name != "alive" {
		t.Fatalf("ListActive = %+v, %v", active, err)
	}
	if err := r.Remove("alive"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.Remove("alive"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestRemoveOwnedKeepsNewerLaunch(t *testing.T) {
	r, _ := testRegistry(t, nil)

	if _, err := r.RecordLaunch("bot1", 100, ""); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	if _, err := r.RecordLaunch("bot1", 200, ""); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}

	if err := r.RemoveOwned("bot1", 100); err != nil {
		t.Fatalf("RemoveOwned old pid: %v", err)
	}
	rec, err := r.Info("bot1")
	if err != nil || rec.PID != 200 {
		t.Fatalf("record = %+v, %v; want pid 200 kept", rec, err)
	}

	if err := r.RemoveOwned("bot1", 200); err != nil {
		t.Fatalf("RemoveOwned current pid: %v", err)
	}
	if _, err := r.Info("bot1"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("Info after RemoveOwned = %v, want ErrNoRecord", err)
	}
	if err := r.RemoveOwned("bot1", 200); err != nil {
		t.Fatalf("RemoveOwned without record: %v", err)
	}
}

// fakeController simulates processes that react to signals in scripted ways.
type fakeController struct {
	mu        sync.Mutex
	alive     map[int]bool
	ignore    map[int]int // number of signals the pid survives
	signalled []string
}

func (f *fakeController) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeController) deliver(kind string, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signalled = append(f.signalled, kind)
	if f.ignore[pid] > 0 {
		f.ignore[pid]--
		return nil
	}
	delete(f.alive, pid)
	return nil
}

func (f *fakeController) Terminate(pid int) error { return f.deliver("term", pid) }

func (f *fakeController) Kill(pid int) error { return f.deliver("kill", pid) }

func (f *fakeController) CommandLine(int) (string, error) { return "", errors.ErrUnsupported }

func TestReconcileEscalates(t *testing.T) {
	tests := []struct {
		name      string
		ignore    int
		wantStale bool
		wantErr   bool
		signals   []string
	}{
		{"terminate suffices", 0, true, false, []string{"term"}},
		{"needs kill", 1, true, false, []string{"term", "kill"}},
		{"survives kill", 2, false, true, []string{"term", "kill"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeController{alive: map[int]bool{77: true}, ignore: map[int]int{77: tt.ignore}}
			r, _ := testRegistry(t, fc)
			r.opts.TerminateGrace = 50 * time.Millisecond
			r.opts.KillWait = 50 * time.Millisecond
			if _, err := r.RecordLaunch("bot1", 77, ""); err != nil {
				t.Fatalf("RecordLaunch: %v", err)
			}

			stale, err := r.Reconcile(context.Background(), "bot1")
			if stale != tt.wantStale || (err != nil) != tt.wantErr {
				t.Fatalf("Reconcile = %v, %v", stale, err)
			}
			if diff := cmp.Diff(tt.signals, fc.signalled); diff != "" {
				t.Fatalf("signals (-want +got):\n%s", diff)
			}

			_, infoErr := r.Info("bot1")
			if tt.wantErr {
				var le *LifecycleError
				if !errors.As(err, &le) || !errors.Is(err, ErrProcessLifecycle) || le.PID != 77 {
					t.Fatalf("err = %v, want *LifecycleError for pid 77", err)
				}
				if infoErr != nil {
					t.Fatalf("record dropped after failed reconcile: %v", infoErr)
				}
			} else if !errors.Is(infoErr, ErrNoRecord) {
				t.Fatalf("record survived: %v", infoErr)
			}
		})
	}
}

func TestReconcileSerializesPerName(t *testing.T) {
	fc := &fakeController{alive: map[int]bool{5: true}, ignore: map[int]int{}}
	r, _ := testRegistry(t, fc)
	if _, err := r.RecordLaunch("bot1", 5, ""); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stale, err := r.Reconcile(context.Background(), "bot1")
			if err != nil {
				t.Errorf("Reconcile: %v", err)
			}
			results <- stale
		}()
	}
	wg.Wait()
	close(results)

	n := 0
	for stale := range results {
		if stale {
			n++
		}
	}
	if n != 1 || len(fc.signalled) != 1 {
		t.Fatalf("%d reconciles saw a stale process, %d signals sent; want 1 and 1", n, len(fc.signalled))
	}
}

func TestReconcileCorruptRecordIsFatal(t *testing.T) {
	r, _ := testRegistry(t, nil)
	if err := os.WriteFile(filepath.Join(r.Dir(), "bot1.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reconcile(context.Background(), "bot1"); !errors.Is(err, ErrProcessLifecycle) {
		t.Fatalf("err = %v, want ErrProcessLifecycle", err)
	}
}
