package trigger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lsm/shunt/internal/sideline"
)

type recordingSideliner struct {
	mu     sync.Mutex
	starts []sideline.Request
	stops  []sideline.Request
}

func (r *recordingSideliner) StartSideline(req sideline.Request) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, req)
	return "side-1", nil
}

func (r *recordingSideliner) StopSideline(req sideline.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, req)
	return nil
}

func (r *recordingSideliner) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts), len(r.stops)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFileTriggerStartsAndStops(t *testing.T) {
	dir := t.TempDir()
	side := &recordingSideliner{}
	trig := NewFileTrigger(dir, nil)
	if err := trig.Open(side); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = trig.Close() }()

	start := `
action: start
filters:
  - expression: 'fields.value == "2"'
`
	if err := os.WriteFile(filepath.Join(dir, "divert.yaml"), []byte(start), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { starts, _ := side.counts(); return starts == 1 })

	stop := `
action: stop
filters:
  - expression: 'fields.value == "2"'
`
	if err := os.WriteFile(filepath.Join(dir, "undivert.yaml"), []byte(stop), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { _, stops := side.counts(); return stops == 1 })
}

func TestFileTriggerIgnoresBadFiles(t *testing.T) {
	dir := t.TempDir()
	side := &recordingSideliner{}
	trig := NewFileTrigger(dir, nil)
	if err := trig.Open(side); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = trig.Close() }()

	// Not yaml, bad expression, unknown action: none may fire a request.
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("action: start"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "bad-expr.yaml"), []byte(`
action: start
filters:
  - expression: 'fields.value =='
`), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "bad-action.yaml"), []byte(`
action: pause
filters:
  - expression: 'fields.value == "2"'
`), 0o644)

	time.Sleep(200 * time.Millisecond)
	starts, stops := side.counts()
	if starts != 0 || stops != 0 {
		t.Errorf("rejected files fired requests: starts=%d stops=%d", starts, stops)
	}
}

func TestFileTriggerRequiresExistingDir(t *testing.T) {
	trig := NewFileTrigger("/does/not/exist", nil)
	if err := trig.Open(&recordingSideliner{}); err == nil {
		t.Fatal("expected error for a missing directory")
	}
}
