package trigger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/shunt/internal/filter"
	"github.com/lsm/shunt/internal/sideline"
)

// requestDoc is the yaml document an operator drops into the trigger
// directory:
//
//	action: start            # or stop
//	filters:
//	  - expression: 'fields.region == "eu"'
type requestDoc struct {
	Action  string `yaml:"action"`
	Filters []struct {
		Expression string `yaml:"expression"`
	} `yaml:"filters"`
}

// FileTrigger fires sideline requests from yaml files written into a
// watched directory. Only files created or modified while the watcher is
// running are acted on; pre-existing files are ignored so a restart does
// not replay old requests.
type FileTrigger struct {
	dir    string
	logger *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileTrigger creates a trigger watching dir.
func NewFileTrigger(dir string, logger *slog.Logger) *FileTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTrigger{dir: dir, logger: logger}
}

func (t *FileTrigger) Open(s Sideliner) error {
	if _, err := os.Stat(t.dir); err != nil {
		return fmt.Errorf("trigger dir %s: %w", t.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(t.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch dir %s: %w", t.dir, err)
	}
	t.watcher = watcher
	t.done = make(chan struct{})

	go t.run(s)

	t.logger.Info("watching trigger directory", "dir", t.dir)
	return nil
}

func (t *FileTrigger) run(s Sideliner) {
	for {
		select {
		case <-t.done:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if err := t.handleFile(s, event.Name); err != nil {
				t.logger.Error("trigger file rejected", "file", event.Name, "error", err)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error("watcher error", "error", err)
		}
	}
}

func (t *FileTrigger) handleFile(s Sideliner, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	var doc requestDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if len(doc.Filters) == 0 {
		return fmt.Errorf("no filters defined")
	}

	steps := make([]filter.Step, len(doc.Filters))
	for i, f := range doc.Filters {
		step, err := filter.NewStep(f.Expression)
		if err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
		steps[i] = step
	}
	req := sideline.Request{Steps: steps}

	switch doc.Action {
	case "start":
		id, err := s.StartSideline(req)
		if err != nil {
			return err
		}
		t.logger.Info("sideline start triggered", "file", path, "id", id)
	case "stop":
		if err := s.StopSideline(req); err != nil {
			return err
		}
		t.logger.Info("sideline stop triggered", "file", path)
	default:
		return fmt.Errorf("unknown action %q", doc.Action)
	}
	return nil
}

func (t *FileTrigger) Close() error {
	if t.done != nil {
		close(t.done)
	}
	if t.watcher != nil {
		return t.watcher.Close()
	}
	return nil
}
