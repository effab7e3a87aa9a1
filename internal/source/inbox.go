package source

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/model"
	tvyaml "github.com/msageha/taskvault/internal/yaml"
)

const eventExt = ".json"

// settleWindow is how long a freshly written file that fails to parse is left
// alone, in case its writer has not finished.
const settleWindow = 2 * time.Second

//go:embed schema/event.json
var eventSchemaJSON []byte

// Inbox admits event files dropped into a directory. Each *.json file holds
// one Event; it is deleted once admitted and quarantined when invalid.
type Inbox struct {
	dir      string
	vaultDir string
	admitter Admitter
	logger   *logging.Logger
	schema   *jsonschema.Schema
	now      func() time.Time

	// mu serialises Process between the watcher and rescans.
	mu sync.Mutex
}

func NewInbox(dir, vaultDir string, a Admitter, logger *logging.Logger) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Inbox{
		dir:      dir,
		vaultDir: vaultDir,
		admitter: a,
		logger:   logger,
		schema:   sch,
		now:      time.Now,
	}, nil
}

func (in *Inbox) Dir() string { return in.dir }

// Scan processes every event file currently in the inbox, oldest name first.
func (in *Inbox) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return 0, fmt.Errorf("read inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isEventFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	admitted := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return admitted, err
		}
		ok, err := in.Process(ctx, filepath.Join(in.dir, name))
		if err != nil {
			return admitted, err
		}
		if ok {
			admitted++
		}
	}
	return admitted, nil
}

// Process handles one event file. It reports whether a new task was admitted.
// Invalid files are quarantined and not reported as errors; admission
// failures leave the file in place for the next scan.
func (in *Inbox) Process(ctx context.Context, path string) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	ev, err := in.decode(data)
	if err != nil {
		if in.recentlyWritten(path) {
			in.logger.Debugf("inbox_unsettled file=%s", filepath.Base(path))
			return false, nil
		}
		in.quarantine(path, err)
		return false, nil
	}

	adm, err := in.admitter.Admit(ctx, ev)
	if err != nil {
		if errors.Is(err, model.ErrTransientIngest) || errors.Is(err, model.ErrMalformedContent) {
			in.quarantine(path, err)
			return false, nil
		}
		return false, fmt.Errorf("admit %s: %w", filepath.Base(path), err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return adm.Admitted, fmt.Errorf("remove admitted file: %w", err)
	}
	if adm.Admitted {
		in.logger.Infof("inbox_admitted file=%s task=%s", filepath.Base(path), adm.TaskID)
	} else {
		in.logger.Infof("inbox_duplicate file=%s task=%s", filepath.Base(path), adm.TaskID)
	}
	return adm.Admitted, nil
}

func (in *Inbox) decode(data []byte) (Event, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Event{}, fmt.Errorf("%w: invalid JSON: %v", model.ErrTransientIngest, err)
	}
	if err := in.schema.Validate(doc); err != nil {
		return Event{}, fmt.Errorf("%w: %v", model.ErrTransientIngest, err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", model.ErrTransientIngest, err)
	}
	return ev, nil
}

func (in *Inbox) recentlyWritten(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return in.now().Sub(info.ModTime()) < settleWindow
}

func (in *Inbox) quarantine(path string, cause error) {
	dst, err := tvyaml.Quarantine(in.vaultDir, path, in.now())
	if err != nil {
		in.logger.Errorf("inbox_quarantine_failed file=%s error=%v", filepath.Base(path), err)
		return
	}
	in.logger.Warnf("inbox_rejected file=%s quarantined=%s error=%v", filepath.Base(path), filepath.Base(dst), cause)
}

// Run scans once and then processes files as fsnotify reports them until ctx
// is cancelled. Files skipped as unsettled get no further event; the daemon's
// pipeline tick rescans for them.
func (in *Inbox) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}

	if _, err := in.Scan(ctx); err != nil {
		in.logger.Warnf("inbox_scan_failed error=%v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isEventFile(filepath.Base(event.Name)) {
				continue
			}
			in.logger.Debugf("fsnotify event=%s file=%s", event.Op, filepath.Base(event.Name))
			if _, err := in.Process(ctx, event.Name); err != nil {
				in.logger.Warnf("inbox_process_failed file=%s error=%v", filepath.Base(event.Name), err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func isEventFile(name string) bool {
	return strings.HasSuffix(name, eventExt) && !strings.HasPrefix(name, ".")
}

// WriteEvent drops ev into dir as a new event file and returns its path.
func WriteEvent(dir string, ev Event, now time.Time) (string, error) {
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create inbox: %w", err)
	}
	name := fmt.Sprintf("%d-%s%s", now.UnixNano(), safeName(ev.Source), eventExt)
	path := filepath.Join(dir, name)
	if err := tvyaml.AtomicCreateRaw(path, data); err != nil {
		return "", fmt.Errorf("write event file: %w", err)
	}
	return path, nil
}

func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "event"
	}
	return b.String()
}
