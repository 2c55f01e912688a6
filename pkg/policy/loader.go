package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay is how long Watch waits for policy edits to settle.
const reloadDelay = 500 * time.Millisecond

type parseFunc func(path string, data []byte) (*Policy, error)

var parsers = map[string]parseFunc{
	".rego": parseRego,
	".json": parseJSON,
}

// Loader reads policies from .rego and .json files.
//
// A .rego file is a policy on its own; its name is the file name and the
// leading comment block becomes its description. Header comments of the form
// "# severity: warning" and "# tags: a, b" set those fields. A .json file
// carries a Policy object with the module in "rego".
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy file under paths. Directories are walked
// recursively and files are loaded in lexical order.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, root := range paths {
		files, err := policyFiles(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := l.loadFromFile(ctx, file)
			if err != nil {
				return nil, err
			}
			policies = append(policies, *p)
		}
	}

	l.logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("policies loaded")
	return policies, nil
}

// policyFiles lists the policy files at root, which may be a file.
func policyFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

func isPolicyFile(path string) bool {
	_, ok := parsers[filepath.Ext(path)]
	return ok
}

// loadFromFile parses one file. Results are cached until the file's size
// or modification time changes.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	parse, ok := parsers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy: %w", err)
	}

	l.mu.Lock()
	cached, hit := l.cache[path]
	l.mu.Unlock()
	if hit && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		p := cached.policy
		return &p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	p, err := parse(path, data)
	if err != nil {
		return nil, err
	}
	p.Source = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: *p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("policy parsed")
	return p, nil
}

func parseRego(path string, data []byte) (*Policy, error) {
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityError,
		Enabled:  true,
	}
	if err := readHeader(p, string(data)); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// readHeader fills the description and directives from the first comment
// block of a Rego module.
func readHeader(p *Policy, src string) error {
	var desc []string
	inBlock := false

	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if inBlock {
				break
			}
			continue
		}
		inBlock = true
		comment = strings.TrimSpace(comment)

		key, value, _ := strings.Cut(comment, ":")
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "severity":
			sev := Severity(strings.ToLower(strings.TrimSpace(value)))
			switch sev {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				p.Severity = sev
			default:
				return fmt.Errorf("unknown severity %q", sev)
			}
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		default:
			if comment != "" {
				desc = append(desc, comment)
			}
		}
	}
	p.Description = strings.Join(desc, " ")
	return sc.Err()
}

// parseJSON reads a Policy object. A definition without "enabled" is
// enabled and one without "name" is named after the file.
func parseJSON(path string, data []byte) (*Policy, error) {
	p := &Policy{Enabled: true}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego source", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	return p, nil
}

// Watch reloads the policies under paths whenever a policy file is written,
// created, removed or renamed, and hands the full set to reload. Edits are
// debounced. The watch runs in the background until ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		if err := addTree(watcher, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("policy path not watched")
		}
	}

	go l.watchLoop(ctx, watcher, paths, reload)
	l.logger.Info().Strs("paths", paths).Msg("watching policies")
	return nil
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addTree(watcher, event.Name)
				}
			}
			if !isPolicyFile(event.Name) ||
				!(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("policy file changed")
			timer.Reset(reloadDelay)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reload(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("policy reload failed, keeping the previous set")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("policy watcher error")
		}
	}
}
