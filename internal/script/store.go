package script

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/metadata"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// CachedResource is an @resource body fetched at install time.
type CachedResource struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// Script is an installed userscript. Source lives in <id>.user.js, the rest
// in the <id>.json sidecar.
type Script struct {
	ID          string                    `json:"id"`
	Namespace   string                    `json:"namespace"`
	Name        string                    `json:"name"`
	Enabled     bool                      `json:"enabled"`
	InstallSeq  int64                     `json:"install_seq"`
	InstalledAt time.Time                 `json:"installed_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	SourceURL   string                    `json:"source_url,omitempty"`
	Meta        *metadata.Metadata        `json:"metadata"`
	Resources   map[string]CachedResource `json:"resources,omitempty"`
	Requires    []CachedResource          `json:"requires,omitempty"`
	Source      string                    `json:"-"`
}

// IDFor derives the stable script ID from its identity.
func IDFor(namespace, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"\x00"+name)).String()
}

// Clone returns a copy that can be modified without touching the store.
func (s *Script) Clone() *Script {
	c := *s
	if s.Resources != nil {
		c.Resources = make(map[string]CachedResource, len(s.Resources))
		for k, v := range s.Resources {
			c.Resources[k] = v
		}
	}
	c.Requires = append([]CachedResource(nil), s.Requires...)
	return &c
}

// Store is the installed script set, kept in memory and mirrored to disk.
type Store struct {
	dir string

	mu      sync.RWMutex
	scripts map[string]*Script
	nextSeq int64
}

// NewStore creates a Store rooted at dir and loads any scripts already there.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Storage("script store: mkdir "+dir, err)
	}
	s := &Store{dir: dir, scripts: make(map[string]*Script), nextSeq: 1}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) validateID(id string) error {
	if !uuidRe.MatchString(id) {
		return apperr.Validation(fmt.Sprintf("invalid script id: %q", id))
	}
	return nil
}

func (s *Store) load() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return apperr.Storage("script store: glob", err)
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("script sidecar unreadable, skipping", "path", path, "error", err)
			continue
		}
		var sc Script
		if err := json.Unmarshal(data, &sc); err != nil || s.validateID(sc.ID) != nil {
			slog.Warn("script sidecar invalid, skipping", "path", path, "error", err)
			continue
		}
		src, err := os.ReadFile(filepath.Join(s.dir, sc.ID+".user.js"))
		if err != nil {
			slog.Warn("script source missing, skipping", "id", sc.ID, "error", err)
			continue
		}
		sc.Source = string(src)
		s.scripts[sc.ID] = &sc
		if sc.InstallSeq >= s.nextSeq {
			s.nextSeq = sc.InstallSeq + 1
		}
	}
	slog.Info("script store loaded", "dir", s.dir, "count", len(s.scripts))
	return nil
}

// Put writes a script (source and sidecar) and indexes it. A zero
// InstallSeq is assigned the next install position.
func (s *Store) Put(sc *Script) error {
	if err := s.validateID(sc.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := sc.Clone()
	if c.InstallSeq == 0 {
		c.InstallSeq = s.nextSeq
		s.nextSeq++
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return apperr.Storage("script store: marshal sidecar", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, c.ID+".user.js"), []byte(c.Source)); err != nil {
		return apperr.Storage("script store: write source", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, c.ID+".json"), data); err != nil {
		return apperr.Storage("script store: write sidecar", err)
	}

	s.scripts[c.ID] = c
	sc.InstallSeq = c.InstallSeq
	return nil
}

// Get returns a copy of the script with id.
func (s *Store) Get(id string) (*Script, error) {
	if err := s.validateID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scripts[id]
	if !ok {
		return nil, apperr.NotFound("script not found: " + id)
	}
	return sc.Clone(), nil
}

// List returns all scripts in install order.
func (s *Store) List() []*Script {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Script, 0, len(s.scripts))
	for _, sc := range s.scripts {
		out = append(out, sc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallSeq < out[j].InstallSeq })
	return out
}

// Enabled returns enabled scripts in install order.
func (s *Store) Enabled() []*Script {
	all := s.List()
	out := all[:0]
	for _, sc := range all {
		if sc.Enabled {
			out = append(out, sc)
		}
	}
	return out
}

// SetEnabled flips the enabled flag, patching only that field in the sidecar.
func (s *Store) SetEnabled(id string, enabled bool) error {
	if err := s.validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scripts[id]
	if !ok {
		return apperr.NotFound("script not found: " + id)
	}

	path := filepath.Join(s.dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Storage("script store: read sidecar", err)
	}
	data, err = sjson.SetBytes(data, "enabled", enabled)
	if err != nil {
		return apperr.Storage("script store: patch sidecar", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return apperr.Storage("script store: write sidecar", err)
	}

	sc.Enabled = enabled
	return nil
}

// Delete removes both the source and sidecar files.
func (s *Store) Delete(id string) error {
	if err := s.validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scripts[id]; !ok {
		return apperr.NotFound("script not found: " + id)
	}
	delete(s.scripts, id)

	for _, name := range []string{id + ".user.js", id + ".json"} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			slog.Debug("script file cleanup failed", "file", name, "error", err)
		}
	}
	return nil
}

// writeFileAtomic replaces path with data via a synced temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
