package runners

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/dualvm/action"
	"github.com/wippyai/dualvm/bytebuf"
	"github.com/wippyai/dualvm/errors"
)

var archiveExts = []string{".tar", ".zip"}

// Store loads runner archives from disk and keeps them for the lifetime of
// the store. It is safe for concurrent use.
type Store struct {
	dir      string
	registry *Registry
	debug    bool
	log      *zap.Logger

	mu       sync.RWMutex
	archives map[string]*Archive
	group    singleflight.Group
}

// NewStore opens the runner directory dir.
func NewStore(dir string, registry *Registry, debug bool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		registry = &Registry{}
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		if err == nil {
			err = fs.ErrInvalid
		}
		return nil, errors.New(errors.PhaseConfig, errors.KindConfig).
			Path(dir).Detail("runners directory is not usable").Cause(err).Build()
	}
	return &Store{
		dir:      dir,
		registry: registry,
		debug:    debug,
		log:      log.Named("runners"),
		archives: map[string]*Archive{},
	}, nil
}

// Register makes an in-memory archive available under name. Registered
// names bypass id validation.
func (s *Store) Register(name string, a *Archive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.archives[name]; ok && old != a {
		old.Release()
	}
	a.ID = name
	s.archives[name] = a
}

// Canonical validates name and unfolds the debug aliases through the
// registry.
func (s *Store) Canonical(name string) (string, error) {
	s.mu.RLock()
	_, registered := s.archives[name]
	s.mu.RUnlock()
	if registered {
		return name, nil
	}

	id, err := ParseID(name)
	if err != nil {
		return "", err
	}
	if id.IsAlias() {
		if !s.debug {
			return "", errors.New(errors.PhaseLoad, errors.KindConfig).
				Detail("runner %q: %s/%s hashes are only allowed in debug mode", name, HashLatest, HashTest).Build()
		}
		hash, ok := s.registry.Latest(id.Name)
		if !ok {
			return "", errors.NotFound(errors.PhaseLoad, "latest build of runner", id.Name)
		}
		s.log.Debug("unfolded runner alias", zap.String("from", name), zap.String("hash", hash))
		id.Hash = hash
	}
	if !s.registry.Known(id) {
		return "", errors.NotFound(errors.PhaseLoad, "registered runner", id.String())
	}
	return id.String(), nil
}

// Open returns the archive for name, loading it on first use.
func (s *Store) Open(ctx context.Context, name string) (*Archive, error) {
	id, err := s.Canonical(name)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	a, ok := s.archives[id]
	s.mu.RUnlock()
	if ok {
		return a, nil
	}

	ch := s.group.DoChan(id, func() (any, error) {
		s.mu.RLock()
		a, ok := s.archives[id]
		s.mu.RUnlock()
		if ok {
			return a, nil
		}
		a, err := s.load(id)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.archives[id] = a
		s.mu.Unlock()
		return a, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Archive), nil
	case <-ctx.Done():
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindCancelled, ctx.Err(), "load runner "+id)
	}
}

func (s *Store) load(name string) (*Archive, error) {
	id, err := ParseID(name)
	if err != nil {
		return nil, err
	}
	sub, ok := id.subpath()
	if !ok {
		return nil, errors.NotFound(errors.PhaseLoad, "runner", name)
	}
	base := filepath.Join(s.dir, filepath.FromSlash(sub))
	for _, ext := range archiveExts {
		path := base + ext
		buf, err := bytebuf.Map(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errors.Load("map runner "+name, err)
		}
		var a *Archive
		if ext == ".zip" {
			a, err = FromZip(name, buf)
		} else {
			a, err = FromUstar(name, buf)
		}
		if err != nil {
			buf.Release()
			return nil, err
		}
		s.log.Debug("loaded runner", zap.String("runner", name), zap.String("path", path), zap.Int("files", len(a.Names())))
		return a, nil
	}
	return nil, errors.NotFound(errors.PhaseLoad, "runner", name)
}

// Lookup implements action.Resolver.
func (s *Store) Lookup(name string) (string, action.Action, error) {
	a, err := s.Open(context.Background(), name)
	if err != nil {
		return "", nil, err
	}
	tree, err := a.Actions()
	if err != nil {
		return "", nil, err
	}
	return a.ID, tree, nil
}

// List returns the ids of every archive on disk, sorted.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".tar" && ext != ".zip" {
			return nil
		}
		rel, err := filepath.Rel(s.dir, strings.TrimSuffix(path, ext))
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		id := ID{Name: parts[0], Hash: parts[1] + parts[2]}
		if _, err := ParseID(id.String()); err == nil {
			ids = append(ids, id.String())
		}
		return nil
	})
	if err != nil {
		return nil, errors.Load("list runners in "+s.dir, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases every loaded archive.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for id, a := range s.archives {
		if err := a.Release(); err != nil && first == nil {
			first = err
		}
		delete(s.archives, id)
	}
	return first
}
