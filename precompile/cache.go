// Package precompile is an on-disk, content-addressed store of compiled
// modules. It is an optimization only: when the disk misbehaves it falls
// back to compiling on every call.
package precompile

import (
	"context"
	"encoding/base32"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/bytebuf"
	"github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/metrics"
)

const markerName = ".test"

var hashEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// Key identifies one compiled artifact.
type Key struct {
	Hash    string
	Mode    dualvm.Mode
	BuildID string
}

// NewKey hashes code and binds it to a mode and build identity.
func NewKey(code []byte, mode dualvm.Mode, buildID string) Key {
	sum := sha3.Sum224(code)
	return Key{
		Hash:    strings.ToLower(hashEncoding.EncodeToString(sum[:])),
		Mode:    mode,
		BuildID: buildID,
	}
}

func (k Key) String() string {
	return k.BuildID + "/" + k.Hash + "." + k.Mode.String()
}

func (k Key) relPath() string {
	return filepath.Join("pc", k.BuildID, k.Hash[:2], k.Hash[2:]+"."+k.Mode.String())
}

// CompileFunc turns raw module bytes into an artifact.
type CompileFunc func(ctx context.Context, raw []byte) ([]byte, error)

// Artifact is a compiled module. Path is empty when the artifact could not
// be persisted.
type Artifact struct {
	Path string
	Data *bytebuf.Buffer
}

// Bytes returns the artifact contents.
func (a *Artifact) Bytes() []byte {
	return a.Data.View().Bytes()
}

// Release unmaps the artifact.
func (a *Artifact) Release() error {
	return a.Data.Release()
}

// Cache is safe for concurrent use.
type Cache struct {
	dir      string
	metrics  *metrics.Registry
	log      *zap.Logger
	group    singleflight.Group
	writable atomic.Bool
}

type flight struct {
	path string
	data []byte
}

// Open prepares dir for use and verifies that it is writable by creating and
// removing a marker file. Failure is a configuration error.
func Open(dir string, reg *metrics.Registry, log *zap.Logger) (*Cache, error) {
	if dir == "" {
		return nil, errors.Config("precompile cache directory is not set", nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	root := filepath.Join(dir, "pc")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.New(errors.PhaseConfig, errors.KindConfig).
			Path(root).Detail("create precompile cache directory").Cause(err).Build()
	}
	marker := filepath.Join(root, markerName)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return nil, errors.New(errors.PhaseConfig, errors.KindConfig).
			Path(marker).Detail("precompile cache directory is not writable").Cause(err).Build()
	}
	if err := os.Remove(marker); err != nil {
		return nil, errors.New(errors.PhaseConfig, errors.KindConfig).
			Path(marker).Detail("remove marker file").Cause(err).Build()
	}

	c := &Cache{dir: dir, metrics: reg, log: log.Named("precompile")}
	c.writable.Store(true)
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Writable reports whether artifacts are still being persisted.
func (c *Cache) Writable() bool {
	return c.writable.Load()
}

// PathFor returns where the artifact for key lives.
func (c *Cache) PathFor(key Key) string {
	return filepath.Join(c.dir, key.relPath())
}

// GetOrCompile returns the artifact for key, compiling raw when it is not
// cached. Concurrent callers with the same key share one compilation.
func (c *Cache) GetOrCompile(ctx context.Context, key Key, raw []byte, compile CompileFunc) (*Artifact, error) {
	path := c.PathFor(key)
	if a, ok := c.load(path); ok {
		c.metrics.Supervisor.PrecompileHits.Inc()
		return a, nil
	}

	ch := c.group.DoChan(key.String(), func() (any, error) {
		if _, err := os.Stat(path); err == nil {
			c.metrics.Supervisor.PrecompileHits.Inc()
			return flight{path: path}, nil
		}
		return c.compile(context.WithoutCancel(ctx), path, raw, compile)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindCancelled, ctx.Err(), "wait for compilation of "+key.String())
	}
	if res.Err != nil {
		return nil, res.Err
	}

	f := res.Val.(flight)
	if f.path != "" {
		if a, ok := c.load(f.path); ok {
			return a, nil
		}
	}
	if f.data == nil {
		return nil, errors.CacheIO("read", path, fs.ErrNotExist)
	}
	return &Artifact{Data: bytebuf.FromBytes(f.data)}, nil
}

func (c *Cache) compile(ctx context.Context, path string, raw []byte, compile CompileFunc) (flight, error) {
	stop := c.metrics.Supervisor.CompilationTime.Start()
	data, err := compile(ctx, raw)
	elapsed := stop()
	if err != nil {
		return flight{}, err
	}
	c.metrics.Supervisor.CompiledModules.Inc()
	c.log.Debug("compiled module", zap.String("path", path), zap.Duration("elapsed", elapsed), zap.Int("size", len(data)))

	if !c.writable.Load() {
		return flight{data: data}, nil
	}
	if err := writeAtomic(path, data); err != nil {
		c.writable.Store(false)
		c.log.Warn("precompile cache disabled, modules will be recompiled", zap.Error(err))
		return flight{data: data}, nil
	}
	return flight{path: path, data: data}, nil
}

func (c *Cache) load(path string) (*Artifact, bool) {
	buf, err := bytebuf.Map(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Debug("cached artifact unreadable", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}
	return &Artifact{Path: path, Data: buf}, true
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.CacheIO("mkdir", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.CacheIO("create temp file", dir, err)
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return errors.CacheIO(op, tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.CacheIO("close", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.CacheIO("rename", path, fmt.Errorf("from %s: %w", tmpName, err))
	}
	return nil
}
