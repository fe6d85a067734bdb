package lineindex

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	enc "github.com/ltviewer/ltviewer/encoding"
	"github.com/ltviewer/ltviewer/reader"

	"github.com/DataDog/zstd"
	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v3"
)

// cacheVersion is bumped whenever the on-disk sidecar layout changes.
const cacheVersion = 1

// cacheSuffix mirrors the teacher's ".bsx" sidecar suffix, scoped to
// this engine's own cache format.
const cacheSuffix = "ltvidx"

// cacheFile is the zstd-compressed YAML sidecar body, the Sparse-index
// equivalent of the teacher's Index struct in index.go.
type cacheFile struct {
	Version     int          `yaml:"version"`
	Epoch       int64        `yaml:"epoch"`
	Length      int64        `yaml:"length"`
	Encoding    int          `yaml:"encoding"`
	Estimated   uint64       `yaml:"estimated_total"`
	Checkpoints []checkpoint `yaml:"checkpoints"`
}

// cachePath derives the sidecar path for sourcePath, folding '.' to '_'
// the same way the teacher's indexFile does, so a cache for
// "access.log" lives alongside it as "access_log.ltvidx".
func cachePath(sourcePath string) (string, error) {
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return "", err
	}
	dir, base := filepath.Split(abs)
	folded := strings.ReplaceAll(base, ".", "_")
	return filepath.Join(dir, folded+"."+cacheSuffix), nil
}

// loadCache returns a Sparse Index loaded from sourcePath's sidecar, and
// true, if one exists, is not newer-invalidated by the source file's
// mtime, and matches length and cache version. Any failure is treated as
// a cache miss, never as a hard error: a missing or stale cache simply
// means Build falls back to a cold scan.
func loadCache(sourcePath string, length int64, override string, logger *zerolog.Logger) (*Index, bool) {
	path := override
	if path == "" {
		p, err := cachePath(sourcePath)
		if err != nil {
			return nil, false
		}
		path = p
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer func() { _ = fh.Close() }()

	zr := zstd.NewReader(fh)
	defer func() { _ = zr.Close() }()

	data, err := ioutil.ReadAll(zr)
	if err != nil {
		return nil, false
	}

	var cf cacheFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, false
	}
	if cf.Version != cacheVersion || cf.Length != length {
		return nil, false
	}

	fi, err := reader.Stat(sourcePath)
	if err != nil || fi.ModTime().Unix() > cf.Epoch {
		return nil, false
	}

	if logger != nil {
		logger.Debug().Str("cache", path).Int("checkpoints", len(cf.Checkpoints)).Msg("lineindex: loaded cache sidecar")
	}

	return &Index{
		kind:         Sparse,
		length:       cf.Length,
		encoding:     enc.Encoding(cf.Encoding),
		checkpoints:  cf.Checkpoints,
		estimatedTot: cf.Estimated,
		logger:       logger,
	}, true
}

// saveCache writes idx's checkpoints to sourcePath's sidecar. Failure is
// non-fatal to the caller: Build logs and continues uncached.
func saveCache(sourcePath, override string, idx *Index) error {
	path := override
	if path == "" {
		p, err := cachePath(sourcePath)
		if err != nil {
			return err
		}
		path = p
	}

	fi, err := reader.Stat(sourcePath)
	if err != nil {
		return err
	}

	cf := cacheFile{
		Version:     cacheVersion,
		Epoch:       fi.ModTime().Unix(),
		Length:      idx.length,
		Encoding:    int(idx.encoding),
		Estimated:   idx.estimatedTot,
		Checkpoints: idx.checkpoints,
	}

	data, err := yaml.Marshal(&cf)
	if err != nil {
		return err
	}

	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = fh.Close() }()

	zw := zstd.NewWriter(fh)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}
