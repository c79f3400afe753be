package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c360/connectgate/natsclient"
)

// SchemaFile is the backend schema at the root of every contract source
const SchemaFile = "schema.graphql"

// ServiceFile is the contract-definition file of a service directory
const ServiceFile = "service.yaml"

const maxFileSize = 1 << 20

// Files is a snapshot of a contract source keyed by slash path relative to
// the source root.
type Files map[string][]byte

// Paths returns the snapshot's paths in sorted order
func (f Files) Paths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Source yields complete snapshots of a contract tree
type Source interface {
	Snapshot(ctx context.Context) (Files, error)
	Location() string
}

// DirSource reads a contract tree from disk
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at dir
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: filepath.Clean(dir)}
}

// Root returns the directory the source reads
func (s *DirSource) Root() string {
	return s.root
}

// Location implements Source
func (s *DirSource) Location() string {
	return s.root
}

// Snapshot reads the root schema and every file one directory deep. Hidden
// files and directories are ignored.
func (s *DirSource) Snapshot(ctx context.Context) (Files, error) {
	info, err := os.Stat(s.root)
	if err != nil {
		return nil, fmt.Errorf("contract root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("contract root %s is not a directory", s.root)
	}

	files := make(Files)
	err = filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		depth := strings.Count(rel, "/")

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if depth > 0 {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Size() > maxFileSize {
			return fmt.Errorf("%s: file too large (%d bytes)", rel, fi.Size())
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// KVSource reads a contract tree from a NATS KV bucket whose keys are the
// slash paths of the tree.
type KVSource struct {
	store  *natsclient.KVStore
	bucket string
}

// NewKVSource creates a source over an opened bucket
func NewKVSource(store *natsclient.KVStore, bucket string) *KVSource {
	return &KVSource{store: store, bucket: bucket}
}

// Store returns the underlying KV store
func (s *KVSource) Store() *natsclient.KVStore {
	return s.store
}

// Location implements Source
func (s *KVSource) Location() string {
	return "nats-kv://" + s.bucket
}

// Snapshot reads every key of the bucket
func (s *KVSource) Snapshot(ctx context.Context) (Files, error) {
	raw, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", s.bucket, err)
	}
	files := make(Files, len(raw))
	for key, data := range raw {
		files[path.Clean(key)] = data
	}
	return files, nil
}

// MapSource serves a fixed snapshot, for tests and embedded fixtures
type MapSource struct {
	Name  string
	Files Files
}

// Location implements Source
func (s *MapSource) Location() string {
	return s.Name
}

// Snapshot returns a copy of the fixed files
func (s *MapSource) Snapshot(context.Context) (Files, error) {
	out := make(Files, len(s.Files))
	for k, v := range s.Files {
		out[k] = v
	}
	return out, nil
}
