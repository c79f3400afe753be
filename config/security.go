package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Input limits for configuration files and overrides
const (
	maxConfigSize = 4 << 20
	maxDocDepth   = 64
	maxEnvVarLen  = 8192
	maxPathLen    = 4096
)

var configExtensions = []string{".json", ".yaml", ".yml"}

// checkConfigPath rejects paths the loader will not open. Relative paths
// must be local to the working directory; absolute paths are taken as given.
func checkConfigPath(path string) error {
	switch {
	case path == "":
		return errors.New("empty config path")
	case len(path) > maxPathLen:
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	case !filepath.IsAbs(path) && !filepath.IsLocal(path):
		return fmt.Errorf("path %s escapes the working directory", path)
	}
	if ext := strings.ToLower(filepath.Ext(path)); !slices.Contains(configExtensions, ext) {
		return fmt.Errorf("unsupported config extension %q (want one of %s)",
			ext, strings.Join(configExtensions, ", "))
	}
	return nil
}

// readConfigFile reads at most maxConfigSize bytes from a regular file
func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file too large: more than %d bytes", maxConfigSize)
	}
	return data, nil
}

// writeConfigFile replaces path atomically with owner-only permissions
func writeConfigFile(path string, data []byte) error {
	if err := checkConfigPath(path); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("config data too large: %d bytes > %d", len(data), maxConfigSize)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func checkEnvValue(key, value string) error {
	switch {
	case value == "":
		return nil
	case len(value) > maxEnvVarLen:
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	case strings.ContainsRune(value, 0):
		return fmt.Errorf("null byte in environment variable %s", key)
	case !utf8.ValidString(value):
		return fmt.Errorf("environment variable %s is not valid UTF-8", key)
	}
	return nil
}

// checkDocumentDepth parses data as YAML, which also accepts JSON, and
// rejects documents nested deeper than maxDocDepth.
func checkDocumentDepth(data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("malformed document: %w", err)
	}
	if d := nodeDepth(&doc, 0); d > maxDocDepth {
		return fmt.Errorf("document nesting too deep: %d > %d", d, maxDocDepth)
	}
	return nil
}

func nodeDepth(n *yaml.Node, depth int) int {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		depth++
	}
	// stop descending once the limit is exceeded
	if depth > maxDocDepth {
		return depth
	}
	deepest := depth
	for _, child := range n.Content {
		deepest = max(deepest, nodeDepth(child, depth))
		if deepest > maxDocDepth {
			break
		}
	}
	return deepest
}
