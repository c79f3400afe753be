package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/c360/connectgate/discovery"
	"github.com/c360/connectgate/natsclient"
)

// bucket is the subset of natsclient.KVStore a sync needs
type bucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Summary counts what a sync changed
type Summary struct {
	Written   []string
	Unchanged int
	Pruned    []string
}

func (s Summary) String() string {
	return fmt.Sprintf("%d written, %d unchanged, %d pruned", len(s.Written), s.Unchanged, len(s.Pruned))
}

type syncOptions struct {
	prune  bool
	dryRun bool
}

// syncFiles makes the bucket hold files. Keys whose value is already equal
// are left alone so watchers see no revision. With prune, keys absent from
// files are deleted.
func syncFiles(ctx context.Context, kv bucket, files discovery.Files, opts syncOptions, logger *slog.Logger) (Summary, error) {
	var sum Summary

	for _, key := range files.Paths() {
		data := files[key]
		current, err := kv.Get(ctx, key)
		switch {
		case err == nil && bytes.Equal(current.Value, data):
			sum.Unchanged++
			continue
		case err != nil && !errors.Is(err, natsclient.ErrKVKeyNotFound):
			return sum, fmt.Errorf("read %s: %w", key, err)
		}

		if !opts.dryRun {
			if _, err := kv.Put(ctx, key, data); err != nil {
				return sum, fmt.Errorf("write %s: %w", key, err)
			}
		}
		logger.Info("Contract file written", "key", key, "bytes", len(data), "dry_run", opts.dryRun)
		sum.Written = append(sum.Written, key)
	}

	if !opts.prune {
		return sum, nil
	}

	keys, err := kv.Keys(ctx)
	if err != nil {
		return sum, fmt.Errorf("list bucket: %w", err)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if _, ok := files[key]; ok {
			continue
		}
		if !opts.dryRun {
			if err := kv.Delete(ctx, key); err != nil && !errors.Is(err, natsclient.ErrKVKeyNotFound) {
				return sum, fmt.Errorf("prune %s: %w", key, err)
			}
		}
		logger.Info("Contract file pruned", "key", key, "dry_run", opts.dryRun)
		sum.Pruned = append(sum.Pruned, key)
	}
	return sum, nil
}
