package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Migrate executes every *.sql file under dir in lexical order and returns how many ran.
// Scripts must be idempotent; a missing directory is not an error.
func (s *Store) Migrate(ctx context.Context, dir string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	files, err := migrationFiles(dir)
	if err != nil {
		return 0, err
	}

	for i, file := range files {
		script, err := os.ReadFile(file)
		if err != nil {
			return i, fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(script)); err != nil {
			return i, fmt.Errorf("apply migration %s: %w", filepath.Base(file), err)
		}
	}
	return len(files), nil
}

func migrationFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list migrations in %s: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}
