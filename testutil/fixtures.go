package testutil

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// EmployeesService is the fully-qualified name of the fixture service
const EmployeesService = "employees.v1.HrService"

//go:embed fixtures
var fixtures embed.FS

// EmployeesFiles returns the employees contract tree keyed by slash path,
// ready to be used as a discovery snapshot.
func EmployeesFiles(t testing.TB) map[string][]byte {
	t.Helper()

	files := make(map[string][]byte)
	err := fs.WalkDir(fixtures, "fixtures", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fixtures.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel("fixtures", p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	require.NoError(t, err)
	return files
}

// WriteFiles writes a contract tree below a fresh temporary directory and
// returns its root.
func WriteFiles(t testing.TB, files map[string][]byte) string {
	t.Helper()

	root := t.TempDir()
	for p, data := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, data, 0o644))
	}
	return root
}

// WriteEmployees writes the employees fixture to a temporary directory
func WriteEmployees(t testing.TB) string {
	t.Helper()
	return WriteFiles(t, EmployeesFiles(t))
}
