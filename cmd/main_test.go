// cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sqlpaf/internal/observability"
	"github.com/xkilldash9x/sqlpaf/internal/store"
)

const testPayloads = `# -- Payloads Error-Based --
'
# -- Payloads Blind --
`

const testErrors = `you have an error in your sql syntax
`

// testEnv is a scratch directory with a quiet config, payload files and a
// SQLite store.
type testEnv struct {
	dir    string
	config string
	db     string
}

// resetForTest isolates a test from global logger state and from the
// construction hooks other tests replace.
func resetForTest(t *testing.T) *testEnv {
	t.Helper()

	observability.ResetForTest()
	pages, st, disc, prober := newPageSource, openStore, newDiscoverer, newProber
	t.Cleanup(func() {
		newPageSource, openStore, newDiscoverer, newProber = pages, st, disc, prober
		observability.ResetForTest()
	})

	dir := t.TempDir()
	te := &testEnv{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		db:     filepath.Join(dir, "sqlpaf.db"),
	}
	te.write(t, "payloads.txt", testPayloads)
	te.write(t, "errors.txt", testErrors)
	te.writeConfig(t, "")
	return te
}

func (te *testEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(te.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeConfig writes the base config followed by extra YAML.
func (te *testEnv) writeConfig(t *testing.T, extra string) {
	t.Helper()
	base := fmt.Sprintf(`logger:
  level: fatal
oracle:
  payloads_file: %s
  errors_file: %s
  learn_mode: "off"
store:
  driver: sqlite
  sqlite_path: %s
`, filepath.Join(te.dir, "payloads.txt"), filepath.Join(te.dir, "errors.txt"), te.db)
	te.write(t, "config.yaml", base+extra)
}

// run executes a fresh command tree against the test config.
func (te *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", te.config}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// openDB opens the store a command wrote to.
func (te *testEnv) openDB(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.NewSQLite(context.Background(), te.db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
