// cmd/tools_test.go
package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/config"
	"github.com/xkilldash9x/sqlpaf/internal/mocks"
	"github.com/xkilldash9x/sqlpaf/internal/store"
	"github.com/xkilldash9x/sqlpaf/internal/tools"
)

type stubDiscoverer struct {
	urls []string
	err  error

	target, wordlist string
	extra            []string
}

func (d *stubDiscoverer) Discover(_ context.Context, target, wordlist string, extra ...string) ([]string, error) {
	d.target, d.wordlist, d.extra = target, wordlist, extra
	return d.urls, d.err
}

func TestDiscover(t *testing.T) {
	te := resetForTest(t)
	d := &stubDiscoverer{urls: []string{"http://t/admin", "http://t/login.php", "http://t/admin"}}
	newDiscoverer = func(config.ToolsConfig, *zap.Logger) discoverer { return d }

	out, err := te.run(t, "discover", "http://t", "-w", "words.txt", "--", "-t", "20")
	require.NoError(t, err)
	assert.Equal(t, "http://t/admin\nhttp://t/login.php\n", out)
	assert.Equal(t, "http://t", d.target)
	assert.Equal(t, "words.txt", d.wordlist)
	assert.Equal(t, []string{"-t", "20"}, d.extra)

	saved, err := te.openDB(t).URLs(context.Background(), store.KindDiscovered)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://t/admin", "http://t/login.php"}, saved)
}

func TestDiscover_PartialResultsKept(t *testing.T) {
	te := resetForTest(t)
	newDiscoverer = func(config.ToolsConfig, *zap.Logger) discoverer {
		return &stubDiscoverer{urls: []string{"http://t/a"}, err: errors.New("gobuster failed: exit status 1")}
	}
	out, err := te.run(t, "discover", "http://t", "-w", "words.txt", "--no-store")
	require.NoError(t, err)
	assert.Equal(t, "http://t/a\n", out)
}

func TestDiscover_Failure(t *testing.T) {
	te := resetForTest(t)
	newDiscoverer = func(config.ToolsConfig, *zap.Logger) discoverer {
		return &stubDiscoverer{err: errors.New("gobuster failed: executable file not found")}
	}
	_, err := te.run(t, "discover", "http://t", "-w", "words.txt")
	assert.ErrorContains(t, err, "executable file not found")

	_, err = te.run(t, "discover", "http://t")
	assert.ErrorContains(t, err, "wordlist")
}

func TestProbe(t *testing.T) {
	te := resetForTest(t)
	p := new(mocks.MockProber)
	p.On("Probe", mock.Anything, "http://t/item?id=1").Return(tools.Outcome{Injectable: true}, nil).Once()
	p.On("Probe", mock.Anything, "http://t/safe").Return(tools.Outcome{}, nil).Once()
	p.On("Probe", mock.Anything, "http://t/down").Return(tools.Outcome{}, errors.New("connection refused")).Once()

	var workers int
	newProber = func(cfg config.ToolsConfig, _ *zap.Logger) tools.Prober {
		workers = cfg.Workers
		return p
	}

	out, err := te.run(t, "probe", "http://t/safe", "http://t/item?id=1", "http://t/down", "--workers", "2")
	require.NoError(t, err)
	assert.Equal(t, 2, workers)
	assert.Equal(t, "ERROR       http://t/down: connection refused\n"+
		"INJECTABLE  http://t/item?id=1\n"+
		"clean       http://t/safe\n", out)
	p.AssertExpectations(t)
}
