//go:build !windows

package launcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coupon-orchestrator/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(Config{}, testLogger())
	assert.Error(t, err)
}

func TestArgs(t *testing.T) {
	l, err := New(Config{Command: []string{"node", "index.js"}, ServerPort: 8000, Chrome: "/usr/bin/chromium"}, testLogger())
	require.NoError(t, err)

	tests := []struct {
		name  string
		proxy *models.Proxy
		want  []string
	}{
		{
			name:  "authenticated proxy",
			proxy: &models.Proxy{Protocol: "http", Host: "10.0.0.1", Port: "8080", Username: "u", Password: "p"},
			want: []string{
				"index.js",
				"--couponType", "TEN_OFF",
				"--serverPort", "8000",
				"--host", "10.0.0.1",
				"--port", "8080",
				"--protocol", "http",
				"--username", "u",
				"--password", "p",
			},
		},
		{
			name:  "open proxy",
			proxy: &models.Proxy{Protocol: "http", Host: "10.0.0.1", Port: "8080"},
			want: []string{
				"index.js",
				"--couponType", "TEN_OFF",
				"--serverPort", "8000",
				"--host", "10.0.0.1",
				"--port", "8080",
				"--protocol", "http",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Args("TEN_OFF", tt.proxy))
		})
	}
}

func TestLaunchWritesWorkerLog(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{
		Command:    []string{"sh", "-c", `echo "$@"`, "worker"},
		ServerPort: 8000,
		LogDir:     dir,
	}, testLogger())
	require.NoError(t, err)

	p, err := l.Launch(context.Background(), "TEN_OFF", &models.Proxy{Protocol: "http", Host: "10.0.0.1", Port: "8080"})
	require.NoError(t, err)
	require.Eventually(t, p.Done, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, p.Kill())

	logs, err := filepath.Glob(filepath.Join(dir, "TEN_OFF_*.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)

	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "--couponType TEN_OFF --serverPort 8000 --host 10.0.0.1")
}

func TestLaunchExportsChromePath(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{
		Command: []string{"sh", "-c", `echo "chrome=$PUPPETEER_EXECUTABLE_PATH args=$*"`, "worker"},
		Chrome:  "/usr/bin/chromium",
		LogDir:  dir,
	}, testLogger())
	require.NoError(t, err)

	p, err := l.Launch(context.Background(), "TEN_OFF", nil)
	require.NoError(t, err)
	require.Eventually(t, p.Done, 5*time.Second, 10*time.Millisecond)

	logs, err := filepath.Glob(filepath.Join(dir, "TEN_OFF_*.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)

	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "chrome=/usr/bin/chromium")
	assert.NotContains(t, string(data), "--chrome")
}

func TestEnvWithoutChrome(t *testing.T) {
	t.Setenv(chromeEnv, "")
	l, err := New(Config{Command: []string{"node"}}, testLogger())
	require.NoError(t, err)

	assert.NotContains(t, l.Env(), chromeEnv+"=/usr/bin/chromium")
	assert.Len(t, l.Env(), len(os.Environ()))
}

func TestKillStopsWorker(t *testing.T) {
	l, err := New(Config{
		Command: []string{"sh", "-c", "sleep 30"},
		LogDir:  t.TempDir(),
	}, testLogger())
	require.NoError(t, err)

	p, err := l.Launch(context.Background(), "TEN_OFF", nil)
	require.NoError(t, err)
	assert.False(t, p.Done())

	require.NoError(t, p.Kill())
	require.Eventually(t, p.Done, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, p.Runtime(), time.Duration(0))
}

func TestLaunchMissingBinary(t *testing.T) {
	l, err := New(Config{Command: []string{"/nonexistent/worker"}, LogDir: t.TempDir()}, testLogger())
	require.NoError(t, err)

	_, err = l.Launch(context.Background(), "TEN_OFF", nil)
	assert.Error(t, err)
}

func TestLaunchCancelled(t *testing.T) {
	l, err := New(Config{Command: []string{"true"}, LogDir: t.TempDir()}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Launch(ctx, "TEN_OFF", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
