// Package launcher starts browser-automation workers as detached OS processes.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"coupon-orchestrator/pkg/models"
	"coupon-orchestrator/pkg/supervisor"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// chromeEnv is read by puppeteer when it picks the browser to launch.
const chromeEnv = "PUPPETEER_EXECUTABLE_PATH"

// Config describes how to run a worker.
type Config struct {
	// Command is the worker program and its leading arguments, e.g. node index.js.
	Command []string
	// ServerPort is where the worker reaches the coupon API.
	ServerPort int
	// Chrome is an optional browser executable, exported to the worker as
	// PUPPETEER_EXECUTABLE_PATH since the worker CLI has no flag for it.
	Chrome string
	// LogDir receives one log file per worker.
	LogDir string
	Clock  clock.PassiveClock
}

// Launcher implements supervisor.Launcher with os/exec.
type Launcher struct {
	config Config
	logger *slog.Logger
}

func New(config Config, logger *slog.Logger) (*Launcher, error) {
	if len(config.Command) == 0 {
		return nil, errors.New("worker command is required")
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}
	return &Launcher{config: config, logger: logger}, nil
}

// Args returns the worker arguments for one session.
func (l *Launcher) Args(couponType string, proxy *models.Proxy) []string {
	args := append([]string{}, l.config.Command[1:]...)
	args = append(args,
		"--couponType", couponType,
		"--serverPort", strconv.Itoa(l.config.ServerPort),
	)
	if proxy != nil {
		args = append(args,
			"--host", proxy.Host,
			"--port", proxy.Port,
			"--protocol", proxy.Protocol,
		)
		if proxy.Authenticated() {
			args = append(args,
				"--username", proxy.Username,
				"--password", proxy.Password,
			)
		}
	}
	return args
}

// Env returns the worker environment: the manager's own plus the browser override.
func (l *Launcher) Env() []string {
	env := os.Environ()
	if l.config.Chrome != "" {
		env = append(env, chromeEnv+"="+l.config.Chrome)
	}
	return env
}

// Launch starts a worker in its own process group with output going to a fresh log file.
func (l *Launcher) Launch(ctx context.Context, couponType string, proxy *models.Proxy) (supervisor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logFile, err := l.openLog(couponType)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.config.Command[0], l.Args(couponType, proxy)...)
	cmd.Env = l.Env()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	p := &process{
		cmd:     cmd,
		clock:   l.config.Clock,
		started: l.config.Clock.Now(),
		exited:  make(chan struct{}),
	}
	go p.wait(logFile, l.logger)

	l.logger.Info("Worker started", "pid", cmd.Process.Pid, "couponType", couponType, "log", logFile.Name())
	return p, nil
}

func (l *Launcher) openLog(couponType string) (*os.File, error) {
	dir := l.config.LogDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	name := filepath.Join(dir, fmt.Sprintf("%s_%s.log", couponType, uuid.New()))
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker log: %w", err)
	}
	return f, nil
}

type process struct {
	cmd     *exec.Cmd
	clock   clock.PassiveClock
	started time.Time
	exited  chan struct{}
}

func (p *process) wait(logFile *os.File, logger *slog.Logger) {
	err := p.cmd.Wait()
	logFile.Close()
	close(p.exited)

	logger.Debug("Worker exited", "pid", p.cmd.Process.Pid, "error", err)
}

// Done reports whether the worker has exited.
func (p *process) Done() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Kill terminates the worker's whole process group.
func (p *process) Kill() error {
	if p.Done() {
		return nil
	}
	if err := terminate(p.cmd); err != nil && !p.Done() {
		return fmt.Errorf("failed to kill worker %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *process) Runtime() time.Duration {
	return p.clock.Since(p.started)
}
