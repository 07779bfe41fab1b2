// Package install provisions the proxy onto a host: directories, a default
// config file, pid-file based run scripts, and — when the engine binary is
// not already present — the engine package via the host's package manager.
package install

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"text/template"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"s3front-proxy-go/internal/config"
)

// Strategy installs the engine package through one package manager. The
// strategies are tried in a fixed priority order; the first available one
// that succeeds wins.
type Strategy interface {
	Name() string
	Available() bool
	Install(ctx context.Context) error
}

// pkgManager is a Strategy backed by a package-manager command line.
type pkgManager struct {
	bin  string
	args []string
}

func (p *pkgManager) Name() string { return p.bin }

func (p *pkgManager) Available() bool {
	_, err := exec.LookPath(p.bin)
	return err == nil
}

func (p *pkgManager) Install(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.bin, p.args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", p.bin, p.args, err, out)
	}
	return nil
}

// defaultStrategies covers the package managers the install scripts
// historically branched over, in the same priority order.
func defaultStrategies(pkg string) []Strategy {
	return []Strategy{
		&pkgManager{bin: "apt-get", args: []string{"install", "-y", pkg}},
		&pkgManager{bin: "dnf", args: []string{"install", "-y", pkg}},
		&pkgManager{bin: "yum", args: []string{"install", "-y", pkg}},
		&pkgManager{bin: "zypper", args: []string{"--non-interactive", "install", pkg}},
		&pkgManager{bin: "apk", args: []string{"add", pkg}},
	}
}

// InstallPackage runs the strategies in order. Unavailable package managers
// are skipped; the first successful install wins. When none succeeds, all
// failures are aggregated into a single error.
func InstallPackage(ctx context.Context, pkg string, strategies []Strategy, logger *slog.Logger) error {
	var errs error
	tried := 0
	for _, s := range strategies {
		if !s.Available() {
			continue
		}
		tried++
		logger.Info("installing engine package", "manager", s.Name(), "package", pkg)
		if err := s.Install(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		return nil
	}
	if tried == 0 {
		return fmt.Errorf("install %s: no supported package manager found", pkg)
	}
	return fmt.Errorf("install %s: %w", pkg, errs)
}

// Installer provisions an installation home.
type Installer struct {
	Home       string // installation home, e.g. /etc/s3front
	BinaryPath string // path the run scripts invoke; defaults to the current executable
	EnginePkg  string // OS package to install when BinaryPath is absent; empty skips
	Strategies []Strategy

	logger *slog.Logger
}

// NewInstaller creates an Installer for the given home directory.
func NewInstaller(home string, logger *slog.Logger) *Installer {
	return &Installer{
		Home:   home,
		logger: logger.With("component", "installer"),
	}
}

// Run provisions the host. It is idempotent: an existing config file is
// kept, scripts are rewritten, directories are created as needed. Any prior
// running instance is detected via a port probe and reported; stopping it
// is best-effort and delegated to the emitted stop script.
func (i *Installer) Run(ctx context.Context, cfg *config.Config) error {
	if err := i.ensureEngine(ctx); err != nil {
		return err
	}

	logDir := filepath.Dir(cfg.AccessLog.Path)
	for _, dir := range []string{i.Home, logDir} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("install: create %s: %w", dir, err)
		}
	}

	i.warnIfRunning(cfg)

	if err := i.writeConfig(cfg); err != nil {
		return err
	}
	if err := i.writeScripts(cfg); err != nil {
		return err
	}

	i.logger.Info("install complete", "home", i.Home)
	return nil
}

// ensureEngine makes sure the proxy binary exists, installing the engine
// package when it is missing and a package name is configured.
func (i *Installer) ensureEngine(ctx context.Context) error {
	if i.BinaryPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("install: resolve executable: %w", err)
		}
		i.BinaryPath = exe
	}
	if _, err := os.Stat(i.BinaryPath); err == nil {
		return nil
	}
	if i.EnginePkg == "" {
		return fmt.Errorf("install: engine binary %s not found and no engine package configured", i.BinaryPath)
	}
	strategies := i.Strategies
	if strategies == nil {
		strategies = defaultStrategies(i.EnginePkg)
	}
	return InstallPackage(ctx, i.EnginePkg, strategies, i.logger)
}

// warnIfRunning probes the listen port and reports a prior instance.
func (i *Installer) warnIfRunning(cfg *config.Config) {
	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return
	}
	_ = conn.Close()
	i.logger.Warn("a process already listens on the proxy port; run the stop script before starting",
		"addr", addr,
	)
}

// writeConfig emits the default config file unless one already exists.
func (i *Installer) writeConfig(cfg *config.Config) error {
	path := filepath.Join(i.Home, "config.toml")
	if _, err := os.Stat(path); err == nil {
		i.logger.Info("keeping existing config", "path", path)
		return nil
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("install: marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("install: write %s: %w", path, err)
	}
	i.logger.Info("wrote config", "path", path)
	return nil
}

var startScript = template.Must(template.New("start").Parse(`#!/bin/sh
# Start the s3front proxy. Generated by "s3front install".
set -e
PIDFILE={{.Home}}/s3front.pid
if [ -f "$PIDFILE" ] && kill -0 "$(cat "$PIDFILE")" 2>/dev/null; then
    echo "s3front already running (pid $(cat "$PIDFILE"))"
    exit 0
fi
nohup {{.Binary}} serve --config {{.Home}}/config.toml >/dev/null 2>&1 &
echo $! > "$PIDFILE"
echo "s3front started on port {{.Port}} (pid $(cat "$PIDFILE"))"
`))

var stopScript = template.Must(template.New("stop").Parse(`#!/bin/sh
# Stop the s3front proxy. Generated by "s3front install".
PIDFILE={{.Home}}/s3front.pid
if [ ! -f "$PIDFILE" ]; then
    echo "s3front not running"
    exit 0
fi
PID=$(cat "$PIDFILE")
if kill -0 "$PID" 2>/dev/null; then
    kill "$PID"
fi
rm -f "$PIDFILE"
echo "s3front stopped"
`))

// writeScripts emits the pid-file based start/stop scripts. Scripts are
// always rewritten so they track the current binary path and port.
func (i *Installer) writeScripts(cfg *config.Config) error {
	params := struct {
		Home   string
		Binary string
		Port   int
	}{Home: i.Home, Binary: i.BinaryPath, Port: cfg.Server.Port}

	for name, tpl := range map[string]*template.Template{
		"start.sh": startScript,
		"stop.sh":  stopScript,
	} {
		path := filepath.Join(i.Home, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
		if err != nil {
			return fmt.Errorf("install: write %s: %w", path, err)
		}
		err = tpl.Execute(f, params)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("install: render %s: %w", path, err)
		}
	}
	return nil
}
