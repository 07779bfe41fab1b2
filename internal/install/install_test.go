package install

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"s3front-proxy-go/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStrategy is a scriptable Strategy for selection tests.
type fakeStrategy struct {
	name      string
	available bool
	err       error
	called    bool
}

func (f *fakeStrategy) Name() string    { return f.name }
func (f *fakeStrategy) Available() bool { return f.available }
func (f *fakeStrategy) Install(context.Context) error {
	f.called = true
	return f.err
}

func TestInstallPackage_FirstSuccessWins(t *testing.T) {
	first := &fakeStrategy{name: "apt-get", available: true}
	second := &fakeStrategy{name: "dnf", available: true}

	err := InstallPackage(context.Background(), "s3front", []Strategy{first, second}, discardLogger())
	if err != nil {
		t.Fatalf("InstallPackage() error = %v", err)
	}
	if !first.called {
		t.Error("first available strategy not tried")
	}
	if second.called {
		t.Error("later strategy tried after a success")
	}
}

func TestInstallPackage_SkipsUnavailable(t *testing.T) {
	missing := &fakeStrategy{name: "apt-get", available: false}
	present := &fakeStrategy{name: "yum", available: true}

	err := InstallPackage(context.Background(), "s3front", []Strategy{missing, present}, discardLogger())
	if err != nil {
		t.Fatalf("InstallPackage() error = %v", err)
	}
	if missing.called {
		t.Error("unavailable strategy was invoked")
	}
	if !present.called {
		t.Error("available strategy not invoked")
	}
}

func TestInstallPackage_FallsThroughOnFailure(t *testing.T) {
	failing := &fakeStrategy{name: "apt-get", available: true, err: errors.New("repo unreachable")}
	working := &fakeStrategy{name: "dnf", available: true}

	err := InstallPackage(context.Background(), "s3front", []Strategy{failing, working}, discardLogger())
	if err != nil {
		t.Fatalf("InstallPackage() error = %v", err)
	}
	if !working.called {
		t.Error("fallback strategy not tried after failure")
	}
}

func TestInstallPackage_AggregatesAllFailures(t *testing.T) {
	a := &fakeStrategy{name: "apt-get", available: true, err: errors.New("repo unreachable")}
	b := &fakeStrategy{name: "dnf", available: true, err: errors.New("package not found")}

	err := InstallPackage(context.Background(), "s3front", []Strategy{a, b}, discardLogger())
	if err == nil {
		t.Fatal("InstallPackage() expected aggregated error, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"apt-get", "repo unreachable", "dnf", "package not found"} {
		if !strings.Contains(msg, want) {
			t.Errorf("aggregated error missing %q: %s", want, msg)
		}
	}
}

func TestInstallPackage_NoPackageManager(t *testing.T) {
	err := InstallPackage(context.Background(), "s3front",
		[]Strategy{&fakeStrategy{name: "apt-get", available: false}}, discardLogger())
	if err == nil {
		t.Fatal("InstallPackage() expected error when no package manager exists")
	}
	if !strings.Contains(err.Error(), "no supported package manager") {
		t.Errorf("error = %v, want missing-package-manager message", err)
	}
}

// testInstaller returns an Installer homed in a temp dir whose engine binary
// check trivially passes.
func testInstaller(t *testing.T) (*Installer, *config.Config) {
	t.Helper()
	home := t.TempDir()

	bin := filepath.Join(home, "s3front")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	inst := NewInstaller(home, discardLogger())
	inst.BinaryPath = bin

	cfg := config.Default()
	cfg.AccessLog.Path = filepath.Join(home, "log", "access.log")
	return inst, cfg
}

func TestInstaller_ProvisionsHome(t *testing.T) {
	inst, cfg := testInstaller(t)

	if err := inst.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, name := range []string{"config.toml", "start.sh", "stop.sh"} {
		if _, err := os.Stat(filepath.Join(inst.Home, name)); err != nil {
			t.Errorf("%s not provisioned: %v", name, err)
		}
	}
	if fi, err := os.Stat(filepath.Join(inst.Home, "log")); err != nil || !fi.IsDir() {
		t.Error("access log directory not created")
	}

	data, err := os.ReadFile(filepath.Join(inst.Home, "start.sh"))
	if err != nil {
		t.Fatal(err)
	}
	script := string(data)
	if !strings.Contains(script, inst.BinaryPath) {
		t.Errorf("start script does not invoke the binary: %s", script)
	}
	if !strings.Contains(script, "39998") {
		t.Errorf("start script missing listen port: %s", script)
	}
}

func TestInstaller_KeepsExistingConfig(t *testing.T) {
	inst, cfg := testInstaller(t)

	path := filepath.Join(inst.Home, "config.toml")
	if err := os.WriteFile(path, []byte("# operator-tuned\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := inst.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# operator-tuned\n" {
		t.Error("existing config was overwritten")
	}
}

func TestInstaller_Idempotent(t *testing.T) {
	inst, cfg := testInstaller(t)

	if err := inst.Run(context.Background(), cfg); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	first, err := os.ReadFile(filepath.Join(inst.Home, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if err := inst.Run(context.Background(), cfg); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	second, err := os.ReadFile(filepath.Join(inst.Home, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if string(first) != string(second) {
		t.Error("second install changed the config file")
	}
}

func TestInstaller_MissingEngineNoPackage(t *testing.T) {
	inst := NewInstaller(t.TempDir(), discardLogger())
	inst.BinaryPath = filepath.Join(inst.Home, "does-not-exist")

	err := inst.Run(context.Background(), config.Default())
	if err == nil {
		t.Fatal("Run() expected error for missing engine binary")
	}
}

func TestDefaultStrategies_Order(t *testing.T) {
	got := defaultStrategies("s3front")
	want := []string{"apt-get", "dnf", "yum", "zypper", "apk"}
	if len(got) != len(want) {
		t.Fatalf("strategy count = %d, want %d", len(got), len(want))
	}
	for i, s := range got {
		if s.Name() != want[i] {
			t.Errorf("strategy[%d] = %q, want %q", i, s.Name(), want[i])
		}
	}
}
