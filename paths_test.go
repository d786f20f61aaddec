package tornago

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestNewSupervisorPaths(t *testing.T) {
	t.Run("should reject an empty root", func(t *testing.T) {
		_, err := NewSupervisorPaths("")
		if err == nil {
			t.Fatal("expected error for empty root")
		}
		var te *TornagoError
		if !errors.As(err, &te) || te.Kind != ErrInvalidConfig {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("should create the directory tree idempotently", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "supervisor")

		p, err := NewSupervisorPaths(root)
		if err != nil {
			t.Fatalf("NewSupervisorPaths returned error: %v", err)
		}

		for _, dir := range []string{p.Root(), p.BinariesDir(), p.CacheDir(), p.DataDir(), p.HiddenServicesDir()} {
			info, statErr := os.Stat(dir)
			if statErr != nil {
				t.Fatalf("expected %s to exist: %v", dir, statErr)
			}
			if !info.IsDir() {
				t.Fatalf("%s is not a directory", dir)
			}
		}

		if _, err := NewSupervisorPaths(root); err != nil {
			t.Fatalf("second NewSupervisorPaths call should be idempotent: %v", err)
		}
	})

	t.Run("should resolve derived paths under root", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "supervisor")
		p, err := NewSupervisorPaths(root)
		if err != nil {
			t.Fatalf("NewSupervisorPaths returned error: %v", err)
		}

		if p.TorrcPath() != filepath.Join(p.Root(), "torrc") {
			t.Errorf("TorrcPath mismatch: got %s", p.TorrcPath())
		}
		if p.PidFilePath() != filepath.Join(p.Root(), "tor.pid") {
			t.Errorf("PidFilePath mismatch: got %s", p.PidFilePath())
		}
		if p.ControlCookiePath() != filepath.Join(p.DataDir(), "control_auth_cookie") {
			t.Errorf("ControlCookiePath mismatch: got %s", p.ControlCookiePath())
		}

		wantBinary := "tor"
		if runtime.GOOS == "windows" {
			wantBinary = "tor.exe"
		}
		if p.BinaryPath() != filepath.Join(p.BinariesDir(), wantBinary) {
			t.Errorf("BinaryPath mismatch: got %s", p.BinaryPath())
		}
	})

	t.Run("should number hidden service directories sequentially", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "supervisor")
		p, err := NewSupervisorPaths(root)
		if err != nil {
			t.Fatalf("NewSupervisorPaths returned error: %v", err)
		}

		if got, want := p.HiddenServiceDirFor(0), filepath.Join(p.HiddenServicesDir(), "hs_0"); got != want {
			t.Errorf("HiddenServiceDirFor(0) mismatch: want %s got %s", want, got)
		}
		if got, want := p.HiddenServiceDirFor(3), filepath.Join(p.HiddenServicesDir(), "hs_3"); got != want {
			t.Errorf("HiddenServiceDirFor(3) mismatch: want %s got %s", want, got)
		}
	})
}
