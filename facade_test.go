package tornago

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
)

func TestNewSupervisorConfig(t *testing.T) {
	t.Run("should reject an empty root", func(t *testing.T) {
		_, err := NewSupervisorConfig()
		if err == nil {
			t.Fatal("expected error for empty root")
		}
		var te *TornagoError
		if !errors.As(err, &te) || te.Kind != ErrInvalidConfig {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("should apply defaults when only root is set", func(t *testing.T) {
		cfg, err := NewSupervisorConfig(WithSupervisorRoot(t.TempDir()))
		if err != nil {
			t.Fatalf("NewSupervisorConfig returned error: %v", err)
		}
		if cfg.TorBinary() != defaultTorBinary {
			t.Errorf("TorBinary mismatch: want %s got %s", defaultTorBinary, cfg.TorBinary())
		}
		if cfg.MaxHiddenServices() != defaultMaxHiddenServices {
			t.Errorf("MaxHiddenServices mismatch: want %d got %d", defaultMaxHiddenServices, cfg.MaxHiddenServices())
		}
		if cfg.HousekeepingCron() != defaultHousekeepingSchedule {
			t.Errorf("HousekeepingCron mismatch: want %s got %s", defaultHousekeepingSchedule, cfg.HousekeepingCron())
		}
		if cfg.StartupTimeout() <= 0 {
			t.Error("StartupTimeout must be positive")
		}
		if cfg.Logger() == nil {
			t.Error("Logger must not be nil")
		}
		if cfg.Metrics() == nil {
			t.Error("Metrics must not be nil")
		}
	})

	t.Run("should honor an explicit MaxHiddenServices override", func(t *testing.T) {
		cfg, err := NewSupervisorConfig(WithSupervisorRoot(t.TempDir()), WithSupervisorMaxHiddenServices(5))
		if err != nil {
			t.Fatalf("NewSupervisorConfig returned error: %v", err)
		}
		if cfg.MaxHiddenServices() != 5 {
			t.Errorf("MaxHiddenServices mismatch: want 5 got %d", cfg.MaxHiddenServices())
		}
	})
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg, err := NewSupervisorConfig(WithSupervisorRoot(t.TempDir()))
	if err != nil {
		t.Fatalf("NewSupervisorConfig returned error: %v", err)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return m
}

func TestNewManager(t *testing.T) {
	t.Run("should wire every owned component without starting anything", func(t *testing.T) {
		m := newTestManager(t)
		if m.paths.Root() == "" {
			t.Error("expected paths to be resolved")
		}
		if m.prov == nil || m.alloc == nil || m.model == nil || m.sup == nil || m.reg == nil {
			t.Fatal("expected every owned component to be constructed")
		}
		if m.sup.Running() {
			t.Error("expected a freshly constructed Manager to not be running")
		}
	})
}

func TestManagerDetectPortConflicts(t *testing.T) {
	t.Run("should report no conflicts when ports are left at auto", func(t *testing.T) {
		m := newTestManager(t)
		conflicts, err := m.DetectPortConflicts(context.Background())
		if err != nil {
			t.Fatalf("DetectPortConflicts returned error: %v", err)
		}
		if len(conflicts) != 0 {
			t.Errorf("expected no conflicts, got %v", conflicts)
		}
	})

	t.Run("should report a conflict for a port already bound on the host", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to bind listener: %v", err)
		}
		defer ln.Close()

		_, portStr, err := net.SplitHostPort(ln.Addr().String())
		if err != nil {
			t.Fatalf("failed to split listener addr: %v", err)
		}
		bound, err := strconv.Atoi(portStr)
		if err != nil {
			t.Fatalf("failed to parse listener port: %v", err)
		}

		cfg, err := NewSupervisorConfig(WithSupervisorRoot(t.TempDir()), WithSupervisorSocksPort(bound))
		if err != nil {
			t.Fatalf("NewSupervisorConfig returned error: %v", err)
		}
		m, err := NewManager(cfg)
		if err != nil {
			t.Fatalf("NewManager returned error: %v", err)
		}

		conflicts, err := m.DetectPortConflicts(context.Background())
		if err != nil {
			t.Fatalf("DetectPortConflicts returned error: %v", err)
		}
		if len(conflicts) != 1 || conflicts[0] != bound {
			t.Errorf("expected conflict on port %d, got %v", bound, conflicts)
		}
	})
}

func TestManagerRequiresRunningSupervisorForControlOperations(t *testing.T) {
	t.Run("Reconfigure should fail before Bootstrap", func(t *testing.T) {
		m := newTestManager(t)
		err := m.Reconfigure(context.Background(), map[string]string{"Log": "notice stdout"})
		if err == nil {
			t.Fatal("expected error before Bootstrap")
		}
		var te *TornagoError
		if !errors.As(err, &te) || te.Kind != ErrProcessSupervisor {
			t.Fatalf("expected ErrProcessSupervisor, got %v", err)
		}
	})

	t.Run("AddSocksPort should fail before Bootstrap", func(t *testing.T) {
		m := newTestManager(t)
		if _, err := m.AddSocksPort(context.Background(), 9150); err == nil {
			t.Fatal("expected error before Bootstrap")
		}
	})

	t.Run("SendControlCommands should fail before Bootstrap", func(t *testing.T) {
		m := newTestManager(t)
		if _, err := m.SendControlCommands(context.Background(), "GETINFO version"); err == nil {
			t.Fatal("expected error before Bootstrap")
		}
	})

	t.Run("RegisterRuntimeHiddenService should fail before Bootstrap", func(t *testing.T) {
		m := newTestManager(t)
		if _, err := m.RegisterRuntimeHiddenService(context.Background(), 80, 8080, true); err == nil {
			t.Fatal("expected error before Bootstrap")
		}
	})
}

func TestManagerRegisterPersistentHiddenServiceWithoutBootstrap(t *testing.T) {
	t.Run("should register a preconfigured persistent hidden service without requiring a running daemon", func(t *testing.T) {
		m := newTestManager(t)
		hs, err := m.RegisterHiddenService(context.Background(), 80, 8080, true)
		if err != nil {
			t.Fatalf("RegisterHiddenService returned error: %v", err)
		}
		persistent, runtime := m.ListHiddenServices()
		if len(persistent) != 1 || persistent[0].Directory != hs.Directory {
			t.Errorf("expected the newly registered service to be listed, got %+v", persistent)
		}
		if len(runtime) != 0 {
			t.Errorf("expected no runtime services, got %v", runtime)
		}
	})
}

func TestManagerShutdownIsIdempotentBeforeBootstrap(t *testing.T) {
	t.Run("Shutdown should not error when nothing was bootstrapped", func(t *testing.T) {
		m := newTestManager(t)
		if err := m.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown returned error: %v", err)
		}
	})

	t.Run("ForceShutdown should not error when nothing was bootstrapped", func(t *testing.T) {
		m := newTestManager(t)
		if err := m.ForceShutdown(); err != nil {
			t.Fatalf("ForceShutdown returned error: %v", err)
		}
	})
}

func TestManagerGetTorProcessBeforeBootstrap(t *testing.T) {
	t.Run("should report not running before Bootstrap", func(t *testing.T) {
		m := newTestManager(t)
		info := m.GetTorProcess()
		if info.Running {
			t.Error("expected Running to be false before Bootstrap")
		}
		if info.PID != 0 {
			t.Errorf("expected PID 0 before Bootstrap, got %d", info.PID)
		}
	})
}

func TestManagerEnsureBinariesUsesPathTor(t *testing.T) {
	t.Run("should leave the Supervisor set when EnsureBinaries succeeds", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.EnsureBinaries(context.Background())
		// Whether this succeeds depends on whether a "tor" executable (or the
		// Expert Bundle download) is reachable in this environment; either
		// outcome is acceptable here, but it must not panic and must leave
		// the Supervisor wired to a concrete binary path on success.
		if err == nil && m.sup == nil {
			t.Fatal("expected Supervisor to be set after a successful EnsureBinaries")
		}
	})
}

func TestManagerRestartServiceFailsBeforeBootstrap(t *testing.T) {
	t.Run("should fail to restart a process that was never started", func(t *testing.T) {
		m := newTestManager(t)
		if err := m.RestartService(context.Background()); err == nil {
			t.Fatal("expected error restarting before Bootstrap")
		}
	})
}

func TestManagerTerminateAllTorProcessesBeforeBootstrap(t *testing.T) {
	t.Run("TerminateAllTorProcesses(false) should be a no-op before Bootstrap", func(t *testing.T) {
		m := newTestManager(t)
		if err := m.TerminateAllTorProcesses(context.Background(), false); err != nil {
			t.Fatalf("expected no error terminating an unstarted supervisor, got %v", err)
		}
	})
}

func TestManagerSaveAndLoadTorrc(t *testing.T) {
	t.Run("should round-trip the rendered torrc through SaveTorrc/LoadTorrc", func(t *testing.T) {
		m := newTestManager(t)
		if _, err := m.RegisterHiddenService(context.Background(), 80, 8080, true); err != nil {
			t.Fatalf("RegisterHiddenService returned error: %v", err)
		}
		if err := m.SaveTorrc(); err != nil {
			t.Fatalf("SaveTorrc returned error: %v", err)
		}

		loaded, err := m.LoadTorrc()
		if err != nil {
			t.Fatalf("LoadTorrc returned error: %v", err)
		}
		if len(loaded.HiddenServices()) != 1 {
			t.Fatalf("expected 1 hidden service in the reloaded torrc, got %d", len(loaded.HiddenServices()))
		}
	})
}

func TestManagerHiddenServicePortCollisionResolveOption(t *testing.T) {
	t.Run("should reject a colliding (virtualPort, targetPort) when resolution is disabled", func(t *testing.T) {
		m := newTestManager(t)
		if _, err := m.RegisterHiddenService(context.Background(), 80, 8080, true); err != nil {
			t.Fatalf("RegisterHiddenService returned error: %v", err)
		}
		_, err := m.RegisterHiddenService(context.Background(), 80, 8080, true)
		if err == nil {
			t.Fatal("expected an error for a duplicate (virtualPort, targetPort) pair")
		}
		var te *TornagoError
		if !errors.As(err, &te) || te.Kind != ErrDuplicateHiddenService {
			t.Fatalf("expected ErrDuplicateHiddenService, got %v", err)
		}
	})

	t.Run("should bump the target port when resolution is enabled", func(t *testing.T) {
		cfg, err := NewSupervisorConfig(
			WithSupervisorRoot(t.TempDir()),
			WithSupervisorHiddenServicePortCollisionResolve(true),
		)
		if err != nil {
			t.Fatalf("NewSupervisorConfig returned error: %v", err)
		}
		m, err := NewManager(cfg)
		if err != nil {
			t.Fatalf("NewManager returned error: %v", err)
		}
		if _, err := m.RegisterHiddenService(context.Background(), 80, 8080, true); err != nil {
			t.Fatalf("RegisterHiddenService returned error: %v", err)
		}
		hs, err := m.RegisterHiddenService(context.Background(), 80, 8080, true)
		if err != nil {
			t.Fatalf("expected collision to be resolved, got error: %v", err)
		}
		if hs.TargetPort == 8080 {
			t.Error("expected target port to be bumped away from the colliding value")
		}
	})
}

func TestDefaultOrAuto(t *testing.T) {
	t.Run("should return the requested value when non-zero", func(t *testing.T) {
		if got := defaultOrAuto(1234, 9050); got != 1234 {
			t.Errorf("expected 1234, got %d", got)
		}
	})

	t.Run("should return the fallback when requested is zero", func(t *testing.T) {
		if got := defaultOrAuto(0, 9050); got != 9050 {
			t.Errorf("expected 9050, got %d", got)
		}
	})
}
