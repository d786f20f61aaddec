package tornago

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const (
	opSupervisorPaths = "SupervisorPaths"

	dirPermOwnerOnly = 0o700
)

// SupervisorPaths resolves the on-disk layout owned by a Supervisor:
// a root directory containing binaries/, cache/, data/, hidden_services/,
// and a single torrc file, as described in spec §6 (External Interfaces).
// It is immutable after construction via NewSupervisorPaths.
type SupervisorPaths struct {
	// root is the base directory under which every other path is resolved.
	root string
}

// NewSupervisorPaths resolves paths rooted at root and idempotently creates
// the directory tree with owner-only permissions. root must not be empty.
func NewSupervisorPaths(root string) (SupervisorPaths, error) {
	if root == "" {
		return SupervisorPaths{}, newError(ErrInvalidConfig, opSupervisorPaths, "root is empty", nil)
	}
	p := SupervisorPaths{root: filepath.Clean(root)}
	for _, dir := range []string{p.root, p.BinariesDir(), p.CacheDir(), p.DataDir(), p.HiddenServicesDir()} {
		if err := os.MkdirAll(dir, dirPermOwnerOnly); err != nil {
			return SupervisorPaths{}, newError(ErrPathsFailed, opSupervisorPaths, "failed to create "+dir, err)
		}
	}
	return p, nil
}

// Root returns the base directory.
func (p SupervisorPaths) Root() string { return p.root }

// BinariesDir returns the directory holding the provisioned tor executable.
func (p SupervisorPaths) BinariesDir() string { return filepath.Join(p.root, "binaries") }

// CacheDir returns the directory holding downloaded archives pending extraction.
func (p SupervisorPaths) CacheDir() string { return filepath.Join(p.root, "cache") }

// DataDir returns Tor's DataDirectory.
func (p SupervisorPaths) DataDir() string { return filepath.Join(p.root, "data") }

// HiddenServicesDir returns the directory containing one subdirectory per
// persistent hidden service (hs_0, hs_1, ...).
func (p SupervisorPaths) HiddenServicesDir() string { return filepath.Join(p.root, "hidden_services") }

// TorrcPath returns the path of the canonical torrc file.
func (p SupervisorPaths) TorrcPath() string { return filepath.Join(p.root, "torrc") }

// ControlCookiePath returns the path of the control-port auth cookie inside DataDir.
func (p SupervisorPaths) ControlCookiePath() string {
	return filepath.Join(p.DataDir(), "control_auth_cookie")
}

// PidFilePath returns the path of the file recording the supervised process's PID.
func (p SupervisorPaths) PidFilePath() string { return filepath.Join(p.root, "tor.pid") }

// BinaryPath returns the path of the managed tor executable for the current OS.
func (p SupervisorPaths) BinaryPath() string {
	name := "tor"
	if runtime.GOOS == "windows" {
		name = "tor.exe"
	}
	return filepath.Join(p.BinariesDir(), name)
}

// HiddenServiceDirFor returns the directory path for the n-th persistent
// hidden service (hs_0, hs_1, ...).
func (p SupervisorPaths) HiddenServiceDirFor(n int) string {
	return filepath.Join(p.HiddenServicesDir(), "hs_"+strconv.Itoa(n))
}
