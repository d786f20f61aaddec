package tornago

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	opManager = "Manager"

	defaultHousekeepingSchedule = "@every 5m"
)

// SupervisorConfig configures a Manager, following the teacher's
// functional-options pipeline described in SPEC_FULL.md §2.3.
type SupervisorConfig struct {
	root               string
	torBinary          string
	socksPort          int
	controlPort        int
	collisionResolve   bool
	maxHiddenServices  int
	startupTimeout     time.Duration
	housekeepingCron   string
	logger             Logger
	metrics            Metrics
	provisionerOptions []ProvisionerOption

	hiddenServicePortCollisionResolve bool
	recoverExisting                   bool
}

// SupervisorOption customizes SupervisorConfig creation.
type SupervisorOption func(*SupervisorConfig)

// NewSupervisorConfig returns a validated, immutable SupervisorConfig.
func NewSupervisorConfig(opts ...SupervisorOption) (SupervisorConfig, error) {
	cfg := SupervisorConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return normalizeSupervisorConfig(cfg)
}

// Root returns the supervisor's base directory.
func (c SupervisorConfig) Root() string { return c.root }

// TorBinary returns the configured tor executable name or path.
func (c SupervisorConfig) TorBinary() string { return c.torBinary }

// SocksPort returns the requested SocksPort.
func (c SupervisorConfig) SocksPort() int { return c.socksPort }

// ControlPort returns the requested ControlPort.
func (c SupervisorConfig) ControlPort() int { return c.controlPort }

// StartupTimeout bounds how long Bootstrap waits for tor to become ready.
func (c SupervisorConfig) StartupTimeout() time.Duration { return c.startupTimeout }

// MaxHiddenServices bounds the number of persistent hidden services, per
// spec.md §9's strict-cap resolution.
func (c SupervisorConfig) MaxHiddenServices() int { return c.maxHiddenServices }

// HousekeepingCron returns the cron schedule used for periodic housekeeping.
func (c SupervisorConfig) HousekeepingCron() string { return c.housekeepingCron }

// Logger returns the configured Logger.
func (c SupervisorConfig) Logger() Logger { return c.logger }

// Metrics returns the configured Metrics implementation.
func (c SupervisorConfig) Metrics() Metrics { return c.metrics }

// HiddenServicePortCollisionResolve reports whether RegisterHiddenService
// bumps a colliding (virtualPort, targetPort) pair forward instead of
// failing with ErrDuplicateHiddenService. Distinct from CollisionResolve,
// which only governs the SOCKS/Control port allocator.
func (c SupervisorConfig) HiddenServicePortCollisionResolve() bool {
	return c.hiddenServicePortCollisionResolve
}

// RecoverExisting reports whether NewManager should attempt to adopt an
// already-running tor process recorded in the PID file under
// SupervisorPaths.PidFilePath, instead of requiring Bootstrap to start a
// fresh one.
func (c SupervisorConfig) RecoverExisting() bool { return c.recoverExisting }

// WithSupervisorRoot sets the base directory owning binaries/cache/data/torrc.
func WithSupervisorRoot(root string) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.root = root }
}

// WithSupervisorTorBinary sets the tor executable name or path.
func WithSupervisorTorBinary(path string) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.torBinary = path }
}

// WithSupervisorSocksPort requests a specific SocksPort (0 lets the allocator pick).
func WithSupervisorSocksPort(port int) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.socksPort = port }
}

// WithSupervisorControlPort requests a specific ControlPort (0 lets the allocator pick).
func WithSupervisorControlPort(port int) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.controlPort = port }
}

// WithSupervisorCollisionResolve enables the port allocator's forward-scan
// collision resolution (spec.md §4.3).
func WithSupervisorCollisionResolve(enabled bool) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.collisionResolve = enabled }
}

// WithSupervisorMaxHiddenServices overrides the default cap of 20.
func WithSupervisorMaxHiddenServices(n int) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.maxHiddenServices = n }
}

// WithSupervisorStartupTimeout bounds how long Bootstrap waits for tor.
func WithSupervisorStartupTimeout(timeout time.Duration) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.startupTimeout = timeout }
}

// WithSupervisorHousekeepingCron overrides the default 5-minute housekeeping schedule.
func WithSupervisorHousekeepingCron(spec string) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.housekeepingCron = spec }
}

// WithSupervisorLogger sets the Logger used across every owned component.
func WithSupervisorLogger(logger Logger) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.logger = logger }
}

// WithSupervisorMetrics sets the Metrics implementation (atomic or Prometheus).
func WithSupervisorMetrics(m Metrics) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.metrics = m }
}

// WithSupervisorProvisionerOptions passes options through to the owned Provisioner.
func WithSupervisorProvisionerOptions(opts ...ProvisionerOption) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.provisionerOptions = append(cfg.provisionerOptions, opts...) }
}

// WithSupervisorHiddenServicePortCollisionResolve enables bumping a
// colliding (virtualPort, targetPort) pair forward in RegisterHiddenService
// instead of failing with ErrDuplicateHiddenService. Separate from
// WithSupervisorCollisionResolve, which only governs SOCKS/Control ports.
func WithSupervisorHiddenServicePortCollisionResolve(enabled bool) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.hiddenServicePortCollisionResolve = enabled }
}

// WithSupervisorRecoverExisting makes NewManager attempt to adopt an
// already-running tor process recorded in the PID file instead of requiring
// Bootstrap to always start a fresh one.
func WithSupervisorRecoverExisting(enabled bool) SupervisorOption {
	return func(cfg *SupervisorConfig) { cfg.recoverExisting = enabled }
}

func normalizeSupervisorConfig(cfg SupervisorConfig) (SupervisorConfig, error) {
	cfg = applySupervisorDefaults(cfg)
	if err := validateSupervisorConfig(cfg); err != nil {
		return SupervisorConfig{}, err
	}
	return cfg, nil
}

func applySupervisorDefaults(cfg SupervisorConfig) SupervisorConfig {
	if cfg.torBinary == "" {
		cfg.torBinary = defaultTorBinary
	}
	if cfg.maxHiddenServices <= 0 {
		cfg.maxHiddenServices = defaultMaxHiddenServices
	}
	if cfg.startupTimeout <= 0 {
		cfg.startupTimeout = defaultStartupTimeout
	}
	if cfg.housekeepingCron == "" {
		cfg.housekeepingCron = defaultHousekeepingSchedule
	}
	if cfg.logger == nil {
		cfg.logger = noopLogger{}
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetricsCollector()
	}
	return cfg
}

func validateSupervisorConfig(cfg SupervisorConfig) error {
	if cfg.root == "" {
		return newError(ErrInvalidConfig, "validateSupervisorConfig", "Root is empty. Use WithSupervisorRoot(path)", nil)
	}
	return nil
}

// Manager is the single entry point spec.md's Facade describes: it
// composes SupervisorPaths, Provisioner, PortAllocator, TorrcModel,
// HiddenServiceRegistry, Supervisor, and ControlClient into one orchestrated
// lifecycle, per SPEC_FULL.md §4.8.
type Manager struct {
	cfg    SupervisorConfig
	paths  SupervisorPaths
	prov   *Provisioner
	alloc  *PortAllocator
	model  *TorrcModel
	reg    *HiddenServiceRegistry
	sup    *Supervisor
	ctrl   *ControlClient
	logger Logger
	metric Metrics

	controlAddr string

	cronSched *cron.Cron
	cronID    cron.EntryID
}

// NewManager wires together every owned component described in
// SPEC_FULL.md §4.8 without starting anything; call Bootstrap to launch.
func NewManager(cfg SupervisorConfig) (*Manager, error) {
	cfg, err := normalizeSupervisorConfig(cfg)
	if err != nil {
		return nil, err
	}

	paths, err := NewSupervisorPaths(cfg.Root())
	if err != nil {
		return nil, err
	}

	provCfg, err := NewProvisionerConfig(append(cfg.provisionerOptions, WithProvisionerLogger(cfg.Logger()))...)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		paths:  paths,
		prov:   NewProvisioner(provCfg, paths),
		alloc:  NewPortAllocator(cfg.collisionResolve),
		model:  NewTorrcModel(paths.DataDir()),
		sup:    NewSupervisor(paths, cfg.TorBinary(), cfg.Logger()),
		logger: cfg.Logger(),
		metric: cfg.Metrics(),
	}
	m.reg = NewHiddenServiceRegistry(paths, m.model, m.alloc, m.dialControl, cfg.Logger()).
		WithMaxHiddenServices(cfg.MaxHiddenServices()).
		WithHiddenServicePortCollisionResolve(cfg.HiddenServicePortCollisionResolve())

	if cfg.RecoverExisting() {
		if _, err := m.sup.Recover(); err != nil {
			return nil, err
		}
		if err := m.reg.RefreshAll(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// dialControl returns a ControlClient authenticated against the currently
// managed process, dialing lazily so the HiddenServiceRegistry does not
// need a direct reference to the Manager's lifecycle state.
func (m *Manager) dialControl() (*ControlClient, error) {
	if m.ctrl != nil {
		return m.ctrl, nil
	}
	return nil, newError(ErrProcessSupervisor, opManager, "supervisor is not running", nil)
}

// DetectPortConflicts reports whether the requested SocksPort/ControlPort
// are already bound on the host, per SPEC_FULL.md §5's supplemented
// pre-Bootstrap check (grounded on original_source's detect_port_conflicts).
func (m *Manager) DetectPortConflicts(ctx context.Context) ([]int, error) {
	var conflicts []int
	for _, port := range []int{m.cfg.SocksPort(), m.cfg.ControlPort()} {
		if port == 0 {
			continue
		}
		if !m.alloc.bindable(ctx, port) {
			conflicts = append(conflicts, port)
		}
	}
	return conflicts, nil
}

// EnsureBinaries downloads and verifies the tor binary via the owned
// Provisioner when it is not already present under BinariesDir, and points
// the Supervisor at the resolved path. Bootstrap calls this internally;
// it is exported so callers can pre-provision a binary without starting
// the process, mirroring original_source's download_and_install_tor_binaries
// / get_tor_executable_path pair.
func (m *Manager) EnsureBinaries(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	binPath, err := m.prov.Ensure(ctx)
	if err != nil {
		return "", err
	}
	m.sup = NewSupervisor(m.paths, binPath, m.logger)
	return binPath, nil
}

// LoadTorrc reads and parses the torrc file at SupervisorPaths.TorrcPath,
// replacing the Manager's in-memory TorrcModel with the parsed result.
// Mirrors original_source's save/load-configuration pairing without
// requiring Bootstrap to have run.
func (m *Manager) LoadTorrc() (*TorrcModel, error) {
	model, err := LoadTorrc(m.paths.TorrcPath())
	if err != nil {
		return nil, err
	}
	m.model = model
	return model, nil
}

// SaveTorrc renders and writes the Manager's current TorrcModel to
// SupervisorPaths.TorrcPath, independent of Bootstrap, mirroring
// original_source's save_torrc_configuration.
func (m *Manager) SaveTorrc() error {
	return m.model.Save(m.paths.TorrcPath())
}

// TorProcessInfo reports the liveness of the Manager's supervised tor
// process, mirroring original_source's get_tor_process.
type TorProcessInfo struct {
	PID         int
	Running     bool
	ControlAddr string
}

// GetTorProcess reports the PID and liveness of the currently supervised
// tor process.
func (m *Manager) GetTorProcess() TorProcessInfo {
	return TorProcessInfo{
		PID:         m.sup.PID(),
		Running:     m.sup.Running(),
		ControlAddr: m.controlAddr,
	}
}

// RestartService stops (gracefully, via the control port when connected)
// and restarts the supervised tor process in place, mirroring
// original_source's restart_tor_service.
func (m *Manager) RestartService(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	prev := m.ctrl
	m.ctrl = nil
	err := m.sup.Restart(ctx, prev, m.controlAddr, m.cfg.StartupTimeout())
	if prev != nil {
		_ = prev.Close()
	}
	if err != nil {
		return err
	}
	if err := WaitForControlPort(m.controlAddr, m.cfg.StartupTimeout()); err != nil {
		return err
	}
	auth, _, err := ControlAuthFromTor(m.controlAddr, m.cfg.StartupTimeout())
	if err != nil {
		return err
	}
	ctrl, err := NewControlClient(m.controlAddr, auth, m.cfg.StartupTimeout())
	if err != nil {
		return err
	}
	if err := ctrl.Authenticate(); err != nil {
		return err
	}
	m.ctrl = ctrl
	m.logger.Log("info", "supervisor restarted", "pid", m.sup.PID())
	return nil
}

// TerminateAllTorProcesses kills the tor process this Manager's Supervisor
// is tracking; when systemWide is true it instead calls
// Supervisor.TerminateAllSystemWide, which scans for and kills any process
// whose executable is the configured tor binary regardless of who started
// it, mirroring original_source's terminate_all_tor_processes
// (see spec.md §9's decision to keep these as two distinct operations).
func (m *Manager) TerminateAllTorProcesses(ctx context.Context, systemWide bool) error {
	m.stopHousekeeping()
	if m.ctrl != nil {
		_ = m.ctrl.Close()
		m.ctrl = nil
	}
	if systemWide {
		return m.sup.TerminateAllSystemWide(ctx)
	}
	return m.sup.TerminateAll()
}

// Bootstrap provisions the tor binary, allocates ports, renders the torrc,
// starts the supervised process, waits for the control port, and
// authenticates, per SPEC_FULL.md §4.8.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := m.EnsureBinaries(ctx); err != nil {
		return err
	}

	socksPort, err := m.alloc.Reserve(ctx, defaultOrAuto(m.cfg.SocksPort(), 9050), PortRoleSocks)
	if err != nil {
		return err
	}
	if err := m.model.AddSocksPort(socksPort.Number); err != nil {
		return err
	}

	controlPort, err := m.alloc.Reserve(ctx, defaultOrAuto(m.cfg.ControlPort(), 9051), PortRoleControl)
	if err != nil {
		return err
	}
	if err := m.model.AddControlPort(controlPort.Number); err != nil {
		return err
	}
	m.model.DataDirectory = m.paths.DataDir()

	if err := m.model.Save(m.paths.TorrcPath()); err != nil {
		return err
	}

	if err := m.sup.Start(ctx, fmt.Sprintf("127.0.0.1:%d", controlPort.Number), m.cfg.StartupTimeout()); err != nil {
		return err
	}

	controlAddr := fmt.Sprintf("127.0.0.1:%d", controlPort.Number)
	if err := WaitForControlPort(controlAddr, m.cfg.StartupTimeout()); err != nil {
		_ = m.sup.ForceStop()
		return err
	}

	auth, _, err := ControlAuthFromTor(controlAddr, m.cfg.StartupTimeout())
	if err != nil {
		_ = m.sup.ForceStop()
		return err
	}
	ctrl, err := NewControlClient(controlAddr, auth, m.cfg.StartupTimeout())
	if err != nil {
		_ = m.sup.ForceStop()
		return err
	}
	if err := ctrl.Authenticate(); err != nil {
		_ = m.sup.ForceStop()
		return err
	}
	m.ctrl = ctrl
	m.controlAddr = controlAddr

	m.startHousekeeping()
	m.logger.Log("info", "supervisor bootstrapped", "socks_port", socksPort.Number, "control_port", controlPort.Number)
	return nil
}

// Reconfigure applies key/value changes via SETCONF and persists them with
// SAVECONF, per SPEC_FULL.md §4.7.
func (m *Manager) Reconfigure(ctx context.Context, settings map[string]string) error {
	if m.ctrl == nil {
		return newError(ErrProcessSupervisor, opManager, "supervisor is not running", nil)
	}
	for key, value := range settings {
		if err := m.ctrl.SetConf(ctx, key, value); err != nil {
			return err
		}
	}
	return m.ctrl.SaveConf(ctx)
}

// AddSocksPort reserves an additional SocksPort and applies it at runtime
// via SETCONF, mirroring original_source's add_runtime_socks_port.
func (m *Manager) AddSocksPort(ctx context.Context, requested int) (Port, error) {
	return m.addRuntimeListener(ctx, requested, PortRoleSocks, "SocksPort")
}

// AddControlPort reserves an additional ControlPort and applies it at
// runtime via SETCONF, mirroring original_source's add_runtime_control_port.
func (m *Manager) AddControlPort(ctx context.Context, requested int) (Port, error) {
	return m.addRuntimeListener(ctx, requested, PortRoleControl, "ControlPort")
}

func (m *Manager) addRuntimeListener(ctx context.Context, requested int, role PortRole, directive string) (Port, error) {
	if m.ctrl == nil {
		return Port{}, newError(ErrProcessSupervisor, opManager, "supervisor is not running", nil)
	}
	port, err := m.alloc.Reserve(ctx, defaultOrAuto(requested, requested), role)
	if err != nil {
		return Port{}, err
	}
	current := m.model.SocksPorts()
	if role == PortRoleControl {
		current = m.model.ControlPorts()
	}
	values := make([]string, 0, len(current)+1)
	for _, p := range append(current, port.Number) {
		values = append(values, fmt.Sprintf("%s=%d", directive, p))
	}
	if _, err := m.ctrl.execCommand(ctx, "SETCONF "+strings.Join(values, " ")); err != nil {
		m.alloc.Release(port.Number)
		return Port{}, err
	}
	if err := m.ctrl.SaveConf(ctx); err != nil {
		return Port{}, err
	}
	if role == PortRoleSocks {
		_ = m.model.AddSocksPort(port.Number)
	} else {
		_ = m.model.AddControlPort(port.Number)
	}
	return port, nil
}

// SendControlCommands issues a batch of raw control-port commands,
// mirroring original_source's send_control_commands passthrough.
func (m *Manager) SendControlCommands(ctx context.Context, cmds ...string) ([][]string, error) {
	if m.ctrl == nil {
		return nil, newError(ErrProcessSupervisor, opManager, "supervisor is not running", nil)
	}
	results := make([][]string, 0, len(cmds))
	for _, cmd := range cmds {
		lines, err := m.ctrl.execCommand(ctx, cmd)
		if err != nil {
			return results, err
		}
		results = append(results, lines)
	}
	return results, nil
}

// RegisterHiddenService registers a new persistent hidden service.
func (m *Manager) RegisterHiddenService(ctx context.Context, virtualPort, targetPort int, preconfig bool) (PersistentHiddenService, error) {
	return m.reg.RegisterHiddenService(ctx, virtualPort, targetPort, preconfig)
}

// RegisterRuntimeHiddenService registers a new runtime (ADD_ONION-backed) hidden service.
func (m *Manager) RegisterRuntimeHiddenService(ctx context.Context, virtualPort, targetPort int, temporary bool) (RuntimeEntry, error) {
	return m.reg.RegisterRuntime(ctx, virtualPort, targetPort, temporary)
}

// ListHiddenServices returns every known persistent and runtime hidden service.
func (m *Manager) ListHiddenServices() ([]PersistentHiddenService, []RuntimeEntry) {
	return m.reg.Persistent(), m.reg.ListRuntime()
}

// PersistRuntime promotes a runtime hidden service to persistent form.
// Requires the supervised process to be stopped, per spec.md §9.
func (m *Manager) PersistRuntime(onionAddress string) (PersistentHiddenService, error) {
	return m.reg.PersistRuntime(onionAddress, m.sup.Running)
}

// RemoveHiddenService removes a runtime hidden service.
func (m *Manager) RemoveHiddenService(ctx context.Context, onionAddress string) error {
	return m.reg.RemoveRuntime(ctx, onionAddress)
}

// Shutdown gracefully stops the supervised process and its housekeeping scheduler.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopHousekeeping()
	if m.ctrl != nil {
		defer func() { _ = m.ctrl.Close() }()
	}
	err := m.sup.Stop(ctx, m.ctrl)
	m.ctrl = nil
	return err
}

// ForceShutdown immediately kills the supervised process without attempting
// a graceful drain.
func (m *Manager) ForceShutdown() error {
	m.stopHousekeeping()
	if m.ctrl != nil {
		_ = m.ctrl.Close()
		m.ctrl = nil
	}
	return m.sup.ForceStop()
}

// startHousekeeping schedules periodic stale-PID reaping and hidden-service
// directory refresh via robfig/cron, per SPEC_FULL.md §3's domain-stack entry.
func (m *Manager) startHousekeeping() {
	m.cronSched = cron.New()
	id, err := m.cronSched.AddFunc(m.cfg.HousekeepingCron(), func() {
		if err := m.reg.RefreshAll(); err != nil {
			m.logger.Log("warn", "housekeeping: hidden service refresh failed", "error", err)
		}
		if pid := m.sup.PID(); pid != 0 && !processAlive(pid) {
			m.logger.Log("warn", "housekeeping: managed process no longer alive, clearing stale PID", "pid", pid)
			_ = m.sup.ForceStop()
		}
	})
	if err != nil {
		m.logger.Log("error", "failed to schedule housekeeping", "error", err)
		return
	}
	m.cronID = id
	m.cronSched.Start()
}

// stopHousekeeping stops the cron scheduler if it was started.
func (m *Manager) stopHousekeeping() {
	if m.cronSched != nil {
		m.cronSched.Stop()
		m.cronSched = nil
	}
}

// defaultOrAuto returns requested when non-zero, else fallback.
func defaultOrAuto(requested, fallback int) int {
	if requested != 0 {
		return requested
	}
	return fallback
}
