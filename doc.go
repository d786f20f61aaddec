// Package tornago provisions, configures, and supervises a Tor process for
// applications that want to own their own onion presence instead of relying
// on a system-wide tor daemon.
//
// # What is Tor?
//
// Tor (The Onion Router) is a network of relays that anonymizes internet traffic
// by routing connections through multiple encrypted hops. Key concepts:
//
//   - SocksPort: The SOCKS5 proxy port that applications use to route traffic through Tor.
//     Think of it as the "entrance" to the Tor network for outbound connections.
//
//   - ControlPort: A text-based management interface for controlling a running Tor instance.
//     Used for operations like rotating circuits (NewIdentity), creating hidden services,
//     and querying Tor's internal state.
//
//   - Hidden Service (Onion Service): A service accessible only through the Tor network,
//     identified by a .onion address. This allows you to host servers that are both
//     anonymous and accessible without requiring a public IP address or DNS registration.
//
//   - torrc: Tor's configuration file, read with "-f" on startup. tornago renders and
//     owns one per supervised installation instead of requiring a hand-edited system file.
//
// # Quick Start
//
// For a fully managed tor installation (binary download, torrc, process
// lifecycle, hidden services), construct a Manager:
//
//	cfg, _ := tornago.NewSupervisorConfig(
//	    tornago.WithSupervisorRoot("/var/lib/myapp/tor"),
//	)
//	mgr, _ := tornago.NewManager(cfg)
//	if err := mgr.Bootstrap(context.Background()); err != nil {
//	    log.Fatalf("failed to bootstrap tor: %v", err)
//	}
//	defer mgr.Shutdown(context.Background())
//
// For a single unmanaged tor process launched from an existing torrc or CLI
// flags, use StartTorDaemon directly; see "Launching a Single Tor Process"
// below.
//
// # Main Use Cases
//
// **Owning a full tor installation** (the common case for a service that
// ships its own onion presence):
//   - Construct a Manager; call Bootstrap to provision, configure, and launch tor
//   - Register persistent or runtime hidden services through the Manager
//   - Call Shutdown/ForceShutdown to stop the supervised process
//
// **Launching Tor programmatically for a single process** (development/testing,
// or as the low-level primitive Manager is built on):
//   - Use StartTorDaemon() to launch a tor process managed by your application
//   - tornago handles port allocation, startup synchronization, and cleanup
//
// **Creating Hidden Services** (hosting anonymous servers):
//   - Manager.RegisterHiddenService creates a persistent, torrc-backed service
//   - Manager.RegisterRuntimeHiddenService issues ADD_ONION for a service that
//     exists only for the current control session (or survives it, with
//     Flags=Detach, when registered non-temporary)
//   - Map your local server port to a virtual onion port
//
// # Architecture Overview
//
// tornago provides several components that work together:
//
//   - ControlClient: Low-level interface to Tor's ControlPort for management commands
//   - TorProcess: Represents a single tor daemon launched by StartTorDaemon()
//   - HiddenService: A runtime (ADD_ONION/DEL_ONION) onion service handle
//   - Manager: Owns a full tor installation's lifecycle (binary provisioning,
//     torrc, the supervised process, and its hidden services) behind one
//     facade; see "Managing a Supervised Tor Installation" below
//   - Supervisor: Starts, stops, restarts, and recovers a single tor process
//     driven by a torrc file, recording its PID for recovery across restarts
//   - Provisioner: Downloads and verifies the Tor Expert Bundle when no usable
//     tor binary is already present
//   - PortAllocator: Reserves SocksPort/ControlPort/hidden-service target ports,
//     optionally resolving collisions by scanning forward
//   - TorrcModel: An in-memory, renderable/parseable model of a torrc file
//   - HiddenServiceRegistry: Tracks both persistent (on-disk) and runtime
//     (ADD_ONION) hidden services and promotes runtime services to persistent
//
// All configurations use the functional options pattern for flexibility and immutability.
//
// # Authentication
//
// Tor's ControlPort requires authentication. tornago supports:
//
//   - Cookie authentication (default): Tor writes a random cookie file, tornago reads it
//   - Password authentication: You configure a hashed password in Tor and provide it to tornago
//
// When using StartTorDaemon() or Manager.Bootstrap, cookie authentication is
// configured automatically. When connecting to an existing Tor instance, you
// must provide appropriate credentials.
//
// # Error Handling
//
// All tornago errors are wrapped in TornagoError with a Kind field for programmatic handling.
// Use errors.Is() to check error kinds:
//
//	if errors.Is(err, &tornago.TornagoError{Kind: tornago.ErrControlRequestFail}) {
//	    // Handle control-port failure
//	}
//
// Common error kinds:
//   - ErrTorBinaryNotFound: tor executable not on PATH and not yet provisioned
//   - ErrBinaryProvisionFailed: the Tor Expert Bundle could not be downloaded/verified/unpacked
//   - ErrPortAllocationFailed: the port allocator could not reserve a free port
//   - ErrControlRequestFail: ControlPort command failed (check authentication)
//   - ErrHiddenServiceRegistry: a hidden-service registration/refresh/promotion failed
//   - ErrProcessSupervisor: a supervisor lifecycle operation failed or violated a precondition
//   - ErrTimeout: Operation exceeded deadline (increase timeout or check network)
//
// # Launching a Single Tor Process
//
// StartTorDaemon is the low-level primitive Manager's Supervisor builds on. It
// launches tor as a child process from a TorLaunchConfig and waits for its
// ports to become reachable:
//
//	launchCfg, _ := tornago.NewTorLaunchConfig(
//	    tornago.WithTorSocksAddr(":0"),  // Random port
//	    tornago.WithTorControlAddr(":0"),
//	    tornago.WithTorStartupTimeout(60*time.Second),
//	)
//	torProcess, _ := tornago.StartTorDaemon(launchCfg)
//	defer torProcess.Stop()
//
//	auth, _, _ := tornago.ControlAuthFromTor(torProcess.ControlAddr(), 5*time.Second)
//	ctrl, _ := tornago.NewControlClient(torProcess.ControlAddr(), auth, 5*time.Second)
//	defer ctrl.Close()
//
// # Managing a Supervised Tor Installation
//
// For applications that own the full tor lifecycle (downloading the binary,
// writing its torrc, starting/stopping the process, and managing hidden
// services across restarts), use Manager instead of StartTorDaemon directly:
//
//	cfg, _ := tornago.NewSupervisorConfig(
//	    tornago.WithSupervisorRoot("/var/lib/myapp/tor"),
//	    tornago.WithSupervisorMaxHiddenServices(10),
//	)
//	mgr, _ := tornago.NewManager(cfg)
//
//	if err := mgr.Bootstrap(context.Background()); err != nil {
//	    log.Fatalf("failed to bootstrap tor: %v", err)
//	}
//	defer mgr.Shutdown(context.Background())
//
//	hs, _ := mgr.RegisterHiddenService(context.Background(), 80, 8080, false)
//	fmt.Printf("onion address (after next Bootstrap): %s\n", hs.Host)
//
// Manager provisions the tor binary via Provisioner.Ensure when the
// configured binary isn't already on BinariesDir, renders a torrc from
// TorrcModel, starts the process via Supervisor, waits for the control port,
// and authenticates a ControlClient — all before Bootstrap returns. A
// background robfig/cron job periodically refreshes hidden service hostnames
// and checks that the managed PID is still alive.
//
// Bootstrap always starts a fresh tor process. To re-adopt an
// already-running process left over from a prior run of your program
// instead (identified by its PID file under SupervisorPaths.PidFilePath),
// construct the Manager with WithSupervisorRecoverExisting, or call the
// lower-level Supervisor.Recover directly before deciding whether Bootstrap
// is necessary at all.
//
// A non-temporary runtime hidden service (registered with temporary=false)
// is created with ADD_ONION's Flags=Detach, so it survives the control
// connection that created it rather than being torn down when that session
// closes; a temporary one is torn down with the session, matching Tor's
// default ADD_ONION behavior.
//
// # Hidden Service Private Key Management
//
// Private keys determine your .onion address. Keep them secure:
//
//	// File permissions
//	sudo chmod 600 /var/lib/myapp/tor/hidden_services/hs_0/hs_ed25519_secret_key
//
// Best practices:
//   - Store keys in a directory with restricted permissions (chmod 600, already
//     the default tornago applies when it writes hs_ed25519_secret_key itself)
//   - Keep encrypted backups in a separate physical location
//   - Test restoration regularly
//
// # Troubleshooting
//
// **Tor binary not found and provisioning disabled**
//
//	Error: tor_binary_not_found: tor binary not found: tor
//	Solution: either install Tor via package manager and point
//	  WithSupervisorTorBinary at it, or let Provisioner download the Expert
//	  Bundle automatically on first Bootstrap.
//
// **Cannot connect to the control port**
//
//	Error: tor_launch_failed: tor did not become ready
//	Solution: check that no other process already holds the requested
//	  SocksPort/ControlPort (Manager.DetectPortConflicts), and that the
//	  rendered torrc under SupervisorPaths.TorrcPath() is well-formed.
//
// **ControlPort authentication failed**
//
//	Error: control_request_failed: 515 Authentication failed
//	Solution: check authentication method and credentials
//	  For system Tor with cookie auth:
//	    auth, _, _ := tornago.ControlAuthFromTor("127.0.0.1:9051", 30*time.Second)
//	  Verify cookie file permissions:
//	    ls -l /run/tor/control.authcookie
//
// **Hidden service registration hits maxHiddenServices**
//
//	Error: hidden_service_registry_failed: maxHiddenServices (20) reached
//	Solution: raise the cap with WithSupervisorMaxHiddenServices. Only
//	  persistent services count toward it; runtime services do not, so
//	  removing them with Manager.RemoveHiddenService frees no slot.
//
// Complete API documentation: https://pkg.go.dev/github.com/nao1215/tornago-supervisor
package tornago
