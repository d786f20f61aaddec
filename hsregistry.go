package tornago

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	bineed25519 "github.com/cretz/bine/torutil/ed25519"
	"golang.org/x/crypto/sha3"
)

const (
	opHiddenServiceRegistry = "HiddenServiceRegistry"

	// defaultMaxHiddenServices bounds persistent registrations, per spec §4.5.
	defaultMaxHiddenServices = 20

	secretKeyHeader = "== ed25519v1-secret: type0 ==\x00\x00\x00"
	publicKeyHeader = "== ed25519v1-public: type0 ==\x00\x00\x00"
)

// PersistentHiddenService is the {directory, virtualPort, targetPort,
// preconfig, host, publicKey, secretKey} tuple of spec §3 DATA MODEL.
// SecretKey holds the raw 64-byte Tor-format expanded secret key (scalar ||
// prefix) as written to hs_ed25519_secret_key; Tor's expansion is one-way,
// so this is deliberately not a crypto/ed25519.PrivateKey (which is
// seed-based and cannot be recovered from the expanded form).
type PersistentHiddenService struct {
	Directory   string
	VirtualPort int
	TargetPort  int
	Preconfig   bool
	Host        string
	PublicKey   ed25519.PublicKey
	SecretKey   []byte
}

// RuntimeEntry is the {onionAddress, virtualPort, targetPort, serviceKey,
// temporary} tuple of spec §3 DATA MODEL.
type RuntimeEntry struct {
	OnionAddress string
	VirtualPort  int
	TargetPort   int
	ServiceKey   string
	Temporary    bool
}

// HiddenServiceRegistry tracks persistent and runtime hidden services and
// unifies them behind the operations named in spec §4.5. It receives a
// control-session factory rather than holding a back-pointer to the
// supervisor, per the "avoid cyclic references" design note in spec §9.
type HiddenServiceRegistry struct {
	mu     sync.Mutex
	paths  SupervisorPaths
	model  *TorrcModel
	alloc  *PortAllocator
	maxSvc int

	persistent []PersistentHiddenService
	runtime    map[string]RuntimeEntry

	controlFactory                   func() (*ControlClient, error)
	logger                           Logger
	hiddenServicePortCollisionResolve bool
}

// NewHiddenServiceRegistry returns a registry rooted at paths, mutating
// model, allocating target ports through alloc, and obtaining a
// ControlClient lazily via controlFactory. Hidden-service (virtualPort,
// targetPort) collision resolution is disabled by default, distinct from
// PortAllocator's own collisionResolve (which only governs SOCKS/Control
// ports); enable it with WithHiddenServicePortCollisionResolve.
func NewHiddenServiceRegistry(paths SupervisorPaths, model *TorrcModel, alloc *PortAllocator, controlFactory func() (*ControlClient, error), logger Logger) *HiddenServiceRegistry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &HiddenServiceRegistry{
		paths:          paths,
		model:          model,
		alloc:          alloc,
		maxSvc:         defaultMaxHiddenServices,
		runtime:        make(map[string]RuntimeEntry),
		controlFactory: controlFactory,
		logger:         logger,
	}
}

// WithMaxHiddenServices overrides the default cap of 20.
func (r *HiddenServiceRegistry) WithMaxHiddenServices(n int) *HiddenServiceRegistry {
	if n > 0 {
		r.maxSvc = n
	}
	return r
}

// WithHiddenServicePortCollisionResolve enables bumping targetPort forward
// (via the port allocator) when RegisterHiddenService is asked to register a
// (virtualPort, targetPort) pair that collides with an existing persistent
// service, instead of failing with ErrDuplicateHiddenService.
func (r *HiddenServiceRegistry) WithHiddenServicePortCollisionResolve(resolve bool) *HiddenServiceRegistry {
	r.hiddenServicePortCollisionResolve = resolve
	return r
}

// Persistent returns a copy of the currently known persistent services.
func (r *HiddenServiceRegistry) Persistent() []PersistentHiddenService {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PersistentHiddenService(nil), r.persistent...)
}

// RegisterHiddenService creates a new persistent HiddenService with a
// freshly allocated directory name, per spec §4.5. When preconfig is
// false, a fresh Ed25519 key pair is generated and written to the
// directory in Tor's on-disk format; the directory materializes a hostname
// only once Tor itself starts and writes it.
func (r *HiddenServiceRegistry) RegisterHiddenService(ctx context.Context, virtualPort, targetPort int, preconfig bool) (PersistentHiddenService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.persistent) >= r.maxSvc {
		return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry,
			fmt.Sprintf("maxHiddenServices (%d) reached", r.maxSvc), nil)
	}

	for _, existing := range r.persistent {
		if existing.VirtualPort == virtualPort && existing.TargetPort == targetPort {
			if !r.hiddenServicePortCollisionResolve {
				return PersistentHiddenService{}, newError(ErrDuplicateHiddenService, opHiddenServiceRegistry,
					fmt.Sprintf("hidden service already registered for (virtualPort=%d, targetPort=%d)", virtualPort, targetPort), nil)
			}
			resolved, err := r.alloc.Reserve(ctx, targetPort+1, PortRoleHiddenServiceTarget)
			if err != nil {
				return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry,
					"duplicate (virtualPort, targetPort) and collision resolution failed", err)
			}
			targetPort = resolved.Number
		}
	}

	dir := r.paths.HiddenServiceDirFor(len(r.persistent))
	if err := os.MkdirAll(dir, dirPermOwnerOnly); err != nil {
		return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry, "failed to create hidden service directory", err)
	}

	hs := PersistentHiddenService{
		Directory:   dir,
		VirtualPort: virtualPort,
		TargetPort:  targetPort,
		Preconfig:   preconfig,
	}

	if !preconfig {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry, "failed to generate key pair", err)
		}
		expanded := []byte(bineed25519.FromCryptoPrivateKey(priv))
		if err := writeHiddenServiceKeys(dir, pub, expanded); err != nil {
			return PersistentHiddenService{}, err
		}
		hs.PublicKey = pub
		hs.SecretKey = expanded
		hs.Host = onionAddressFromPublicKey(pub)
	}

	if err := r.model.AddHiddenService(TorrcHiddenService{
		Dir:         dir,
		VirtualPort: virtualPort,
		TargetPort:  targetPort,
		Version3:    true,
	}); err != nil {
		return PersistentHiddenService{}, err
	}

	r.persistent = append(r.persistent, hs)
	r.logger.Log("info", "registered persistent hidden service", "dir", dir, "virtual_port", virtualPort, "target_port", targetPort)
	return hs, nil
}

// RefreshAll walks every HiddenService directory and, if hostname exists,
// loads host/publicKey/secretKey into the model. Missing files leave prior
// values untouched if already known, else empty, per spec §4.5.
func (r *HiddenServiceRegistry) RefreshAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.persistent {
		hs := &r.persistent[i]
		hostnamePath := filepath.Join(hs.Directory, "hostname")
		data, err := os.ReadFile(hostnamePath) //nolint:gosec // path is built from our own managed directory layout
		if err != nil {
			continue
		}
		hs.Host = strings.TrimSpace(string(data))

		pub, secret, err := readHiddenServiceKeys(hs.Directory)
		if err == nil {
			hs.PublicKey = pub
			hs.SecretKey = secret
		}
	}
	return nil
}

// RegisterRuntime issues ADD_ONION NEW:ED25519-V3 and records the result as
// a RuntimeHiddenService, per spec §4.5.
func (r *HiddenServiceRegistry) RegisterRuntime(ctx context.Context, virtualPort, targetPort int, temporary bool) (RuntimeEntry, error) {
	ctrl, err := r.controlFactory()
	if err != nil {
		return RuntimeEntry{}, err
	}

	opts := []HiddenServiceOption{
		WithHiddenServiceKeyType("ED25519-V3"),
		WithHiddenServicePort(virtualPort, targetPort),
	}
	if !temporary {
		// Flags=Detach keeps the onion service alive after this control
		// session closes, matching the caller's temporary=false request.
		opts = append(opts, WithHiddenServiceDetached())
	}
	cfg, err := NewHiddenServiceConfig(opts...)
	if err != nil {
		return RuntimeEntry{}, err
	}

	hs, err := ctrl.CreateHiddenService(ctx, cfg)
	if err != nil {
		return RuntimeEntry{}, err
	}

	entry := RuntimeEntry{
		OnionAddress: hs.OnionAddress(),
		VirtualPort:  virtualPort,
		TargetPort:   targetPort,
		ServiceKey:   hs.PrivateKey(),
		Temporary:    temporary,
	}

	r.mu.Lock()
	r.runtime[entry.OnionAddress] = entry
	r.mu.Unlock()

	r.logger.Log("info", "registered runtime hidden service", "onion", entry.OnionAddress, "temporary", temporary)
	return entry, nil
}

// ListRuntime returns a copy of currently tracked runtime services.
func (r *HiddenServiceRegistry) ListRuntime() []RuntimeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RuntimeEntry, 0, len(r.runtime))
	for _, entry := range r.runtime {
		out = append(out, entry)
	}
	return out
}

// RemoveRuntime issues DEL_ONION and drops the entry, per spec §4.5.
func (r *HiddenServiceRegistry) RemoveRuntime(ctx context.Context, onionAddress string) error {
	ctrl, err := r.controlFactory()
	if err != nil {
		return err
	}
	serviceID := strings.TrimSuffix(onionAddress, ".onion")
	if _, err := ctrl.execCommand(ctx, "DEL_ONION "+serviceID); err != nil {
		return newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry, "failed to remove runtime hidden service", err)
	}

	r.mu.Lock()
	delete(r.runtime, onionAddress)
	r.mu.Unlock()
	return nil
}

// PersistRuntime promotes a runtime service to persistent form by writing
// its key material into a fresh hidden-service directory. Per spec §4.5
// this requires the daemon to be stopped; running points to a closure the
// caller supplies to check supervisor liveness (e.g. Supervisor.Running).
func (r *HiddenServiceRegistry) PersistRuntime(onionAddress string, running func() bool) (PersistentHiddenService, error) {
	if running != nil && running() {
		return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry,
			"PersistRuntime requires the daemon to be stopped", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.runtime[onionAddress]
	if !ok {
		return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry,
			"unknown runtime hidden service: "+onionAddress, nil)
	}

	if len(r.persistent) >= r.maxSvc {
		return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry,
			fmt.Sprintf("maxHiddenServices (%d) reached", r.maxSvc), nil)
	}

	expanded, err := decodeExpandedSecretKey(entry.ServiceKey)
	if err != nil {
		return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry, "failed to decode runtime service key", err)
	}
	pub, err := publicKeyFromOnionAddress(entry.OnionAddress)
	if err != nil {
		return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry, "failed to recover public key from onion address", err)
	}

	dir := r.paths.HiddenServiceDirFor(len(r.persistent))
	if err := os.MkdirAll(dir, dirPermOwnerOnly); err != nil {
		return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry, "failed to create hidden service directory", err)
	}
	if err := writeHiddenServiceKeys(dir, pub, expanded); err != nil {
		return PersistentHiddenService{}, err
	}
	// hostname is intentionally left empty; Tor rewrites it on next start.
	if err := os.WriteFile(filepath.Join(dir, "hostname"), []byte{}, 0o600); err != nil {
		return PersistentHiddenService{}, newError(ErrHiddenServiceRegistry, opHiddenServiceRegistry, "failed to create empty hostname placeholder", err)
	}

	hs := PersistentHiddenService{
		Directory:   dir,
		VirtualPort: entry.VirtualPort,
		TargetPort:  entry.TargetPort,
		Preconfig:   true,
		PublicKey:   pub,
		SecretKey:   expanded,
		Host:        onionAddress,
	}
	if err := r.model.AddHiddenService(TorrcHiddenService{
		Dir:         dir,
		VirtualPort: entry.VirtualPort,
		TargetPort:  entry.TargetPort,
		Version3:    true,
	}); err != nil {
		return PersistentHiddenService{}, err
	}

	r.persistent = append(r.persistent, hs)
	delete(r.runtime, onionAddress)
	r.logger.Log("info", "promoted runtime hidden service to persistent", "onion", onionAddress, "dir", dir)
	return hs, nil
}

// writeHiddenServiceKeys writes hs_ed25519_public_key and
// hs_ed25519_secret_key in Tor's on-disk format: a fixed 32-byte header
// (padded with 3 NUL bytes from a human-readable banner), followed by the
// key material. expandedSecret is the 64-byte scalar||prefix blob produced
// by github.com/cretz/bine/torutil/ed25519.FromCryptoPrivateKey or returned
// directly by Tor's ADD_ONION. Grounded on apimgr-vidveil's
// loadOrGenerateKeys.
func writeHiddenServiceKeys(dir string, pub ed25519.PublicKey, expandedSecret []byte) error {
	secretData := append([]byte(secretKeyHeader), expandedSecret...)
	if err := os.WriteFile(filepath.Join(dir, "hs_ed25519_secret_key"), secretData, 0o600); err != nil {
		return newError(ErrIO, opHiddenServiceRegistry, "failed to write secret key", err)
	}

	pubData := append([]byte(publicKeyHeader), pub...)
	if err := os.WriteFile(filepath.Join(dir, "hs_ed25519_public_key"), pubData, 0o600); err != nil {
		return newError(ErrIO, opHiddenServiceRegistry, "failed to write public key", err)
	}
	return nil
}

// readHiddenServiceKeys reads back the key files written by
// writeHiddenServiceKeys, stripping the fixed 32-byte header. The returned
// secret key is the raw expanded blob; Tor's expansion is one-way, so it
// cannot be turned back into a crypto/ed25519.PrivateKey.
func readHiddenServiceKeys(dir string) (ed25519.PublicKey, []byte, error) {
	secretData, err := os.ReadFile(filepath.Join(dir, "hs_ed25519_secret_key")) //nolint:gosec // path built from our own directory layout
	if err != nil {
		return nil, nil, err
	}
	if len(secretData) < 32+64 {
		return nil, nil, fmt.Errorf("secret key file too short")
	}
	expanded := append([]byte(nil), secretData[32:]...)

	pubData, err := os.ReadFile(filepath.Join(dir, "hs_ed25519_public_key")) //nolint:gosec // path built from our own directory layout
	if err != nil {
		return nil, nil, err
	}
	if len(pubData) < 32+32 {
		return nil, nil, fmt.Errorf("public key file too short")
	}
	pub := ed25519.PublicKey(append([]byte(nil), pubData[32:]...))
	return pub, expanded, nil
}

// decodeExpandedSecretKey decodes a Tor-formatted "ED25519-V3:<base64>"
// service key, as returned by ADD_ONION's PrivateKey= field, into its raw
// 64-byte expanded (scalar || prefix) form.
func decodeExpandedSecretKey(serviceKey string) ([]byte, error) {
	parts := strings.SplitN(serviceKey, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed service key")
	}
	raw, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode expanded key: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("unexpected expanded key length: %d", len(raw))
	}
	return raw, nil
}

// onionAddressFromPublicKey derives a v3 .onion hostname from an Ed25519
// public key: base32(pubkey || checksum || version), where
// checksum = SHA3-256(".onion checksum" || pubkey || version)[:2] and
// version = 0x03. Grounded on apimgr-vidveil's generateOnionAddress.
func onionAddressFromPublicKey(pub ed25519.PublicKey) string {
	const version = byte(0x03)

	checksumInput := append([]byte(".onion checksum"), pub...)
	checksumInput = append(checksumInput, version)
	hasher := sha3.New256()
	hasher.Write(checksumInput)
	checksum := hasher.Sum(nil)[:2]

	addressBytes := append([]byte{}, pub...)
	addressBytes = append(addressBytes, checksum...)
	addressBytes = append(addressBytes, version)

	address := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(addressBytes))
	return address + ".onion"
}

// publicKeyFromOnionAddress reverses onionAddressFromPublicKey, recovering
// the 32-byte Ed25519 public key embedded in a v3 .onion address.
func publicKeyFromOnionAddress(onionAddress string) (ed25519.PublicKey, error) {
	serviceID := strings.ToUpper(strings.TrimSuffix(onionAddress, ".onion"))
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode onion address: %w", err)
	}
	if len(raw) != 35 {
		return nil, fmt.Errorf("unexpected decoded address length: %d", len(raw))
	}
	return ed25519.PublicKey(raw[:32]), nil
}
