package tornago

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	opProvisioner = "Provisioner"

	defaultDownloadTimeout = 120 * time.Second
	defaultDownloadIndex   = "https://dist.torproject.org/torbrowser/"
)

// archAliases maps Go's GOOS/GOARCH pairs to the Tor Expert Bundle asset
// name fragment, per spec §4.2's fixed mapping table.
var archAliases = map[string]string{
	"windows/amd64": "windows-x86_64",
	"windows/386":   "windows-i686",
	"linux/amd64":   "linux-x86_64",
	"linux/386":     "linux-i686",
	"darwin/amd64":  "macos-x86_64",
	"darwin/arm64":  "macos-aarch64",
}

// DownloadInfo describes a discovered Tor Expert Bundle release.
type DownloadInfo struct {
	Version  string
	URL      string
	Filename string
}

// ProvisionerConfig controls binary discovery, download, and verification.
// It is immutable after construction via NewProvisionerConfig.
type ProvisionerConfig struct {
	downloadIndexURL string
	downloadTimeout  time.Duration
	expectedSHA256   string
	httpClient       *http.Client
	logger           Logger
}

// ProvisionerOption customizes ProvisionerConfig creation.
type ProvisionerOption func(*ProvisionerConfig)

// NewProvisionerConfig returns a validated, immutable provisioner config.
func NewProvisionerConfig(opts ...ProvisionerOption) (ProvisionerConfig, error) {
	cfg := ProvisionerConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return normalizeProvisionerConfig(cfg)
}

// WithProvisionerDownloadIndex overrides the Tor Project download index URL.
func WithProvisionerDownloadIndex(url string) ProvisionerOption {
	return func(cfg *ProvisionerConfig) { cfg.downloadIndexURL = url }
}

// WithProvisionerDownloadTimeout bounds the archive download (default 120s, per spec §5).
func WithProvisionerDownloadTimeout(timeout time.Duration) ProvisionerOption {
	return func(cfg *ProvisionerConfig) { cfg.downloadTimeout = timeout }
}

// WithProvisionerExpectedSHA256 pins the expected archive digest; when set,
// Ensure fails closed on a mismatch instead of trusting HTTPS alone (see
// DESIGN.md Open Question #3).
func WithProvisionerExpectedSHA256(hexDigest string) ProvisionerOption {
	return func(cfg *ProvisionerConfig) { cfg.expectedSHA256 = strings.ToLower(hexDigest) }
}

// WithProvisionerHTTPClient overrides the HTTP client used for discovery and download.
func WithProvisionerHTTPClient(client *http.Client) ProvisionerOption {
	return func(cfg *ProvisionerConfig) { cfg.httpClient = client }
}

// WithProvisionerLogger sets the structured logger for provisioning operations.
func WithProvisionerLogger(logger Logger) ProvisionerOption {
	return func(cfg *ProvisionerConfig) { cfg.logger = logger }
}

func normalizeProvisionerConfig(cfg ProvisionerConfig) (ProvisionerConfig, error) {
	if cfg.downloadIndexURL == "" {
		cfg.downloadIndexURL = defaultDownloadIndex
	}
	if cfg.downloadTimeout <= 0 {
		cfg.downloadTimeout = defaultDownloadTimeout
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: cfg.downloadTimeout}
	}
	if cfg.logger == nil {
		cfg.logger = noopLogger{}
	}
	return cfg, nil
}

// Provisioner discovers, downloads, verifies, and unpacks the Tor Expert
// Bundle appropriate for the current OS/architecture, per spec §4.2.
type Provisioner struct {
	cfg   ProvisionerConfig
	paths SupervisorPaths
}

// NewProvisioner returns a Provisioner rooted at paths.
func NewProvisioner(cfg ProvisionerConfig, paths SupervisorPaths) *Provisioner {
	return &Provisioner{cfg: cfg, paths: paths}
}

// BinariesPresent reports whether the managed tor executable exists and is
// directly executable, per spec §4.2.
func (p *Provisioner) BinariesPresent() bool {
	info, err := os.Stat(p.paths.BinaryPath())
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// DiscoverLatestDownload queries the Tor Project download index and returns
// the Expert Bundle matching the current OS/architecture, or
// ErrBinaryProvisionFailed for an unsupported combination (spec §4.2,
// scenario 5).
func (p *Provisioner) DiscoverLatestDownload(ctx context.Context) (DownloadInfo, error) {
	key := runtime.GOOS + "/" + runtime.GOARCH
	archTag, ok := archAliases[key]
	if !ok {
		return DownloadInfo{}, newError(ErrBinaryProvisionFailed, opProvisioner,
			fmt.Sprintf("unsupported OS/architecture combination: %s", key), nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.downloadIndexURL, http.NoBody)
	if err != nil {
		return DownloadInfo{}, newError(ErrBinaryProvisionFailed, opProvisioner, "failed to build index request", err)
	}
	resp, err := p.cfg.httpClient.Do(req)
	if err != nil {
		return DownloadInfo{}, newError(ErrBinaryProvisionFailed, opProvisioner, "failed to reach download index", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DownloadInfo{}, newError(ErrBinaryProvisionFailed, opProvisioner,
			fmt.Sprintf("download index returned status %d", resp.StatusCode), nil)
	}

	var index struct {
		Version string            `json:"version"`
		Assets  map[string]string `json:"assets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return DownloadInfo{}, newError(ErrBinaryProvisionFailed, opProvisioner, "failed to parse download index", err)
	}

	url, ok := index.Assets[archTag]
	if !ok || url == "" {
		return DownloadInfo{}, newError(ErrBinaryProvisionFailed, opProvisioner,
			fmt.Sprintf("no asset published for %s", archTag), nil)
	}

	return DownloadInfo{
		Version:  index.Version,
		URL:      url,
		Filename: filepath.Base(url),
	}, nil
}

// Ensure returns the path to a usable tor executable, installing one if
// necessary. Already-installed binaries return success fast, per spec §4.2.
func (p *Provisioner) Ensure(ctx context.Context) (string, error) {
	if p.BinariesPresent() {
		p.cfg.logger.Log("debug", "tor binary already installed", "path", p.paths.BinaryPath())
		return p.paths.BinaryPath(), nil
	}

	if override := os.Getenv("TOR_BINARY_OVERRIDE"); override != "" {
		p.cfg.logger.Log("info", "using TOR_BINARY_OVERRIDE, skipping provisioning", "path", override)
		return override, nil
	}

	if path, err := exec.LookPath("tor"); err == nil {
		p.cfg.logger.Log("info", "using tor binary found on PATH", "path", path)
		return path, nil
	}

	p.cfg.logger.Log("info", "tor binary not found, installing Expert Bundle")
	return p.installLatest(ctx)
}

// installLatest downloads the archive to cache/, extracts into binaries/,
// and moves the tor executable to its canonical path. Partial failure
// leaves cache/ intact for retry; BinariesPresent remains false until
// extraction fully completes, per spec §4.2.
func (p *Provisioner) installLatest(ctx context.Context) (string, error) {
	info, err := p.DiscoverLatestDownload(ctx)
	if err != nil {
		return "", err
	}

	archivePath := filepath.Join(p.paths.CacheDir(), info.Filename)
	err = retry.Do(
		func() error { return p.download(ctx, info.URL, archivePath) },
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil {
		return "", newError(ErrBinaryProvisionFailed, opProvisioner, "failed to download Tor Expert Bundle", err)
	}

	if p.cfg.expectedSHA256 != "" {
		if err := verifySHA256(archivePath, p.cfg.expectedSHA256); err != nil {
			return "", newError(ErrBinaryProvisionFailed, opProvisioner, "archive integrity check failed", err)
		}
	} else {
		p.cfg.logger.Log("warn", "no expected SHA-256 configured, trusting HTTPS channel only", "archive", archivePath)
	}

	if err := extractArchive(archivePath, p.paths.BinariesDir()); err != nil {
		return "", newError(ErrBinaryProvisionFailed, opProvisioner, "failed to extract Tor Expert Bundle", err)
	}

	if !p.BinariesPresent() {
		return "", newError(ErrBinaryProvisionFailed, opProvisioner, "extracted archive did not produce a usable tor executable", nil)
	}

	p.cfg.logger.Log("info", "installed Tor Expert Bundle", "version", info.Version, "path", p.paths.BinaryPath())
	return p.paths.BinaryPath(), nil
}

// download fetches url into destPath, creating parent directories as needed.
func (p *Provisioner) download(ctx context.Context, url, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), dirPermOwnerOnly); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := p.cfg.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	// #nosec G304 -- destPath is derived from the discovered filename under our own cache dir.
	out, err := os.Create(filepath.Clean(destPath))
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// verifySHA256 computes archivePath's digest and compares it against expected.
func verifySHA256(archivePath, expected string) error {
	// #nosec G304 -- archivePath is produced by our own download step.
	f, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return fmt.Errorf("sha256 mismatch: got %s, want %s", actual, expected)
	}
	return nil
}

// extractArchive unpacks a .tar.gz or .zip Expert Bundle archive into destDir.
func extractArchive(archivePath, destDir string) error {
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		return extractZip(archivePath, destDir)
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		return extractTarGz(archivePath, destDir)
	default:
		return fmt.Errorf("unrecognized archive format: %s", archivePath)
	}
}

func extractTarGz(archivePath, destDir string) error {
	// #nosec G304 -- archivePath is produced by our own download step.
	f, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		if err := writeExtractedEntry(target, hdr.FileInfo(), tr); err != nil {
			return err
		}
	}
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, entry := range r.File {
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return err
		}
		rc, err := entry.Open()
		if err != nil {
			return err
		}
		err = writeExtractedEntry(target, entry.FileInfo(), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin joins destDir and name, rejecting path traversal (e.g. "../").
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}

func writeExtractedEntry(target string, fi os.FileInfo, r io.Reader) error {
	if fi.IsDir() {
		return os.MkdirAll(target, dirPermOwnerOnly)
	}
	if err := os.MkdirAll(filepath.Dir(target), dirPermOwnerOnly); err != nil {
		return err
	}
	mode := fi.Mode()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, r) //nolint:gosec // archive size is bounded by the Expert Bundle release, not attacker input
	return err
}
