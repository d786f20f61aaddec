package tornago

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const opTorrcModel = "TorrcModel"

// TorrcHiddenService is one HiddenServiceDir/HiddenServicePort block inside
// a torrc file, per spec §4.4's render contract.
type TorrcHiddenService struct {
	// Dir is the HiddenServiceDir path.
	Dir string
	// VirtualPort is the port advertised on the onion address.
	VirtualPort int
	// TargetPort is the local port Tor forwards to.
	TargetPort int
	// Version3 requests "HiddenServiceVersion 3" explicitly when true.
	Version3 bool
}

// TorrcModel is the in-memory representation of a torrc file: a ListenerSet
// for SOCKS, a ListenerSet for Control, a set of hidden services, and scalar
// fields (DataDirectory, Log level, authentication mode). It round-trips
// through Render/ParseTorrc for any model built only through its mutators.
type TorrcModel struct {
	DataDirectory        string
	LogLevel             string
	CookieAuthentication bool
	HashedControlPassword string

	socksPorts   []int
	controlPorts []int
	hiddenSvcs   []TorrcHiddenService
}

// NewTorrcModel returns an empty model with sane scalar defaults.
func NewTorrcModel(dataDirectory string) *TorrcModel {
	return &TorrcModel{
		DataDirectory:        dataDirectory,
		LogLevel:             "notice stdout",
		CookieAuthentication: true,
	}
}

// SocksPorts returns a copy of the configured SOCKS ports, in insertion order.
func (m *TorrcModel) SocksPorts() []int {
	return append([]int(nil), m.socksPorts...)
}

// ControlPorts returns a copy of the configured control ports, in insertion order.
func (m *TorrcModel) ControlPorts() []int {
	return append([]int(nil), m.controlPorts...)
}

// HiddenServices returns a copy of the configured hidden service blocks, in insertion order.
func (m *TorrcModel) HiddenServices() []TorrcHiddenService {
	return append([]TorrcHiddenService(nil), m.hiddenSvcs...)
}

// AddSocksPort appends a SOCKS port, rejecting duplicates per the
// pairwise-distinct Port invariant in spec §3.
func (m *TorrcModel) AddSocksPort(port int) error {
	if containsInt(m.socksPorts, port) || containsInt(m.controlPorts, port) {
		return newError(ErrTorrcFailed, opTorrcModel, fmt.Sprintf("port %d already in use by this model", port), nil)
	}
	m.socksPorts = append(m.socksPorts, port)
	return nil
}

// AddControlPort appends a control port, rejecting duplicates.
func (m *TorrcModel) AddControlPort(port int) error {
	if containsInt(m.socksPorts, port) || containsInt(m.controlPorts, port) {
		return newError(ErrTorrcFailed, opTorrcModel, fmt.Sprintf("port %d already in use by this model", port), nil)
	}
	m.controlPorts = append(m.controlPorts, port)
	return nil
}

// AddHiddenService appends a hidden service block, rejecting a directory
// that the model already owns.
func (m *TorrcModel) AddHiddenService(hs TorrcHiddenService) error {
	for _, existing := range m.hiddenSvcs {
		if existing.Dir == hs.Dir {
			return newError(ErrTorrcFailed, opTorrcModel, "directory "+hs.Dir+" already registered", nil)
		}
	}
	m.hiddenSvcs = append(m.hiddenSvcs, hs)
	return nil
}

// Render serializes the model to torrc text, in the directive order spec
// §4.4 requires: DataDirectory, Log, authentication, all SocksPort entries,
// all ControlPort entries, then each hidden service as a contiguous triple.
func (m *TorrcModel) Render() string {
	var b strings.Builder
	if m.DataDirectory != "" {
		fmt.Fprintf(&b, "DataDirectory %s\n", m.DataDirectory)
	}
	if m.LogLevel != "" {
		fmt.Fprintf(&b, "Log %s\n", m.LogLevel)
	}
	switch {
	case m.HashedControlPassword != "":
		fmt.Fprintf(&b, "HashedControlPassword %s\n", m.HashedControlPassword)
	case m.CookieAuthentication:
		b.WriteString("CookieAuthentication 1\n")
	}
	for _, port := range m.socksPorts {
		fmt.Fprintf(&b, "SocksPort %d\n", port)
	}
	for _, port := range m.controlPorts {
		fmt.Fprintf(&b, "ControlPort %d\n", port)
	}
	for _, hs := range m.hiddenSvcs {
		fmt.Fprintf(&b, "HiddenServiceDir %s\n", hs.Dir)
		fmt.Fprintf(&b, "HiddenServicePort %d 127.0.0.1:%d\n", hs.VirtualPort, hs.TargetPort)
		if hs.Version3 {
			b.WriteString("HiddenServiceVersion 3\n")
		}
	}
	return b.String()
}

// Save renders the model and writes it to path with 0600 permissions,
// matching the teacher's convention for files that may contain or
// reference secrets (cf. hidden_service.go's SavePrivateKey).
func (m *TorrcModel) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPermOwnerOnly); err != nil {
		return newError(ErrIO, opTorrcModel, "failed to create torrc directory", err)
	}
	// #nosec G306 -- 0600 matches the teacher's key-material file convention.
	if err := os.WriteFile(path, []byte(m.Render()), 0o600); err != nil {
		return newError(ErrIO, opTorrcModel, "failed to write torrc", err)
	}
	return nil
}

// LoadTorrc reads and parses the torrc file at path.
func LoadTorrc(path string) (*TorrcModel, error) {
	// #nosec G304 -- path is caller-controlled, matching LoadPrivateKey's convention.
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, newError(ErrIO, opTorrcModel, "failed to open torrc", err)
	}
	defer f.Close()
	return ParseTorrc(f)
}

// ParseTorrc parses torrc text from r into a TorrcModel, per spec §4.4's
// parse contract: unknown directives are ignored silently; no warning is
// logged or returned for them. SocksPort/ControlPort
// accept a bare port, "address:port", or "auto"; only numeric forms
// populate the ListenerSet. A HiddenServiceDir starts a new service that
// consumes subsequent HiddenServicePort lines until the next
// HiddenServiceDir or end-of-file. Tolerant of CRLF line endings.
func ParseTorrc(r io.Reader) (*TorrcModel, error) {
	m := &TorrcModel{}
	scanner := bufio.NewScanner(r)
	var current *TorrcHiddenService

	flush := func() {
		if current != nil {
			m.hiddenSvcs = append(m.hiddenSvcs, *current)
			current = nil
		}
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Fields(trimmed)
		directive := fields[0]
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, directive))

		switch directive {
		case "DataDirectory":
			flush()
			m.DataDirectory = rest
		case "Log":
			flush()
			m.LogLevel = rest
		case "CookieAuthentication":
			flush()
			m.CookieAuthentication = rest == "1"
		case "HashedControlPassword":
			flush()
			m.HashedControlPassword = rest
		case "SocksPort":
			flush()
			if port, ok := parsePortDirective(rest); ok {
				m.socksPorts = append(m.socksPorts, port)
			}
		case "ControlPort":
			flush()
			if port, ok := parsePortDirective(rest); ok {
				m.controlPorts = append(m.controlPorts, port)
			}
		case "HiddenServiceDir":
			flush()
			current = &TorrcHiddenService{Dir: rest}
		case "HiddenServicePort":
			if current == nil {
				continue
			}
			virt, target, ok := parseHiddenServicePort(rest)
			if ok {
				current.VirtualPort = virt
				current.TargetPort = target
			}
		case "HiddenServiceVersion":
			if current != nil && rest == "3" {
				current.Version3 = true
			}
		default:
			// Unknown directives are ignored without a warning.
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, newError(ErrTorrcFailed, opTorrcModel, "failed to scan torrc", err)
	}
	return m, nil
}

// parsePortDirective extracts a numeric port from a bare port, "address:port",
// or "auto" token. Only numeric forms succeed.
func parsePortDirective(value string) (int, bool) {
	value = strings.Fields(value)[0]
	if value == "auto" {
		return 0, false
	}
	if idx := strings.LastIndex(value, ":"); idx >= 0 {
		value = value[idx+1:]
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return port, true
}

// parseHiddenServicePort parses "virt[,target-host:target-port]" or
// "virt target-host:target-port" forms used by HiddenServicePort.
func parseHiddenServicePort(value string) (virt, target int, ok bool) {
	value = strings.ReplaceAll(value, ",", " ")
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, 0, false
	}
	virt, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, false
	}
	if len(fields) < 2 {
		return virt, virt, true
	}
	targetField := fields[1]
	if idx := strings.LastIndex(targetField, ":"); idx >= 0 {
		targetField = targetField[idx+1:]
	}
	target, err = strconv.Atoi(targetField)
	if err != nil {
		return virt, virt, true
	}
	return virt, target, true
}

// containsInt reports whether needle is present in haystack.
func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
