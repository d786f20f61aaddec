package tornago

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	bineed25519 "github.com/cretz/bine/torutil/ed25519"
)

func newTestRegistry(t *testing.T) (*HiddenServiceRegistry, SupervisorPaths) {
	t.Helper()
	paths, err := NewSupervisorPaths(t.TempDir())
	if err != nil {
		t.Fatalf("NewSupervisorPaths returned error: %v", err)
	}
	model := NewTorrcModel(paths.DataDir())
	alloc := NewPortAllocator(true)
	noControl := func() (*ControlClient, error) {
		return nil, newError(ErrProcessSupervisor, opHiddenServiceRegistry, "no control session in this test", nil)
	}
	reg := NewHiddenServiceRegistry(paths, model, alloc, noControl, nil)
	return reg, paths
}

func TestOnionAddressRoundTrip(t *testing.T) {
	t.Run("should recover the original public key from its derived onion address", func(t *testing.T) {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("GenerateKey returned error: %v", err)
		}

		address := onionAddressFromPublicKey(pub)
		if len(address) == 0 || address[len(address)-6:] != ".onion" {
			t.Fatalf("unexpected onion address: %s", address)
		}

		recovered, err := publicKeyFromOnionAddress(address)
		if err != nil {
			t.Fatalf("publicKeyFromOnionAddress returned error: %v", err)
		}
		if !recovered.Equal(pub) {
			t.Errorf("recovered public key does not match original")
		}
	})

	t.Run("should reject a malformed onion address", func(t *testing.T) {
		if _, err := publicKeyFromOnionAddress("not-valid-base32!!!.onion"); err == nil {
			t.Fatal("expected error for malformed onion address")
		}
	})
}

func TestHiddenServiceKeyFileRoundTrip(t *testing.T) {
	t.Run("should read back the public key and expanded secret written to disk", func(t *testing.T) {
		dir := t.TempDir()
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("GenerateKey returned error: %v", err)
		}
		expanded := []byte(bineed25519.FromCryptoPrivateKey(priv))

		if err := writeHiddenServiceKeys(dir, pub, expanded); err != nil {
			t.Fatalf("writeHiddenServiceKeys returned error: %v", err)
		}

		gotPub, gotSecret, err := readHiddenServiceKeys(dir)
		if err != nil {
			t.Fatalf("readHiddenServiceKeys returned error: %v", err)
		}
		if !gotPub.Equal(pub) {
			t.Errorf("public key mismatch after round trip")
		}
		if len(gotSecret) != len(expanded) {
			t.Fatalf("secret key length mismatch: want %d got %d", len(expanded), len(gotSecret))
		}
		for i := range expanded {
			if gotSecret[i] != expanded[i] {
				t.Fatalf("secret key byte %d mismatch", i)
			}
		}
	})
}

func TestDecodeExpandedSecretKey(t *testing.T) {
	t.Run("should reject a key without the ED25519-V3 prefix", func(t *testing.T) {
		if _, err := decodeExpandedSecretKey("not-a-valid-key"); err == nil {
			t.Fatal("expected error for malformed service key")
		}
	})

	t.Run("should reject a key of the wrong decoded length", func(t *testing.T) {
		if _, err := decodeExpandedSecretKey("ED25519-V3:AAAA"); err == nil {
			t.Fatal("expected error for short decoded key")
		}
	})
}

func TestHiddenServiceRegistryRegister(t *testing.T) {
	t.Run("should generate a fresh key pair and onion host when not preconfigured", func(t *testing.T) {
		reg, _ := newTestRegistry(t)

		hs, err := reg.RegisterHiddenService(context.Background(), 80, 8080, false)
		if err != nil {
			t.Fatalf("RegisterHiddenService returned error: %v", err)
		}
		if hs.PublicKey == nil || len(hs.SecretKey) != 64 {
			t.Fatalf("expected generated key material, got %+v", hs)
		}
		if hs.Host == "" {
			t.Fatal("expected a derived onion host")
		}
		if _, err := os.Stat(filepath.Join(hs.Directory, "hs_ed25519_secret_key")); err != nil {
			t.Fatalf("expected secret key file on disk: %v", err)
		}
	})

	t.Run("should leave key material empty when preconfigured", func(t *testing.T) {
		reg, _ := newTestRegistry(t)

		hs, err := reg.RegisterHiddenService(context.Background(), 80, 8080, true)
		if err != nil {
			t.Fatalf("RegisterHiddenService returned error: %v", err)
		}
		if hs.PublicKey != nil || hs.SecretKey != nil {
			t.Fatalf("expected no generated key material for a preconfigured service, got %+v", hs)
		}
	})

	t.Run("should reject a duplicate virtualPort/targetPort pair when collision resolution is disabled", func(t *testing.T) {
		reg, _ := newTestRegistry(t)

		if _, err := reg.RegisterHiddenService(context.Background(), 80, 8080, true); err != nil {
			t.Fatalf("first RegisterHiddenService returned error: %v", err)
		}
		_, err := reg.RegisterHiddenService(context.Background(), 80, 8080, true)
		if err == nil {
			t.Fatal("expected an error for a duplicate (virtualPort, targetPort) pair")
		}
		var te *TornagoError
		if !errors.As(err, &te) || te.Kind != ErrDuplicateHiddenService {
			t.Fatalf("expected ErrDuplicateHiddenService, got %v", err)
		}
	})

	t.Run("should resolve a duplicate virtualPort/targetPort pair to a new target port when enabled", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		reg.WithHiddenServicePortCollisionResolve(true)

		first, err := reg.RegisterHiddenService(context.Background(), 80, 8080, true)
		if err != nil {
			t.Fatalf("first RegisterHiddenService returned error: %v", err)
		}
		second, err := reg.RegisterHiddenService(context.Background(), 80, 8080, true)
		if err != nil {
			t.Fatalf("second RegisterHiddenService returned error: %v", err)
		}
		if second.TargetPort == first.TargetPort {
			t.Fatalf("expected a resolved target port, got the same port twice: %d", first.TargetPort)
		}
	})

	t.Run("should return ErrHiddenServiceRegistry once maxHiddenServices is reached", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		reg.WithMaxHiddenServices(1)

		if _, err := reg.RegisterHiddenService(context.Background(), 80, 8080, true); err != nil {
			t.Fatalf("first RegisterHiddenService returned error: %v", err)
		}

		_, err := reg.RegisterHiddenService(context.Background(), 81, 8081, true)
		if err == nil {
			t.Fatal("expected error once maxHiddenServices is reached")
		}
		var te *TornagoError
		if !errors.As(err, &te) || te.Kind != ErrHiddenServiceRegistry {
			t.Fatalf("expected ErrHiddenServiceRegistry, got %v", err)
		}
	})
}

func TestHiddenServiceRegistryPersistRuntime(t *testing.T) {
	t.Run("should refuse to persist while the daemon is still running", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		running := func() bool { return true }

		_, err := reg.PersistRuntime("anyaddress.onion", running)
		if err == nil {
			t.Fatal("expected error when the daemon is reported running")
		}
		var te *TornagoError
		if !errors.As(err, &te) || te.Kind != ErrHiddenServiceRegistry {
			t.Fatalf("expected ErrHiddenServiceRegistry, got %v", err)
		}
	})

	t.Run("should reject an unknown onion address", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		stopped := func() bool { return false }

		_, err := reg.PersistRuntime("unknown.onion", stopped)
		if err == nil {
			t.Fatal("expected error for an unknown runtime onion address")
		}
	})
}

func TestHiddenServiceRegistryRuntimeFallback(t *testing.T) {
	t.Run("should surface the control factory's error when no control session exists", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		if _, err := reg.RegisterRuntime(context.Background(), 80, 8080, true); err == nil {
			t.Fatal("expected error when controlFactory cannot produce a session")
		}
		if err := reg.RemoveRuntime(context.Background(), "anyaddress.onion"); err == nil {
			t.Fatal("expected error when controlFactory cannot produce a session")
		}
	})
}
