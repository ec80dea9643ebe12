// Package sshmux maintains the directory-per-user file contract the SSH
// multiplexer polls (spec.md §4.5): an upstream address, an
// authorized_keys file and a private key file, written atomically so the
// multiplexer never observes a half-written file. Grounded on
// warren/pkg/network/hostports.go's stable-mapping-keyed-by-identity idiom
// for port derivation and on pkg/fsatomic for the write discipline shared
// with pkg/proxyconfig.
package sshmux

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/cuemby/hydra/pkg/fsatomic"
)

// BasePort and PortSpan bound the deterministic per-user SSH forwarding
// port range (spec.md §4.5: "base 22000 + hash mod 10000").
const (
	BasePort = 22000
	PortSpan = 10000
)

// Writer maintains the SSH-mux config directory rooted at Root, one
// subdirectory per username.
type Writer struct {
	Root string
}

// New returns a Writer rooted at root.
func New(root string) *Writer {
	return &Writer{Root: root}
}

// DerivePort deterministically maps a username to a forwarding port in
// [BasePort, BasePort+PortSpan).
func DerivePort(username string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	return BasePort + int(h.Sum32()%PortSpan)
}

func (w *Writer) userDir(username string) string {
	return filepath.Join(w.Root, username)
}

// WriteUpstream (re)writes the single-line upstream file naming the
// host:port the multiplexer forwards into. Called on init and on every
// migration step 9 (UPDATING_ROUTES).
func (w *Writer) WriteUpstream(username, hostport string) error {
	if err := os.MkdirAll(w.userDir(username), 0o755); err != nil {
		return fmt.Errorf("sshmux: create user dir: %w", err)
	}
	path := filepath.Join(w.userDir(username), "upstream")
	return fsatomic.WriteFile(path, []byte(hostport+"\n"), 0o644)
}

// WriteKeys (re)writes the authorized_keys (mode 0644) and id_ed25519
// (mode 0600) files. Called on init and on regenerate_keys.
func (w *Writer) WriteKeys(username string, privateKeyPEM, publicKeyLine []byte) error {
	if err := os.MkdirAll(w.userDir(username), 0o755); err != nil {
		return fmt.Errorf("sshmux: create user dir: %w", err)
	}
	dir := w.userDir(username)
	if err := fsatomic.WriteFile(filepath.Join(dir, "authorized_keys"), publicKeyLine, 0o644); err != nil {
		return fmt.Errorf("sshmux: write authorized_keys: %w", err)
	}
	if err := fsatomic.WriteFile(filepath.Join(dir, "id_ed25519"), privateKeyPEM, 0o600); err != nil {
		return fmt.Errorf("sshmux: write id_ed25519: %w", err)
	}
	return nil
}

// Remove deletes the user's entire config directory (destroy/wipe),
// tolerating one that is already gone.
func (w *Writer) Remove(username string) error {
	if err := os.RemoveAll(w.userDir(username)); err != nil {
		return fmt.Errorf("sshmux: remove user dir: %w", err)
	}
	return nil
}
