package container

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// keyPair is a generated Ed25519 identity in both raw and OpenSSH-wire
// forms, grounded on warren's pkg/security/certs.go file-permission
// discipline (strict private-key mode, public material handed out freely)
// but generating SSH key material instead of TLS certificates, per
// spec.md §4.2's "Each user has an Ed25519 key pair."
type keyPair struct {
	PrivateKeyPEM []byte // OpenSSH private key format
	PublicKeyLine []byte // "ssh-ed25519 AAAA... " authorized_keys line
}

// generateKeyPair creates a fresh Ed25519 SSH key pair.
func generateKeyPair() (*keyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("container: generate ed25519 key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("container: wrap public key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("container: marshal private key: %w", err)
	}

	return &keyPair{
		PrivateKeyPEM: pem.EncodeToMemory(block),
		PublicKeyLine: ssh.MarshalAuthorizedKey(sshPub),
	}, nil
}
