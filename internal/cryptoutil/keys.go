package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Keypair holds a freshly generated ed25519 SSH keypair.
// PrivatePEM is the OpenSSH-format private key; PublicLine is the one-line
// authorized_keys form; Fingerprint is the canonical SHA256: form.
type Keypair struct {
	PrivatePEM  []byte
	PublicLine  string
	Fingerprint string
}

// GenerateKeypair creates a new ed25519 keypair for an account.
func GenerateKeypair(comment string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("convert public key: %w", err)
	}

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		line = line + " " + comment
	}

	return &Keypair{
		PrivatePEM:  pem.EncodeToMemory(block),
		PublicLine:  line,
		Fingerprint: ssh.FingerprintSHA256(sshPub),
	}, nil
}

// FingerprintPublicLine computes the SHA256: fingerprint of a one-line
// OpenSSH public key. Matches what the remote side would present.
func FingerprintPublicLine(line string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(pub), nil
}

// InstallCommand builds the single-line shell snippet that installs a public
// key on a remote host. The key is single-quoted; embedded quotes are
// sh-escaped so the line stays copy-pasteable.
func InstallCommand(publicLine string) string {
	quoted := strings.ReplaceAll(publicLine, "'", `'\''`)
	return "mkdir -p ~/.ssh && echo '" + quoted + "' >> ~/.ssh/authorized_keys && chmod 700 ~/.ssh && chmod 600 ~/.ssh/authorized_keys"
}
