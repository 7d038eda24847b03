package ssh

// keys.go covers the key material a provisioner injects into an instance.
//
// A provisioner only ever needs the public half as an OpenSSH
// ('authorized_keys') line, which is what 'KeySource' exposes. The private half
// becomes an 'ssh.Signer' and is handed to an 'Authenticator' for logging in.

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGen         = fmt.Errorf("failed to generate an ED25519 keypair")
	ErrPubKeyConv     = fmt.Errorf("failed to convert the public key to 'ssh.PublicKey'")
	ErrPubKeyMarshal  = fmt.Errorf("failed to marshal the public key to OpenSSH format")
	ErrPrivKeyMarshal = fmt.Errorf("failed to marshal the private key to OpenSSH format")
	ErrPEMEncode      = fmt.Errorf("failed to PEM-encode the private key")
	ErrKeyRead        = fmt.Errorf("failed to read key file")
)

// KeySource supplies the public key a provisioner authorizes on new instances.
type KeySource interface {
	// PublicKey returns the key in OpenSSH 'authorized_keys' format, without a
	// trailing newline.
	PublicKey() (string, error)
}

var (
	_ KeySource = ED25519KeyPair{}
	_ KeySource = (*FileKeyPair)(nil)
)

// NewED25519KeyPair generates a fresh in-memory keypair.
func NewED25519KeyPair() (ED25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ED25519KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	return ED25519KeyPair{
		Public:  ED25519PublicKey{key: pub},
		Private: ED25519PrivateKey{key: priv},
	}, nil
}

type ED25519KeyPair struct {
	Public  ED25519PublicKey
	Private ED25519PrivateKey
}

// PublicKey implements KeySource.
func (pair ED25519KeyPair) PublicKey() (string, error) {
	marshaled, err := pair.Public.MarshalOpenSSH()
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(marshaled)), nil
}

// Signer returns the private half as an 'ssh.Signer'.
func (pair ED25519KeyPair) Signer() (ssh.Signer, error) {
	return pair.Private.ToSSH()
}

// WriteFiles saves the pair the way ssh-keygen does: the private key at
// 'path' and the public key at 'path'.pub. Missing directories are created.
func (pair ED25519KeyPair) WriteFiles(path, comment string) error {
	priv, err := pair.Private.MarshalOpenSSH(comment)
	if err != nil {
		return err
	}
	pub, err := pair.Public.MarshalOpenSSH()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return err
	}
	return os.WriteFile(path+".pub", pub, 0o644)
}

type ED25519PublicKey struct {
	key ed25519.PublicKey
}

func (pubKey ED25519PublicKey) ToSSH() (ssh.PublicKey, error) {
	pub, err := ssh.NewPublicKey(pubKey.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPubKeyConv, err)
	}
	return pub, nil
}

// MarshalOpenSSH produces an 'authorized_keys' line, newline included.
func (pubKey ED25519PublicKey) MarshalOpenSSH() ([]byte, error) {
	publicKey, err := pubKey.ToSSH()
	if err != nil {
		return nil, err
	}
	marshaled := ssh.MarshalAuthorizedKey(publicKey)
	if marshaled == nil {
		return nil, ErrPubKeyMarshal
	}
	return marshaled, nil
}

type ED25519PrivateKey struct {
	key ed25519.PrivateKey
}

// MarshalOpenSSH PEM-encodes the key with an 'OPENSSH PRIVATE KEY' block.
func (privKey ED25519PrivateKey) MarshalOpenSSH(comment string) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(privKey.key, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivKeyMarshal, err)
	}
	encoded := pem.EncodeToMemory(block)
	if encoded == nil {
		return nil, ErrPEMEncode
	}
	return encoded, nil
}

func (privKey ED25519PrivateKey) ToSSH() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(privKey.key)
}

// FileKeyPair is key material that already lives on disk, typically
// '~/.ssh/id_ed25519' and its '.pub' sibling.
type FileKeyPair struct {
	// PrivatePath is the PEM-encoded OpenSSH private key.
	PrivatePath string
	// PublicPath defaults to PrivatePath + ".pub".
	PublicPath string
	// Passphrase is optional.
	Passphrase []byte
}

func (k *FileKeyPair) publicPath() string {
	if k.PublicPath != "" {
		return k.PublicPath
	}
	return k.PrivatePath + ".pub"
}

// PublicKey implements KeySource. The file is read on every call so rotated
// keys are picked up without rebuilding the provisioner.
func (k *FileKeyPair) PublicKey() (string, error) {
	path := k.publicPath()
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrKeyRead, path, err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPubKeyConv, path, err)
	}
	return string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub))), nil
}

// Signer reads and parses the private key.
func (k *FileKeyPair) Signer() (ssh.Signer, error) {
	// #nosec G304
	data, err := os.ReadFile(k.PrivatePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKeyRead, k.PrivatePath, err)
	}
	signer, err := ParseKey(data, k.Passphrase)
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s is empty", ErrSSHFailedKeyParse, k.PrivatePath)
	}
	return signer, nil
}

var ErrSSHFailedKeyParse = fmt.Errorf("failed to parse SSH private key")

// ParseKey parses a PEM-encoded OpenSSH private key.
//
// With a non-empty 'phrase' the key is first parsed as encrypted; a wrong
// passphrase falls back to a plaintext parse since the key may not be
// encrypted at all. An empty 'key' yields a nil signer and no error.
func ParseKey(key, phrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(phrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, phrase)
		if err == nil {
			return signer, nil
		}
		if !errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
		}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	return signer, nil
}

// FingerprintMD5 returns the colon-separated MD5 fingerprint of an
// 'authorized_keys' line, the form some providers index keys by.
func FingerprintMD5(authorizedKey string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPubKeyConv, err)
	}
	return ssh.FingerprintLegacyMD5(pub), nil
}
