// Package credential issues the SSH key pair each participant logs in with.
package credential

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/firefly-engineering/nest-ctl/internal/errors"
)

const (
	// DefaultBits is the RSA modulus size.
	DefaultBits = 2048

	pemType = "RSA PRIVATE KEY"
)

// KeyPair is an issued credential. PrivatePEM is an unencrypted PKCS#1
// key; AuthorizedKey is the public half in authorized_keys format without
// a trailing newline.
type KeyPair struct {
	PrivatePEM    []byte
	AuthorizedKey string
	Fingerprint   string
}

// Issuer produces key pairs.
type Issuer interface {
	Issue() (*KeyPair, error)
}

// Generator issues fresh RSA key pairs.
type Generator struct {
	Bits int

	// Rand is the entropy source; crypto/rand when nil.
	Rand io.Reader
}

// NewGenerator returns a Generator for 2048-bit keys.
func NewGenerator() *Generator {
	return &Generator{Bits: DefaultBits}
}

// Issue generates a new key pair. Failures are CredentialErrors.
func (g *Generator) Issue() (*KeyPair, error) {
	bits := g.Bits
	if bits == 0 {
		bits = DefaultBits
	}
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}

	key, err := rsa.GenerateKey(r, bits)
	if err != nil {
		return nil, errors.CredentialError(fmt.Errorf("generating %d-bit RSA key: %w", bits, err))
	}
	return FromPrivateKey(key)
}

// FromPrivateKey encodes an existing RSA key.
func FromPrivateKey(key *rsa.PrivateKey) (*KeyPair, error) {
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, errors.CredentialError(fmt.Errorf("encoding public key: %w", err))
	}

	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  pemType,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return &KeyPair{
		PrivatePEM:    privatePEM,
		AuthorizedKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
		Fingerprint:   ssh.FingerprintSHA256(pub),
	}, nil
}
