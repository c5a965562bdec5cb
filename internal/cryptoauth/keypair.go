// Package cryptoauth owns the server's long-lived RSA key pair and the
// password-bearing decrypt step of the Setup handshake.
package cryptoauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const keyBits = 2048

// KeyPair holds the server's RSA key pair, generated once and
// persisted to disk so restarts don't invalidate client-cached public
// keys (spec §4.4).
type KeyPair struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey

	publicDER []byte
}

// LoadOrGenerate reads privatePath/publicPath if they exist; otherwise
// it generates a fresh 2048-bit key pair and persists it, the private
// half with mode 0600.
func LoadOrGenerate(privatePath, publicPath string) (*KeyPair, error) {
	if _, err := os.Stat(privatePath); err == nil {
		return load(privatePath, publicPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("statting %s: %w", privatePath, err)
	}
	return generate(privatePath, publicPath)
}

func generate(privatePath, publicPath string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(privatePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	privDER := x509.MarshalPKCS1PrivateKey(priv)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privatePath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(publicPath, pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	return &KeyPair{private: priv, public: &priv.PublicKey, publicDER: pubDER}, nil
}

func load(privatePath, publicPath string) (*KeyPair, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("decoding private key pem")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}

	if _, err := os.Stat(publicPath); os.IsNotExist(err) {
		pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
		if err := os.WriteFile(publicPath, pubPEM, 0o644); err != nil {
			return nil, fmt.Errorf("re-writing missing public key: %w", err)
		}
	}

	return &KeyPair{private: priv, public: &priv.PublicKey, publicDER: pubDER}, nil
}

// PublicKey returns the server's RSA public key.
func (k *KeyPair) PublicKey() *rsa.PublicKey {
	return k.public
}

// PublicKeyDER returns the DER-encoded SubjectPublicKeyInfo, suitable
// for shipping to a freshly connected client as the early packet.
func (k *KeyPair) PublicKeyDER() []byte {
	out := make([]byte, len(k.publicDER))
	copy(out, k.publicDER)
	return out
}

// Fingerprint returns a short SHA-512/256 digest of the public key,
// useful for logging which key pair a session negotiated against
// without leaking key material.
func (k *KeyPair) Fingerprint() string {
	sum := sha512.Sum512_256(k.publicDER)
	return fmt.Sprintf("%x", sum[:8])
}

// Decrypt performs PKCS#1 v1.5 decryption of ciphertext with the
// private key (spec §4.4 step 2).
func (k *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, k.private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return plain, nil
}

// SplitSetupSecret implements the Setup handshake's cleartext layout:
// the first 32 bytes of the RSA-decrypted blob are a reserved session
// AES key, the remainder is the password attempt. Cleartext shorter
// than 32 bytes is rejected (spec §4.4 step 2).
func SplitSetupSecret(plain []byte) (sessionKey, password []byte, err error) {
	const sessionKeyLen = 32
	if len(plain) < sessionKeyLen {
		return nil, nil, fmt.Errorf("unknown password error")
	}
	sessionKey = make([]byte, sessionKeyLen)
	copy(sessionKey, plain[:sessionKeyLen])
	password = make([]byte, len(plain)-sessionKeyLen)
	copy(password, plain[sessionKeyLen:])
	return sessionKey, password, nil
}
