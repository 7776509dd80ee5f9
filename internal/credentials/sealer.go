package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"ledgerlink.org/internal/provider"
)

// Sealer encrypts secret material at rest. aad binds a ciphertext to the
// credential it belongs to so blobs cannot be swapped between rows.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(ciphertext, aad []byte) ([]byte, error)
}

var ErrSealKey = errors.New("seal key must be 32 bytes")

// XChaCha seals with XChaCha20-Poly1305; the random 24-byte nonce is
// prepended to the ciphertext.
type XChaCha struct {
	key  []byte
	rand io.Reader
}

func NewXChaCha(key []byte) (*XChaCha, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrSealKey
	}
	return &XChaCha{key: append([]byte(nil), key...), rand: rand.Reader}, nil
}

// DeriveKey expands a master secret of any length into a sealing key.
func DeriveKey(master []byte, info string) ([]byte, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("master secret too short")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func (x *XChaCha) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(x.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(x.rand, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (x *XChaCha) Open(ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(x.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCorrupt
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, ErrCorrupt
	}
	return out, nil
}

// Sealed is the at-rest form of a credential: metadata in clear, tokens sealed.
type Sealed struct {
	Meta    provider.Credential // AccessToken and RefreshToken are empty
	Access  []byte
	Refresh []byte
}

func aad(companyID string, p provider.ID, field string) []byte {
	return []byte(companyID + "|" + string(p) + "|" + field)
}

// Seal encrypts both tokens of c. Each call uses fresh nonces.
func Seal(s Sealer, c provider.Credential) (Sealed, error) {
	out := Sealed{Meta: c.Clone()}
	out.Meta.AccessToken, out.Meta.RefreshToken = "", ""
	var err error
	if !c.AccessToken.IsEmpty() {
		if out.Access, err = s.Seal([]byte(c.AccessToken.Reveal()), aad(c.CompanyID, c.Provider, "access")); err != nil {
			return Sealed{}, fmt.Errorf("seal access token: %w", err)
		}
	}
	if !c.RefreshToken.IsEmpty() {
		if out.Refresh, err = s.Seal([]byte(c.RefreshToken.Reveal()), aad(c.CompanyID, c.Provider, "refresh")); err != nil {
			return Sealed{}, fmt.Errorf("seal refresh token: %w", err)
		}
	}
	return out, nil
}

// Open reverses Seal.
func Open(s Sealer, in Sealed) (provider.Credential, error) {
	c := in.Meta.Clone()
	if len(in.Access) > 0 {
		b, err := s.Open(in.Access, aad(c.CompanyID, c.Provider, "access"))
		if err != nil {
			return provider.Credential{}, fmt.Errorf("open access token: %w", err)
		}
		c.AccessToken = provider.Secret(b)
	}
	if len(in.Refresh) > 0 {
		b, err := s.Open(in.Refresh, aad(c.CompanyID, c.Provider, "refresh"))
		if err != nil {
			return provider.Credential{}, fmt.Errorf("open refresh token: %w", err)
		}
		c.RefreshToken = provider.Secret(b)
	}
	return c, nil
}
