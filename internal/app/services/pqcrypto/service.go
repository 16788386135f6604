// Package pqcrypto exposes Kyber768 key encapsulation, Dilithium3
// signatures, hybrid sealing and hash commitments.
package pqcrypto

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	domain "github.com/quantumshield/backend/internal/app/domain/pqkey"
	"github.com/quantumshield/backend/internal/app/keyvault"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

const (
	AlgorithmKEM       = "kyber768"
	AlgorithmSignature = "dilithium3"
	sealInfo           = "quantumshield-seal-v1"
)

var (
	ErrInvalidKey      = errors.New("invalid key")
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrOpen            = errors.New("envelope could not be opened")
)

// KeyPair carries base64 encoded key material.
type KeyPair struct {
	Algorithm  string `json:"algorithm"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// Encapsulation is a KEM ciphertext and the shared secret it carries.
type Encapsulation struct {
	Ciphertext   string `json:"ciphertext"`
	SharedSecret string `json:"shared_secret"`
}

// Envelope is a sealed message.
type Envelope struct {
	KEMCiphertext string `json:"kem_ct"`
	Nonce         string `json:"nonce"`
	Ciphertext    string `json:"ciphertext"`
}

// Commitment binds a value without revealing it.
type Commitment struct {
	Commitment string `json:"commitment"`
	Nonce      string `json:"nonce"`
}

// Service implements the post-quantum primitives and key records.
type Service struct {
	store  storage.KeyStore
	sealer *keyvault.Sealer
	kem    kem.Scheme
	log    *logger.Logger
	now    func() time.Time
}

// New constructs the service.
func New(store storage.KeyStore, sealer *keyvault.Sealer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("pqcrypto")
	}
	if sealer == nil {
		sealer = keyvault.NewEphemeral()
	}
	return &Service{store: store, sealer: sealer, kem: kyber768.Scheme(), log: log, now: time.Now}
}

// GenerateKEMKeyPair returns a fresh Kyber768 key pair.
func (s *Service) GenerateKEMKeyPair() (KeyPair, error) {
	pub, priv, err := s.kem.GenerateKeyPair()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate kem key: %w", err)
	}
	pubRaw, err := pub.MarshalBinary()
	if err != nil {
		return KeyPair{}, err
	}
	privRaw, err := priv.MarshalBinary()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Algorithm: AlgorithmKEM, PublicKey: encode(pubRaw), PrivateKey: encode(privRaw)}, nil
}

// Encapsulate derives a shared secret for the holder of pub.
func (s *Service) Encapsulate(pub string) (Encapsulation, error) {
	pk, err := s.kemPublic(pub)
	if err != nil {
		return Encapsulation{}, err
	}
	ct, ss, err := s.kem.Encapsulate(pk)
	if err != nil {
		return Encapsulation{}, fmt.Errorf("encapsulate: %w", err)
	}
	return Encapsulation{Ciphertext: encode(ct), SharedSecret: encode(ss)}, nil
}

// Decapsulate recovers the shared secret from a KEM ciphertext.
func (s *Service) Decapsulate(priv, ciphertext string) (string, error) {
	sk, err := s.kemPrivate(priv)
	if err != nil {
		return "", err
	}
	ct, err := decode(ciphertext)
	if err != nil || len(ct) != s.kem.CiphertextSize() {
		return "", fmt.Errorf("%w: bad ciphertext", ErrInvalidEnvelope)
	}
	ss, err := s.kem.Decapsulate(sk, ct)
	if err != nil {
		return "", fmt.Errorf("decapsulate: %w", err)
	}
	return encode(ss), nil
}

// GenerateSigningKeyPair returns a fresh Dilithium3 key pair.
func (s *Service) GenerateSigningKeyPair() (KeyPair, error) {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate signing key: %w", err)
	}
	return KeyPair{Algorithm: AlgorithmSignature, PublicKey: encode(pub.Bytes()), PrivateKey: encode(priv.Bytes())}, nil
}

// Sign signs msg with a Dilithium3 private key.
func (s *Service) Sign(priv string, msg []byte) (string, error) {
	raw, err := decode(priv)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var sk mode3.PrivateKey
	if err := sk.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(&sk, msg, sig)
	return encode(sig), nil
}

// Verify reports whether sig is a valid signature of msg under pub. A
// malformed key is an error; a malformed signature simply fails.
func (s *Service) Verify(pub string, msg []byte, sig string) (bool, error) {
	raw, err := decode(pub)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(raw); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	rawSig, err := decode(sig)
	if err != nil || len(rawSig) != mode3.SignatureSize {
		return false, nil
	}
	return mode3.Verify(&pk, msg, rawSig), nil
}

// Seal encrypts plaintext to the holder of a Kyber768 public key.
func (s *Service) Seal(pub string, plaintext []byte) (Envelope, error) {
	pk, err := s.kemPublic(pub)
	if err != nil {
		return Envelope{}, err
	}
	ct, ss, err := s.kem.Encapsulate(pk)
	if err != nil {
		return Envelope{}, fmt.Errorf("encapsulate: %w", err)
	}
	aead, err := envelopeCipher(ss, ct)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, ct)
	return Envelope{KEMCiphertext: encode(ct), Nonce: encode(nonce), Ciphertext: encode(sealed)}, nil
}

// Open decrypts an envelope with a Kyber768 private key.
func (s *Service) Open(priv string, env Envelope) ([]byte, error) {
	sk, err := s.kemPrivate(priv)
	if err != nil {
		return nil, err
	}
	ct, err := decode(env.KEMCiphertext)
	if err != nil || len(ct) != s.kem.CiphertextSize() {
		return nil, fmt.Errorf("%w: bad kem ciphertext", ErrInvalidEnvelope)
	}
	nonce, err := decode(env.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad nonce", ErrInvalidEnvelope)
	}
	body, err := decode(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrInvalidEnvelope)
	}
	ss, err := s.kem.Decapsulate(sk, ct)
	if err != nil {
		return nil, fmt.Errorf("decapsulate: %w", err)
	}
	aead, err := envelopeCipher(ss, ct)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, body, ct)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// StoreKeyPair generates a key pair for owner and persists it with the
// private half sealed under the master key.
func (s *Service) StoreKeyPair(ctx context.Context, owner, kind string) (domain.PublicKeyRecord, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.PublicKeyRecord{}, fmt.Errorf("owner is required")
	}
	var pair KeyPair
	var err error
	switch kind {
	case domain.KindKEM:
		pair, err = s.GenerateKEMKeyPair()
	case domain.KindSignature:
		pair, err = s.GenerateSigningKeyPair()
	default:
		return domain.PublicKeyRecord{}, fmt.Errorf("kind must be kem or signature")
	}
	if err != nil {
		return domain.PublicKeyRecord{}, err
	}
	sealed, err := s.sealer.Seal(sealPurpose(kind), []byte(pair.PrivateKey))
	if err != nil {
		return domain.PublicKeyRecord{}, err
	}
	now := s.now().UTC()
	rec, err := s.store.SaveKey(ctx, domain.KeyRecord{
		ID:        uuid.NewString(),
		Owner:     owner,
		Kind:      kind,
		Algorithm: pair.Algorithm,
		PublicKey: pair.PublicKey,
		SealedKey: sealed,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.PublicKeyRecord{}, err
	}
	s.log.WithField("key_id", rec.ID).WithField("kind", kind).Info("key pair stored")
	return rec.Public(), nil
}

// GetKey returns the public view of a stored key.
func (s *Service) GetKey(ctx context.Context, id string) (domain.PublicKeyRecord, error) {
	rec, err := s.store.GetKey(ctx, id)
	if err != nil {
		return domain.PublicKeyRecord{}, err
	}
	return rec.Public(), nil
}

// ListKeys returns the public view of owner's stored keys.
func (s *Service) ListKeys(ctx context.Context, owner string) ([]domain.PublicKeyRecord, error) {
	recs, err := s.store.ListKeys(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PublicKeyRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Public())
	}
	return out, nil
}

// SignWith signs msg with a stored signature key.
func (s *Service) SignWith(ctx context.Context, keyID string, msg []byte) (string, error) {
	priv, err := s.unsealed(ctx, keyID, domain.KindSignature)
	if err != nil {
		return "", err
	}
	return s.Sign(priv, msg)
}

// OpenWith opens an envelope with a stored KEM key.
func (s *Service) OpenWith(ctx context.Context, keyID string, env Envelope) ([]byte, error) {
	priv, err := s.unsealed(ctx, keyID, domain.KindKEM)
	if err != nil {
		return nil, err
	}
	return s.Open(priv, env)
}

func (s *Service) unsealed(ctx context.Context, keyID, kind string) (string, error) {
	rec, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return "", err
	}
	if rec.Kind != kind {
		return "", fmt.Errorf("%w: key %s is a %s key", ErrInvalidKey, keyID, rec.Kind)
	}
	raw, err := s.sealer.Open(sealPurpose(kind), rec.SealedKey)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Commit returns SHA-256(nonce || value) with a fresh 32-byte nonce.
func (s *Service) Commit(value []byte) (Commitment, error) {
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Commitment{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Commitment{Commitment: commitment(nonce, value), Nonce: hex.EncodeToString(nonce)}, nil
}

// VerifyCommitment checks that c commits to value.
func (s *Service) VerifyCommitment(value []byte, c Commitment) bool {
	nonce, err := hex.DecodeString(c.Nonce)
	if err != nil {
		return false
	}
	want := commitment(nonce, value)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(c.Commitment))) == 1
}

func commitment(nonce, value []byte) string {
	h := sha256.New()
	h.Write(nonce)
	h.Write(value)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) kemPublic(pub string) (kem.PublicKey, error) {
	raw, err := decode(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pk, err := s.kem.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pk, nil
}

func (s *Service) kemPrivate(priv string) (kem.PrivateKey, error) {
	raw, err := decode(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sk, err := s.kem.UnmarshalBinaryPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return sk, nil
}

// envelopeCipher derives the XChaCha20-Poly1305 key from the KEM shared
// secret, salted with the KEM ciphertext.
func envelopeCipher(sharedSecret, kemCiphertext []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, kemCiphertext, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func sealPurpose(kind string) string {
	return "pq-" + kind
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
