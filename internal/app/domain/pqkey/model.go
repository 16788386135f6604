package pqkey

import "time"

// Key kinds.
const (
	KindKEM       = "kem"
	KindSignature = "signature"
)

// KeyRecord is a stored post-quantum key pair. The private key is sealed
// under the master key.
type KeyRecord struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Kind      string    `json:"kind"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"public_key"`
	SealedKey string    `json:"sealed_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PublicKeyRecord is the API view of a KeyRecord.
type PublicKeyRecord struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Kind      string    `json:"kind"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Public strips the sealed private key.
func (k KeyRecord) Public() PublicKeyRecord {
	return PublicKeyRecord{ID: k.ID, Owner: k.Owner, Kind: k.Kind, Algorithm: k.Algorithm, PublicKey: k.PublicKey, CreatedAt: k.CreatedAt}
}
