package blockchain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"github.com/quantumshield/backend/internal/app/domain/chain"
)

// AddressFromPublicKey derives the 40 hex character address of a Dilithium
// public key.
func AddressFromPublicKey(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:40]
}

type keyPair struct {
	pub  *mode3.PublicKey
	priv *mode3.PrivateKey
}

func generateKeyPair() (keyPair, error) {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return keyPair{}, fmt.Errorf("generate dilithium key: %w", err)
	}
	return keyPair{pub: pub, priv: priv}, nil
}

func (k keyPair) address() string {
	return AddressFromPublicKey(k.pub.Bytes())
}

func (k keyPair) sign(msg []byte) string {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(k.priv, msg, sig)
	return hex.EncodeToString(sig)
}

func parsePrivateKey(raw []byte) (keyPair, error) {
	var priv mode3.PrivateKey
	if err := priv.UnmarshalBinary(raw); err != nil {
		return keyPair{}, fmt.Errorf("decode private key: %w", err)
	}
	pub, ok := priv.Public().(*mode3.PublicKey)
	if !ok {
		return keyPair{}, fmt.Errorf("unexpected public key type")
	}
	return keyPair{pub: pub, priv: &priv}, nil
}

func parsePublicKey(hexKey string) (*mode3.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	var pub mode3.PublicKey
	if err := pub.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return &pub, nil
}

// verifySignature checks a hex signature over msg against a hex public key.
func verifySignature(hexKey string, msg []byte, hexSig string) bool {
	pub, err := parsePublicKey(hexKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil || len(sig) != mode3.SignatureSize {
		return false
	}
	return mode3.Verify(pub, msg, sig)
}

// TxHash is the SHA-256 over a transaction's canonical fields.
func TxHash(tx chain.Transaction) string {
	body, _ := json.Marshal(struct {
		Kind     string `json:"kind"`
		From     string `json:"from"`
		To       string `json:"to"`
		Amount   uint64 `json:"amount"`
		Nonce    uint64 `json:"nonce"`
		Data     string `json:"data"`
		GasLimit uint64 `json:"gas_limit"`
		GasPrice uint64 `json:"gas_price"`
	}{tx.Kind, tx.From, tx.To, tx.Amount, tx.Nonce, tx.Data, tx.GasLimit, tx.GasPrice})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// BlockHash is the SHA-256 over a block header. Signature is excluded.
func BlockHash(b chain.Block) string {
	body, _ := json.Marshal(struct {
		Height     uint64 `json:"height"`
		PrevHash   string `json:"prev_hash"`
		MerkleRoot string `json:"merkle_root"`
		Proposer   string `json:"proposer"`
		Timestamp  int64  `json:"timestamp"`
		GasUsed    uint64 `json:"gas_used"`
		Fees       uint64 `json:"fees"`
		Reward     uint64 `json:"reward"`
		SignerKey  string `json:"signer_key"`
	}{b.Height, b.PrevHash, b.MerkleRoot, b.Proposer, b.Timestamp.UnixNano(), b.GasUsed, b.Fees, b.Reward, b.SignerKey})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// MerkleRoot folds transaction hashes pairwise with SHA-256, duplicating the
// last leaf of odd levels. An empty block hashes the empty string.
func MerkleRoot(txs []chain.Transaction) string {
	if len(txs) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}
	level := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		leaf, err := hex.DecodeString(tx.Hash)
		if err != nil {
			sum := sha256.Sum256([]byte(tx.Hash))
			leaf = sum[:]
		}
		level = append(level, leaf)
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := make([]byte, 0, len(level[i])+len(level[i+1]))
			pair = append(pair, level[i]...)
			pair = append(pair, level[i+1]...)
			sum := sha256.Sum256(pair)
			next = append(next, sum[:])
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}
