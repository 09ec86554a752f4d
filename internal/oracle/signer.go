package oracle

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const signatureLength = 65

// Signer produces signed price updates for one source identity.
type Signer struct {
	privKey *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(hexKey string) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &Signer{privKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignUpdate signs the keccak256 digest of the canonical update encoding.
func (s *Signer) SignUpdate(update Update) ([]byte, error) {
	payload, err := EncodeUpdate(update)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(crypto.Keccak256(payload), s.privKey)
}

// RecoverSource returns the address that signed update. The ledger checks
// this address against its authorized-sources whitelist; malformed
// signatures never reach the ledger.
func RecoverSource(update Update, sig []byte) (common.Address, error) {
	if len(sig) != signatureLength {
		return common.Address{}, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	payload, err := EncodeUpdate(update)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
