package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// Operator is the account that pays for and signs every submission.
type Operator struct {
	Account AccountID
	Key     ed25519.PrivateKey
}

// ParseOperator builds an Operator from an account id and a hex encoded
// ed25519 key. Both the 32 byte seed and 64 byte private key forms are
// accepted, with or without a 0x prefix.
func ParseOperator(account, key string) (*Operator, error) {
	if _, _, _, err := ParseEntityID(account); err != nil {
		return nil, fmt.Errorf("invalid operator account: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(key), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid operator key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("invalid operator key length: %d bytes", len(raw))
	}

	return &Operator{Account: AccountID(account), Key: priv}, nil
}

func (o *Operator) PublicKey() ed25519.PublicKey {
	return o.Key.Public().(ed25519.PublicKey)
}

func (o *Operator) Sign(message []byte) []byte {
	return ed25519.Sign(o.Key, message)
}
