package ledger

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	ErrInvalidPublicKey = errors.New("invalid device public key")
	ErrInvalidSignature = errors.New("invalid device signature")
)

// VerifySignature checks a device's ed25519 signature over the ASCII
// hash_chain of an entry.  Key and signature are standard base64.
func VerifySignature(publicKeyB64, hashChain, signatureB64 string) error {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	if err != nil || len(key) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(key), []byte(hashChain), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign produces the signature a device would attach to an entry.  Used by
// gateway simulators and tests.
func Sign(priv ed25519.PrivateKey, hashChain string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(hashChain)))
}
