package room

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrBadSecret is returned when a join secret does not match the document.
var ErrBadSecret = errors.New("room: invalid join secret")

// JoinSecret derives the per-document join secret from the server room key.
// Clients receive it out of band (from the contract API) and present it when
// attaching to the live session.
func JoinSecret(roomKey []byte, docID string) (string, error) {
	r := hkdf.New(sha256.New, roomKey, nil, []byte("room-join:"+docID))
	secret := make([]byte, 16)
	if _, err := io.ReadFull(r, secret); err != nil {
		return "", fmt.Errorf("derive join secret: %w", err)
	}
	return hex.EncodeToString(secret), nil
}

// VerifySecret checks a presented secret in constant time.
func VerifySecret(roomKey []byte, docID, presented string) error {
	want, err := JoinSecret(roomKey, docID)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(presented)) {
		return ErrBadSecret
	}
	return nil
}
