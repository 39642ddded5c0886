// Package idgen generates the opaque identifiers used throughout the
// server: user uids, room/game names, session secrets, and join codes.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// joinCodeAlphabet excludes visually ambiguous characters (I, O, 0, 1).
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Secret returns a fresh 20-byte hex-encoded session secret.
func Secret() (string, error) {
	return randomHex(20)
}

// UID returns an n-byte hex-encoded random identifier, used for lobby
// uids, per-connection session ids and the game-session name suffix.
func UID(n int) (string, error) {
	return randomHex(n)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// LegacyUserUID derives a deterministic uid for the legacy
// LOGIN/REGISTER handshake: sha256(name|registrationTS|wsid)[:20].
// registrationTS is a decimal string matching the original's
// str(time.time()) formatting closely enough to preserve uniqueness;
// exact fractional representation does not matter since it is only
// ever hashed, never parsed back.
func LegacyUserUID(name, registrationTS, wsid string) string {
	joined := strings.Join([]string{name, registrationTS, wsid}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:20]
}

// JoinCode returns a 6-character code drawn from the unambiguous
// join-code alphabet, via rejection sampling over random bytes.
func JoinCode() (string, error) {
	var b strings.Builder
	buf := make([]byte, 32)
	for b.Len() < 6 {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generating join code: %w", err)
		}
		for _, c := range buf {
			if strings.IndexByte(joinCodeAlphabet, c) >= 0 {
				b.WriteByte(c)
				if b.Len() == 6 {
					break
				}
			}
		}
	}
	return b.String(), nil
}

// RoomSuffix returns the "##xxxx" disambiguating suffix appended to
// user-submitted room names.
func RoomSuffix() (string, error) {
	h, err := randomHex(2)
	if err != nil {
		return "", err
	}
	return "##" + h, nil
}
