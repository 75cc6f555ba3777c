// Package roomcode generates the short, human-shareable room codes used for
// joining a room (as opposed to the room's internal UUID).
package roomcode

import (
	"crypto/rand"
	"math/big"

	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
)

// alphabet excludes visually similar glyphs (I, O) so codes read back
// unambiguously when shared aloud or typed from memory.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 6

const maxAttempts = 10

// Exists is satisfied by any lookup that tells the generator whether a code
// is already in use by an active room.
type Exists func(code string) (bool, error)

// Generate produces a unique 6-character room code, retrying on collision up
// to maxAttempts times before failing with room_code_exhausted.
func Generate(exists Exists) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := random()
		if err != nil {
			return "", roomerr.Internalf("room code generation failed: %v", err)
		}

		taken, err := exists(code)
		if err != nil {
			return "", roomerr.Internalf("room code lookup failed: %v", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", roomerr.New(roomerr.RoomCodeExhausted, "exhausted retries generating a unique room code", nil)
}

func random() (string, error) {
	b := make([]byte, codeLength)
	alphabetLen := big.NewInt(int64(len(alphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}
