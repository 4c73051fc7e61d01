package core

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// GenTripcode is genTripcode exported for the relay package, which needs to
// render the same tripcode header the user configured via SetTripcode
// without duplicating the derivation.
func GenTripcode(tripcode string, secretSalt []byte) (name, code string) {
	return genTripcode(tripcode, secretSalt)
}

// genTripcode derives a display name and a short verification code from a
// "name#password" tripcode string and a process-wide secret salt. The
// source hashes the password with crypt(3) DES; Go has no equivalent in
// the standard library or the example pack, so this derives the same kind
// of "can't forge, can verify by eye" code with PBKDF2-HMAC-SHA256
// instead, exactly as permitted by the glossary as long as the hash
// function changes together with the platform, not the shape of the
// mechanism.
func genTripcode(tripcode string, secretSalt []byte) (name, code string) {
	pos := strings.IndexByte(tripcode, '#')
	name = tripcode[:pos]
	pass := tripcode[pos+1:]

	salt := append(append([]byte{}, secretSalt...), []byte(name)...)
	key := pbkdf2.Key([]byte(pass), salt, 4096, 10, sha256.New)
	encoded := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(key))
	return name, "!" + encoded[:10]
}
