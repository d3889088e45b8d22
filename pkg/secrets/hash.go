// Package secrets hashes user passwords before they reach storage. Cleartext
// passwords are write-only: they are hashed on ingest and never returned.
package secrets

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Hasher turns a cleartext password into a self-describing hash string.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) bool
}

// New returns the hasher for a configured scheme.
func New(scheme string) (Hasher, error) {
	switch scheme {
	case "bcrypt":
		return bcryptHasher{}, nil
	case "argon2id":
		return argon2Hasher{}, nil
	case "ssha":
		return sshaHasher{}, nil
	}
	return nil, fmt.Errorf("unsupported password scheme %q", scheme)
}

type bcryptHasher struct{}

func (bcryptHasher) Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (bcryptHasher) Verify(password, encoded string) bool {
	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password)) == nil
}

type argon2Hasher struct{}

// RFC 9106 second recommended option: memory-constrained environments.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

func (argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

func (argon2Hasher) Verify(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, t, m, p, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// sshaHasher emits LDAP-style {SSHA} digests for deployments syncing into
// directories that expect them.
type sshaHasher struct{}

func (sshaHasher) Hash(password string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := sha1.Sum(append([]byte(password), salt...))
	return "{SSHA}" + base64.StdEncoding.EncodeToString(append(sum[:], salt...)), nil
}

func (sshaHasher) Verify(password, encoded string) bool {
	raw, ok := strings.CutPrefix(encoded, "{SSHA}")
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) <= sha1.Size {
		return false
	}
	sum, salt := decoded[:sha1.Size], decoded[sha1.Size:]
	got := sha1.Sum(append([]byte(password), salt...))
	return subtle.ConstantTimeCompare(got[:], sum) == 1
}
