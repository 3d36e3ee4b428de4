package httpserver

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params defines parameters for Argon2id key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultArgon2Params are the parameters used when hashing new service keys.
var DefaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashServiceKey creates an Argon2id hash of a service key, suitable for
// the SERVICE_KEY_HASH environment variable.
// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std).
func HashServiceKey(key string, salt []byte, params Argon2Params) string {
	hash := argon2.IDKey([]byte(key), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
}

// VerifyServiceKey verifies a presented key against its Argon2id hash.
func VerifyServiceKey(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	if par > math.MaxUint8 {
		return false
	}
	got := argon2.IDKey([]byte(key), salt, iters, mem, uint8(par), uint32(len(expected)))
	return subtle.ConstantTimeCompare(got, expected) == 1
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// ServiceKeyGuard authenticates calling services via the X-Service-Key
// header against the configured Argon2id hash. An empty hash disables
// the guard; intended for local development only.
func (s *Server) ServiceKeyGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Cfg.ServiceKeyHash == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-Service-Key")
			if key == "" || !VerifyServiceKey(key, s.Cfg.ServiceKeyHash) {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code: "UNAUTHENTICATED", Message: "invalid or missing service key",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
