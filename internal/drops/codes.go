package drops

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/dharsanguruparan/deaddrop/internal/apperr"
)

// Alphabet holds the characters short codes are drawn from: uppercase
// letters and digits without the easily confused 0/O, 1/I/L.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CodeGenerator returns a fresh candidate short code.
type CodeGenerator func() (string, error)

// RandomCodes returns a generator of length-character codes from Alphabet.
func RandomCodes(length int) CodeGenerator {
	size := big.NewInt(int64(len(Alphabet)))
	return func() (string, error) {
		var b strings.Builder
		b.Grow(length)
		for i := 0; i < length; i++ {
			n, err := rand.Int(rand.Reader, size)
			if err != nil {
				return "", fmt.Errorf("read random: %w", err)
			}
			b.WriteByte(Alphabet[n.Int64()])
		}
		return b.String(), nil
	}
}

// NormalizeCode turns user input into the uniqueness key of a short code.
func NormalizeCode(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NamespacePrefix is the object key prefix owning every object of a drop.
func NamespacePrefix(dropID string) string {
	return "drops/" + dropID + "/"
}

// ChunkKey is the object key of one chunk.
func ChunkKey(dropID, hash string) string {
	return NamespacePrefix(dropID) + "chunks/" + hash
}

// ManifestKey is the object key the manifest upload target points at.
func ManifestKey(dropID string) string {
	return NamespacePrefix(dropID) + "manifest.json"
}

// ManifestPrefix is the alternative manifest location of a drop, kept for
// clients that upload to manifests/{id}/.
func ManifestPrefix(dropID string) string {
	return "manifests/" + dropID + "/"
}

// OwnsKey reports whether key lies under one of the prefixes owned by the
// drop. Only such keys may be recorded as its manifest.
func OwnsKey(dropID, key string) bool {
	if strings.Contains(key, "..") || strings.Contains(key, "//") {
		return false
	}
	for _, prefix := range []string{NamespacePrefix(dropID), ManifestPrefix(dropID)} {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return true
		}
	}
	return false
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._=+-]{1,128}$`)

// validSegment reports whether s can be used as a single object key segment.
func validSegment(s string) bool {
	return segmentPattern.MatchString(s) && s != "." && s != ".." && !strings.Contains(s, "..")
}

func validateDropID(dropID string) error {
	if dropID == "" {
		return apperr.Validation("drop_id required")
	}
	if !validSegment(dropID) {
		return apperr.Validation("drop_id is malformed")
	}
	return nil
}
