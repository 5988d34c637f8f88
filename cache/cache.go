// Package cache stores serialized compilations, keyed by a caller-provided
// token, so a model compiled once can skip conversion next time.
//
// Stores are layered: DirStore keeps entries in a local directory, GCSStore
// in a Google Cloud Storage bucket, and TieredStore puts a local store in
// front of a remote one.
package cache

import (
	"context"
	"crypto/sha256"
	"strconv"
	"strings"
)

// TokenSize is the size of a cache token in bytes.
const TokenSize = 32

// Token identifies a compilation in a cache. Callers are responsible for
// making it unique to the model, its constants and the compilation options.
type Token [TokenSize]byte

// TokenOf returns a token derived from the SHA-256 of the given parts.
func TokenOf(parts ...[]byte) Token {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var t Token
	h.Sum(t[:0])
	return t
}

// Filename returns the name of the cache entry for the token: its bytes in
// decimal joined by underscores.
func (t Token) Filename() string {
	var sb strings.Builder
	for i, b := range t {
		if i > 0 {
			sb.WriteByte('_')
		}
		sb.WriteString(strconv.Itoa(int(b)))
	}
	return sb.String()
}

// IsZero returns whether t is the zero token.
func (t Token) IsZero() bool {
	return t == Token{}
}

// Store loads and saves serialized compilations.
type Store interface {
	// Load returns the entry for token. If there is none, Load returns an
	// error for which errors.Is(err, os.ErrNotExist) is true.
	Load(ctx context.Context, token Token) ([]byte, error)

	// Save stores data under token, replacing any previous entry.
	Save(ctx context.Context, token Token, data []byte) error
}
