package text

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ArticleKey is a short stable key derived from an article's identity URL.
func ArticleKey(articleURL string) string {
	sum := sha256.Sum256([]byte(articleURL))
	return hex.EncodeToString(sum[:8])
}

// ChunkID derives a chunk identifier from the article identity and the
// chunk's position. It depends on nothing else, so re-chunking unchanged text
// reproduces the same ids.
func ChunkID(articleURL string, index int) string {
	return fmt.Sprintf("%s:%04d", ArticleKey(articleURL), index)
}

// ContentHash is the hex sha256 of s.
func ContentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
