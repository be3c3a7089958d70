package cache

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// maxInlineVary is the longest fingerprint used verbatim in a queue key
const maxInlineVary = 32

// Digest returns the content address of data
// The digest is only used to address and deduplicate content, it carries no secret
func Digest(data []byte) string {
	h := xxh3.Hash128(data)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// QueueKey returns the de-duplication key of a job for the given full
// fingerprint and page key
func QueueKey(vary, pageKey string) string {
	if len(vary) > maxInlineVary {
		vary = Digest([]byte(vary))
	}
	return vary + " " + pageKey
}

// Tag returns the invalidation tag of a queued job
func Tag(t ArtifactType, queueKey string) string {
	return strings.ToUpper(string(t)) + "." + Digest([]byte(queueKey))
}
