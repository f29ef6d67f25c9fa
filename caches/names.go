package caches

import (
	"strings"

	"github.com/matthewmueller/bragdoc/internal/sha256"
	"github.com/matthewmueller/text"
)

const ext = ".txt"

// Name returns the backing filename for a repository label. The slug keeps
// the name readable and the digest keeps labels that slug the same apart,
// e.g. "acme/app" and "acme_app".
func Name(repo string) string {
	digest := sha256.Short(repo, 16)
	slug := strings.Trim(text.Slug(repo), "-_")
	if slug == "" {
		return digest + ext
	}
	return slug + "-" + digest + ext
}
