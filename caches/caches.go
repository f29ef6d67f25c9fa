package caches

// Cache records which commit hashes were already delivered for each
// repository, so later runs don't resend them
type Cache interface {
	// Add records hashes for a repository, skipping any already recorded
	Add(repo string, hashes []string) error
	// Has reports whether hash was recorded for the repository
	Has(repo, hash string) (bool, error)
	// List every hash recorded for the repository
	List(repo string) ([]string, error)
	// Clear one repository, or every repository when repo is empty
	Clear(repo string) error
	// Stats for one repository, or every repository when repo is empty
	Stats(repo string) (*Stats, error)
}

type Stats struct {
	Repositories int            `json:"repositories"`
	Commits      int            `json:"commits"`
	RepoStats    map[string]int `json:"repoStats"`
}
