package caches

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/matthewmueller/virt"
	"gopkg.in/yaml.v3"
)

// index maps backing filenames to the labels they were derived from
const index = "repositories.yml"

// Directory returns the default cache directory
func Directory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("caches: finding home directory: %w", err)
	}
	return filepath.Join(home, ".bragdoc", "cache", "commits"), nil
}

// Load a file-backed cache rooted at dir. Nothing is read or created until
// the cache is first used.
func Load(log *slog.Logger, dir string) *Local {
	return &Local{
		log,
		dir,
		virt.OS(dir),
		map[string]*hashSet{},
		nil,
	}
}

// Local stores one newline-delimited file of hashes per repository and
// mirrors each file in memory after its first read. It assumes a single
// process owns the directory.
type Local struct {
	log   *slog.Logger
	dir   string
	fsys  virt.FS
	repos map[string]*hashSet // repo -> recorded hashes
	// filename -> repo, loaded on first use
	labels map[string]string
}

var _ Cache = (*Local)(nil)

type hashSet struct {
	hashes []string
	seen   map[string]bool
	// the file's last line is missing its newline
	unterminated bool
}

func newHashSet() *hashSet {
	return &hashSet{seen: map[string]bool{}}
}

func (s *hashSet) add(hash string) {
	s.seen[hash] = true
	s.hashes = append(s.hashes, hash)
}

func parseHashes(data []byte) *hashSet {
	set := newHashSet()
	for _, line := range strings.Split(string(data), "\n") {
		hash := strings.TrimSpace(line)
		if hash == "" || set.seen[hash] {
			continue
		}
		set.add(hash)
	}
	set.unterminated = len(data) > 0 && data[len(data)-1] != '\n'
	return set
}

// Init creates the cache directory if it doesn't exist yet
func (c *Local) Init() error {
	if err := c.fsys.MkdirAll(".", 0755); err != nil {
		return fmt.Errorf("caches: creating %q: %w", c.dir, err)
	}
	return nil
}

// load the repository's hashes, reading the backing file on first use. A
// missing file is an empty set.
func (c *Local) load(repo string) (*hashSet, error) {
	if set, ok := c.repos[repo]; ok {
		return set, nil
	}
	name := Name(repo)
	data, err := fs.ReadFile(c.fsys, name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("caches: reading %q: %w", name, err)
	}
	set := parseHashes(data)
	c.repos[repo] = set
	c.log.Debug("caches: loaded repository", slog.String("repo", repo), slog.Int("commits", len(set.hashes)))
	return set, nil
}

// Add appends the hashes that aren't recorded yet in a single write
func (c *Local) Add(repo string, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	set, err := c.load(repo)
	if err != nil {
		return err
	}

	// Diff against the recorded hashes and against duplicates in the input
	var fresh []string
	pending := map[string]bool{}
	for _, hash := range hashes {
		hash = strings.TrimSpace(hash)
		if hash == "" || strings.ContainsAny(hash, "\r\n") || set.seen[hash] || pending[hash] {
			continue
		}
		pending[hash] = true
		fresh = append(fresh, hash)
	}
	if len(fresh) == 0 {
		return nil
	}

	buf := new(bytes.Buffer)
	if set.unterminated {
		buf.WriteByte('\n')
	}
	for _, hash := range fresh {
		buf.WriteString(hash)
		buf.WriteByte('\n')
	}
	if err := c.Init(); err != nil {
		return err
	}
	if err := c.append(Name(repo), buf.Bytes()); err != nil {
		return err
	}
	if err := c.label(repo); err != nil {
		return err
	}

	// Only update the mirror once the write succeeded
	set.unterminated = false
	for _, hash := range fresh {
		set.add(hash)
	}
	c.log.Debug("caches: recorded commits", slog.String("repo", repo), slog.Int("added", len(fresh)), slog.Int("skipped", len(hashes)-len(fresh)))
	return nil
}

func (c *Local) append(name string, data []byte) (err error) {
	f, err := os.OpenFile(filepath.Join(c.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("caches: opening %q: %w", name, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("caches: closing %q: %w", name, cerr)
		}
	}()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("caches: appending to %q: %w", name, err)
	}
	return nil
}

// loadIndex reads the label index. A missing index is empty.
func (c *Local) loadIndex() error {
	if c.labels != nil {
		return nil
	}
	labels := map[string]string{}
	data, err := fs.ReadFile(c.fsys, index)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("caches: reading %q: %w", index, err)
	}
	if err := yaml.Unmarshal(data, &labels); err != nil {
		return fmt.Errorf("caches: parsing %q: %w", index, err)
	}
	c.labels = labels
	return nil
}

// label records the repository's name in the index so Stats can report it
func (c *Local) label(repo string) error {
	if err := c.loadIndex(); err != nil {
		return err
	}
	name := Name(repo)
	if c.labels[name] == repo {
		return nil
	}
	c.labels[name] = repo
	data, err := yaml.Marshal(c.labels)
	if err != nil {
		return fmt.Errorf("caches: encoding %q: %w", index, err)
	}
	if err := c.fsys.WriteFile(index, data, 0644); err != nil {
		return fmt.Errorf("caches: writing %q: %w", index, err)
	}
	return nil
}

func (c *Local) Has(repo, hash string) (bool, error) {
	set, err := c.load(repo)
	if err != nil {
		return false, err
	}
	return set.seen[hash], nil
}

func (c *Local) List(repo string) ([]string, error) {
	set, err := c.load(repo)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(set.hashes))
	copy(hashes, set.hashes)
	return hashes, nil
}

// Clear removes the repository's backing file, or every backing file when
// repo is empty
func (c *Local) Clear(repo string) error {
	if repo != "" {
		delete(c.repos, repo)
		return c.remove(Name(repo))
	}
	c.repos = map[string]*hashSet{}
	c.labels = nil
	names, err := c.names()
	if err != nil {
		return err
	}
	for _, name := range append(names, index) {
		if err := c.remove(name); err != nil {
			return err
		}
	}
	c.log.Debug("caches: cleared all repositories", slog.Int("files", len(names)))
	return nil
}

func (c *Local) remove(name string) error {
	if err := c.fsys.RemoveAll(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("caches: removing %q: %w", name, err)
	}
	return nil
}

// names of every backing file in the cache directory
func (c *Local) names() (names []string, err error) {
	des, err := fs.ReadDir(c.fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("caches: listing %q: %w", c.dir, err)
	}
	for _, de := range des {
		if de.IsDir() || filepath.Ext(de.Name()) != ext {
			continue
		}
		names = append(names, de.Name())
	}
	return names, nil
}

// Stats counts recorded commits for one repository, or for every backing file
// in the directory when repo is empty. Files missing from the label index are
// keyed by filename.
func (c *Local) Stats(repo string) (*Stats, error) {
	stats := &Stats{RepoStats: map[string]int{}}
	if repo != "" {
		set, err := c.load(repo)
		if err != nil {
			return nil, err
		}
		if len(set.hashes) > 0 {
			stats.Repositories = 1
			stats.Commits = len(set.hashes)
			stats.RepoStats[repo] = len(set.hashes)
		}
		return stats, nil
	}
	if err := c.loadIndex(); err != nil {
		return nil, err
	}
	names, err := c.names()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		data, err := fs.ReadFile(c.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("caches: reading %q: %w", name, err)
		}
		key, ok := c.labels[name]
		if !ok {
			key = strings.TrimSuffix(name, ext)
		}
		count := len(parseHashes(data).hashes)
		stats.Repositories++
		stats.Commits += count
		stats.RepoStats[key] = count
	}
	return stats, nil
}
