package infrastructure

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/yourusername/browsecore/internal/domain"
	"go.uber.org/multierr"
	"golang.org/x/net/publicsuffix"
)

// MemoryStorageContext is an in-memory cookie jar, cache and storage
// namespace. Private contexts also own a scratch directory for spilled cache
// data, removed on Wipe.
type MemoryStorageContext struct {
	id         string
	partition  domain.Partition
	scratchDir string

	mu       sync.Mutex
	jar      *cookiejar.Jar
	cookies  int
	cache    map[string][]byte
	forms    map[string]string
	session  []string
	local    map[string]string
	wiped    bool
	removeFn func(string) error
}

// NewStorageContextFactory returns a factory creating memory contexts.
// Private contexts get a 0700 scratch directory under scratchRoot.
func NewStorageContextFactory(scratchRoot string) domain.StorageContextFactory {
	return func(id string, partition domain.Partition) (domain.StorageContext, error) {
		return NewMemoryStorageContext(id, partition, scratchRoot)
	}
}

// NewMemoryStorageContext creates an isolated storage context
func NewMemoryStorageContext(id string, partition domain.Partition, scratchRoot string) (*MemoryStorageContext, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	sc := &MemoryStorageContext{
		id:        id,
		partition: partition,
		jar:       jar,
		cache:     make(map[string][]byte),
		forms:     make(map[string]string),
		local:     make(map[string]string),
		removeFn:  os.RemoveAll,
	}

	if partition.IsPrivate() && scratchRoot != "" {
		dir := filepath.Join(scratchRoot, id)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create private scratch directory: %w", err)
		}
		sc.scratchDir = dir
	}

	return sc, nil
}

// ID returns the context identifier
func (s *MemoryStorageContext) ID() string {
	return s.id
}

// Partition returns the partition the context serves
func (s *MemoryStorageContext) Partition() domain.Partition {
	return s.partition
}

// ScratchDir returns the on-disk scratch directory, empty for Normal contexts
func (s *MemoryStorageContext) ScratchDir() string {
	return s.scratchDir
}

// Jar returns the context's cookie jar for use by an http.Client
func (s *MemoryStorageContext) Jar() http.CookieJar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jar
}

// Record keeps a write in memory for the lifetime of the context
func (s *MemoryStorageContext) Record(intent domain.WriteIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wiped {
		return fmt.Errorf("%w: storage context %s already wiped", domain.ErrInvalidHandle, s.id)
	}

	switch intent.Kind {
	case domain.WriteCookie:
		u, err := url.Parse(intent.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid cookie url %q", intent.URL)
		}
		cookie := &http.Cookie{Name: intent.Name, Value: intent.Value, Path: "/"}
		if intent.Expires != nil {
			cookie.Expires = *intent.Expires
		}
		s.jar.SetCookies(u, []*http.Cookie{cookie})
		s.cookies++
	case domain.WriteCache:
		s.cache[intent.URL] = []byte(intent.Value)
		if s.scratchDir != "" {
			name := filepath.Join(s.scratchDir, cacheFileName(intent.URL))
			if err := os.WriteFile(name, []byte(intent.Value), 0600); err != nil {
				return fmt.Errorf("failed to spill cache entry: %w", err)
			}
		}
	case domain.WriteFormData, domain.WritePassword:
		s.forms[intent.URL+"#"+intent.Name] = intent.Value
	case domain.WriteHistory:
		s.session = append(s.session, intent.URL)
	case domain.WriteBookmark:
		s.local[intent.URL] = intent.Title
	default:
		return fmt.Errorf("unknown write kind %q", intent.Kind)
	}
	return nil
}

// cacheFileName names the spill file of a cached URL. Rewriting a URL
// replaces its own file.
func cacheFileName(url string) string {
	h := fnv.New64a()
	h.Write([]byte(url))
	return fmt.Sprintf("cache-%016x", h.Sum64())
}

// Stats reports what the context holds
func (s *MemoryStorageContext) Stats() domain.StorageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.StorageStats{
		Cookies:        s.cookies,
		CacheEntries:   len(s.cache),
		FormValues:     len(s.forms),
		SessionHistory: len(s.session),
		LocalStorage:   len(s.local),
	}
}

// Wipe removes everything the context holds, including the scratch directory.
// In-memory state is always dropped; an error means on-disk data remains.
func (s *MemoryStorageContext) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	jar, jarErr := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	err = multierr.Append(err, jarErr)
	s.jar = jar
	s.cookies = 0
	s.cache = make(map[string][]byte)
	s.forms = make(map[string]string)
	s.session = nil
	s.local = make(map[string]string)
	s.wiped = true

	if s.scratchDir != "" {
		if rmErr := s.removeFn(s.scratchDir); rmErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to remove scratch directory %s: %w", s.scratchDir, rmErr))
		} else if _, statErr := os.Stat(s.scratchDir); statErr == nil {
			err = multierr.Append(err, fmt.Errorf("scratch directory %s still present", s.scratchDir))
		}
	}
	return err
}
