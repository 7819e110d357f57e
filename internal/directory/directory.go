// Package directory caches user identities fetched from the remote user
// directory. Lookups go memory, then the local store, then the source.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/meszmate/qmchat/internal/storage/sqlite"
)

// ErrNotFound is returned when no user has the requested id
var ErrNotFound = errors.New("user not found")

// User is a directory entry
type User struct {
	ID          int
	DisplayName string
	PhotoRef    string
}

// Source is the remote user directory
type Source interface {
	// GetUserByID returns nil and no error when the user does not exist.
	GetUserByID(ctx context.Context, id int) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
}

// Store persists directory entries between runs
type Store interface {
	GetUser(id int) (*sqlite.User, error)
	SaveUser(user sqlite.User) error
}

// searchLimit bounds searches answered from the local store
const searchLimit = 50

// localSearcher is implemented by stores that can search cached users.
type localSearcher interface {
	SearchUsers(query string, limit int) ([]sqlite.User, error)
}

// Cache is a read-through cache over a Source. Concurrent lookups of the
// same id share one fetch.
type Cache struct {
	mu     sync.RWMutex
	users  map[int]User
	source Source
	store  Store
	group  singleflight.Group
	logger zerolog.Logger
}

// NewCache creates a cache. store may be nil.
func NewCache(source Source, store Store, logger zerolog.Logger) *Cache {
	return &Cache{
		users:  make(map[int]User),
		source: source,
		store:  store,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

// Get returns the user with id, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, id int) (User, error) {
	c.mu.RLock()
	user, ok := c.users[id]
	c.mu.RUnlock()
	if ok {
		return user, nil
	}

	v, err, _ := c.group.Do(strconv.Itoa(id), func() (any, error) {
		return c.load(ctx, id)
	})
	if err != nil {
		return User{}, err
	}
	return v.(User), nil
}

func (c *Cache) load(ctx context.Context, id int) (User, error) {
	if c.store != nil {
		stored, err := c.store.GetUser(id)
		if err != nil {
			c.logger.Warn().Err(err).Int("id", id).Msg("failed to read cached user")
		} else if stored != nil {
			user := User{ID: stored.ID, DisplayName: stored.DisplayName, PhotoRef: stored.PhotoRef}
			c.remember(user)
			return user, nil
		}
	}

	if c.source == nil {
		return User{}, ErrNotFound
	}

	fetched, err := c.source.GetUserByID(ctx, id)
	if err != nil {
		return User{}, fmt.Errorf("failed to fetch user %d: %w", id, err)
	}
	if fetched == nil {
		return User{}, ErrNotFound
	}

	c.Put(*fetched)
	return *fetched, nil
}

// DisplayName resolves id to a display name. It reports false when the
// user is unknown or the lookup failed.
func (c *Cache) DisplayName(ctx context.Context, id int) (string, bool) {
	user, err := c.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Debug().Err(err).Int("id", id).Msg("identity lookup failed")
		}
		return "", false
	}
	return user.DisplayName, true
}

// Search queries the source and caches every result. Without a source it
// searches the users already in the local store.
func (c *Cache) Search(ctx context.Context, query string) ([]User, error) {
	if c.source == nil {
		return c.searchStore(query)
	}

	users, err := c.source.SearchUsers(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	for _, user := range users {
		c.Put(user)
	}
	return users, nil
}

func (c *Cache) searchStore(query string) ([]User, error) {
	local, ok := c.store.(localSearcher)
	if !ok {
		return nil, nil
	}

	found, err := local.SearchUsers(query, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search stored users: %w", err)
	}
	users := make([]User, 0, len(found))
	for _, u := range found {
		user := User{ID: u.ID, DisplayName: u.DisplayName, PhotoRef: u.PhotoRef}
		c.remember(user)
		users = append(users, user)
	}
	return users, nil
}

// Put stores user in memory and in the local store
func (c *Cache) Put(user User) {
	c.remember(user)

	if c.store == nil {
		return
	}
	if err := c.store.SaveUser(sqlite.User{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		PhotoRef:    user.PhotoRef,
	}); err != nil {
		c.logger.Warn().Err(err).Int("id", user.ID).Msg("failed to cache user")
	}
}

func (c *Cache) remember(user User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[user.ID] = user
}
