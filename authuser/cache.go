// Package authuser loads and holds the user-account snapshot the
// authenticator checks on every HandshakeResponse (spec.md §4.3, §9
// "The user-account cache is a read-mostly snapshot; updates publish a
// new snapshot that workers pick up at task boundaries.").
package authuser

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Account is one row of the user-account snapshot.
type Account struct {
	User       string
	Host       string // hostname/wildcard pattern the client must match
	Plugin     string // e.g. mysql_native_password, caching_sha2_password
	AuthString string // plugin-specific stored credential
	DefaultDB  string
	IsSuper    bool
}

// Snapshot is an immutable point-in-time user-account table, keyed by
// user name to a list of Host-pattern candidates (a user may have
// several host-scoped rows).
type Snapshot struct {
	byUser map[string][]Account
	loadedAt time.Time
}

// Lookup returns the best-matching account for (user, host), or false if
// none of that user's rows matches host. Exact host matches are
// preferred over the "%" wildcard.
func (s *Snapshot) Lookup(user, host string) (Account, bool) {
	var wildcard *Account
	for i, a := range s.byUser[user] {
		if a.Host == host {
			return s.byUser[user][i], true
		}
		if a.Host == "%" {
			wildcard = &s.byUser[user][i]
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return Account{}, false
}

// LoadedAt reports when this snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Cache holds the current snapshot and republishes it atomically so
// concurrent session workers never observe a torn read (spec.md §9).
type Cache struct {
	current atomic.Pointer[Snapshot]

	mu           sync.Mutex
	lastRefresh  time.Time
	minInterval  time.Duration
}

// NewCache returns an empty cache. minRefreshInterval rate-limits
// RequestRefresh (spec.md §4.3 "rate-limited").
func NewCache(minRefreshInterval time.Duration) *Cache {
	c := &Cache{minInterval: minRefreshInterval}
	c.current.Store(&Snapshot{byUser: map[string][]Account{}})
	return c
}

// Current returns the latest published snapshot.
func (c *Cache) Current() *Snapshot { return c.current.Load() }

// Publish atomically installs a freshly loaded snapshot.
func (c *Cache) Publish(s *Snapshot) { c.current.Store(s) }

// RequestRefresh triggers loadFunc if the minimum interval since the
// last refresh has elapsed; otherwise it is a silent no-op (spec.md
// §4.3/§7: refresh on auth mismatch or ER_ACCESS_DENIED_ERROR is
// rate-limited so a flood of bad logins cannot hammer the account
// store).
func (c *Cache) RequestRefresh(ctx context.Context, loadFunc func(context.Context) (*Snapshot, error)) error {
	c.mu.Lock()
	if time.Since(c.lastRefresh) < c.minInterval {
		c.mu.Unlock()
		return nil
	}
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	snap, err := loadFunc(ctx)
	if err != nil {
		return err
	}
	c.Publish(snap)
	return nil
}

// LoadFromMariaDB queries mysql.user for the account snapshot, using
// go-sql-driver/mysql as the teacher's own dependency.
func LoadFromMariaDB(ctx context.Context, db *sql.DB) (*Snapshot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT User, Host, plugin, authentication_string,
		       COALESCE(Super_priv, 'N') = 'Y'
		FROM mysql.user`)
	if err != nil {
		return nil, fmt.Errorf("authuser: load mariadb accounts: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{byUser: map[string][]Account{}, loadedAt: time.Now()}
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.User, &a.Host, &a.Plugin, &a.AuthString, &a.IsSuper); err != nil {
			return nil, fmt.Errorf("authuser: scan mariadb account row: %w", err)
		}
		snap.byUser[a.User] = append(snap.byUser[a.User], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authuser: iterate mariadb accounts: %w", err)
	}
	return snap, nil
}

// LoadFromPostgres queries pg_roles/pg_authid-equivalent catalogs via
// lib/pq for the account snapshot.
func LoadFromPostgres(ctx context.Context, db *sql.DB) (*Snapshot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT rolname, rolsuper, COALESCE(rolpassword, '')
		FROM pg_catalog.pg_authid`)
	if err != nil {
		return nil, fmt.Errorf("authuser: load postgres roles: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{byUser: map[string][]Account{}, loadedAt: time.Now()}
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.User, &a.IsSuper, &a.AuthString); err != nil {
			return nil, fmt.Errorf("authuser: scan postgres role row: %w", err)
		}
		a.Host = "%"
		a.Plugin = "scram-sha-256"
		snap.byUser[a.User] = append(snap.byUser[a.User], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authuser: iterate postgres roles: %w", err)
	}
	return snap, nil
}
