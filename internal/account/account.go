// Package account defines the per-account context value threaded through the
// credential and transport layers. Each Google account gets its own cache
// scope; passing the context explicitly replaces any notion of a global
// "current account".
package account

import (
	"fmt"

	"github.com/openfmd/findmygo/internal/cache"
)

// Context identifies one Google account and the cache that holds its
// credential material. It is a value type; copy it freely.
type Context struct {
	Email string
	Cache cache.Store
}

// New builds an account context.
func New(email string, store cache.Store) Context {
	return Context{Email: email, Cache: store}
}

// Valid reports whether the context can be used for requests.
func (c Context) Valid() bool {
	return c.Email != "" && c.Cache != nil
}

// Key namespaces a cache key to this account, e.g. Key("adm_token") for
// user@example.com yields "adm_token_user@example.com".
func (c Context) Key(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, c.Email)
}
