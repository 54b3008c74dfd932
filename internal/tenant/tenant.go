// Package tenant carries the execution scope that every storage call runs under.
//
// A Scope is passed explicitly as an argument; it is never stored in package
// state or attached to a context.Context, so a failed operation for one tenant
// cannot leak into the next call made by the same worker.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrInvalidScope is returned when a scope has no tenant or an unusable schema name
	ErrInvalidScope = errors.New("invalid tenant scope")

	schemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
)

// Tenant is a registered seller account
type Tenant struct {
	ID         string    `db:"id" json:"id"`
	SchemaName string    `db:"schema_name" json:"schema_name"`
	MaxRetries int       `db:"max_retries" json:"max_retries"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Scope is the tenant execution context bound once per claimed job
type Scope struct {
	TenantID string
	Schema   string
	// MaxRetries is the pre-resolved retry limit for jobs created under this scope
	MaxRetries int
}

// Scope resolves the execution scope for the tenant
func (t Tenant) Scope(defaultMaxRetries int) Scope {
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	schema := t.SchemaName
	if schema == "" {
		schema = DefaultSchema(t.ID)
	}
	return Scope{TenantID: t.ID, Schema: schema, MaxRetries: maxRetries}
}

// Validate checks the scope can safely be used to select a schema
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidScope)
	}
	if !schemaPattern.MatchString(s.Schema) {
		return fmt.Errorf("%w: schema %q", ErrInvalidScope, s.Schema)
	}
	return nil
}

func (s Scope) String() string {
	return s.TenantID + "@" + s.Schema
}

// DefaultSchema derives the schema name used when a tenant has none configured
func DefaultSchema(tenantID string) string {
	out := make([]byte, 0, len(tenantID)+7)
	out = append(out, "tenant_"...)
	for i := 0; i < len(tenantID); i++ {
		c := tenantID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return string(out)
}
