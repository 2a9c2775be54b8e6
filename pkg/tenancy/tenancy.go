// Package tenancy maps incoming requests to the cooperative they belong to.
// Every tenant keeps its own database; stores are opened on first use.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// HeaderName selects a tenant when the host does not.
const HeaderName = "X-Tenant"

var (
	ErrUnknownTenant = errors.New("unknown tenant")
	ErrClosed        = errors.New("tenant registry is closed")
)

// Tenant is one cooperative.
type Tenant struct {
	Slug     string                `mapstructure:"slug" json:"slug"`
	Name     string                `mapstructure:"name" json:"name"`
	Domains  []string              `mapstructure:"domains" json:"domains,omitempty"`
	Currency string                `mapstructure:"currency" json:"currency"`
	Payments payments.ManualConfig `mapstructure:"payments" json:"-"`
}

// Opener opens the store of one tenant.
type Opener func(t *Tenant) (store.Storage, error)

// DSNOpener opens tenant stores with driver, substituting the tenant slug for
// {tenant} in the DSN template. SQLite templates may be plain file paths.
func DSNOpener(driver, template string) Opener {
	return func(t *Tenant) (store.Storage, error) {
		dsn := DSN(template, t.Slug)
		if driver == store.DriverSQLite {
			dsn = store.SQLiteDSN(dsn)
		}
		return store.Open(driver, dsn)
	}
}

// DSN fills the {tenant} placeholder of a DSN template.
func DSN(template, slug string) string {
	return strings.ReplaceAll(template, "{tenant}", slug)
}

// Registry knows every tenant and holds their open stores.
type Registry struct {
	tenants map[string]*Tenant
	domains map[string]*Tenant
	open    Opener
	logger  *logging.Logger

	opening singleflight.Group

	mu     sync.Mutex
	stores map[string]store.Storage
	closed bool
}

// NewRegistry validates the tenant list. Slugs and domains are matched
// case-insensitively and must be unique.
func NewRegistry(tenants []Tenant, open Opener, logger *logging.Logger) (*Registry, error) {
	r := &Registry{
		tenants: make(map[string]*Tenant, len(tenants)),
		domains: make(map[string]*Tenant),
		open:    open,
		logger:  logging.OrGlobal(logger).Named("tenancy"),
		stores:  make(map[string]store.Storage),
	}
	for i := range tenants {
		t := tenants[i]
		t.Slug = strings.ToLower(strings.TrimSpace(t.Slug))
		if t.Slug == "" {
			return nil, fmt.Errorf("tenant %d has no slug", i)
		}
		if _, dup := r.tenants[t.Slug]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", t.Slug)
		}
		if t.Name == "" {
			t.Name = t.Slug
		}
		t.Domains = append([]string(nil), t.Domains...)
		for j, d := range t.Domains {
			d = strings.ToLower(strings.TrimSpace(d))
			if other, dup := r.domains[d]; dup {
				return nil, fmt.Errorf("domain %q claimed by tenants %q and %q", d, other.Slug, t.Slug)
			}
			t.Domains[j] = d
			r.domains[d] = &t
		}
		r.tenants[t.Slug] = &t
	}
	return r, nil
}

// Lookup finds a tenant by slug.
func (r *Registry) Lookup(slug string) (*Tenant, error) {
	if t, ok := r.tenants[strings.ToLower(slug)]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, slug)
}

// Tenants lists every tenant ordered by slug.
func (r *Registry) Tenants() []*Tenant {
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Resolve picks the tenant of a request: a custom domain first, then the
// first label of a subdomain, then the X-Tenant header.
func (r *Registry) Resolve(host, header string) (*Tenant, error) {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if t, ok := r.domains[host]; ok {
		return t, nil
	}
	if label, _, ok := strings.Cut(host, "."); ok && net.ParseIP(host) == nil {
		if t, ok := r.tenants[label]; ok {
			return t, nil
		}
	}
	if header = strings.TrimSpace(header); header != "" {
		return r.Lookup(header)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, host)
}

// Store returns the tenant's store, opening it on first use. Opens run
// outside the registry lock, so a slow tenant does not hold up the others;
// concurrent callers for the same tenant share one open.
func (r *Registry) Store(t *Tenant) (store.Storage, error) {
	if s, ok, err := r.cached(t.Slug); ok || err != nil {
		return s, err
	}
	v, err, _ := r.opening.Do(t.Slug, func() (interface{}, error) {
		if s, ok, err := r.cached(t.Slug); ok || err != nil {
			return s, err
		}
		s, err := r.open(t)
		if err != nil {
			return nil, fmt.Errorf("failed to open store for tenant %s: %w", t.Slug, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			s.Close()
			return nil, ErrClosed
		}
		r.stores[t.Slug] = s
		r.logger.Info("tenant store opened", zap.String("tenant", t.Slug))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(store.Storage), nil
}

// cached returns the open store of slug, or ErrClosed once the registry is
// closed.
func (r *Registry) cached(slug string) (store.Storage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	s, ok := r.stores[slug]
	return s, ok, nil
}

// Close closes every opened store. Later calls to Store fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var errs []error
	for slug, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", slug, err))
		}
		delete(r.stores, slug)
	}
	return errors.Join(errs...)
}

type contextKey struct{}

// WithTenant returns a copy of ctx carrying t.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the tenant resolved for the request.
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(contextKey{}).(*Tenant)
	return t, ok
}

// Middleware resolves the tenant of every request. Requests for an unknown
// tenant are passed to onError and go no further.
func Middleware(r *Registry, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			t, err := r.Resolve(req.Host, req.Header.Get(HeaderName))
			if err != nil {
				onError(w, req, err)
				return
			}
			next.ServeHTTP(w, req.WithContext(WithTenant(req.Context(), t)))
		})
	}
}
