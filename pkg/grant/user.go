package grant

import (
	"context"
	"strings"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// PrimaryUserStoreDomain is the user store domain assumed when a username
// carries no DOMAIN/ prefix.
const PrimaryUserStoreDomain = "PRIMARY"

// AuthenticatedUser is the subject an accepted assertion authorizes.
type AuthenticatedUser struct {
	UserName        string `json:"username"`
	UserStoreDomain string `json:"user_store_domain,omitempty"`
	TenantDomain    string `json:"tenant,omitempty"`

	// SubjectIdentifier is the value issued tokens carry as their subject.
	SubjectIdentifier string `json:"subject"`

	// Local is true when the user was built from the subject alone,
	// without a user store lookup.
	Local bool `json:"local"`
}

// String returns DOMAIN/user@tenant, omitting parts that are empty.
func (u *AuthenticatedUser) String() string {
	var b strings.Builder
	if u.UserStoreDomain != "" {
		b.WriteString(u.UserStoreDomain)
		b.WriteByte('/')
	}
	b.WriteString(u.UserName)
	if u.TenantDomain != "" {
		b.WriteByte('@')
		b.WriteString(u.TenantDomain)
	}
	return b.String()
}

// UserStore resolves users by qualified name.
type UserStore interface {
	// UserByName returns the user, or an error for which
	// [sserr.IsNotFound] is true.
	UserByName(ctx context.Context, userStoreDomain, username, tenant string) (*AuthenticatedUser, error)
}

// SubjectResolver extracts the subject identifier from a token.
type SubjectResolver func(t *ParsedToken) (string, error)

// SubjectClaim is the default SubjectResolver: the sub claim verbatim.
func SubjectClaim(t *ParsedToken) (string, error) {
	return t.Subject, nil
}

// SplitQualifiedUsername splits "DOMAIN/user@tenant". The domain is
// upper-cased and defaults to PRIMARY; the tenant is the text after the
// last '@' and defaults to defaultTenant.
func SplitQualifiedUsername(name, defaultTenant string) (domain, user, tenant string) {
	domain, user, tenant = PrimaryUserStoreDomain, name, defaultTenant
	if i := strings.Index(user, "/"); i > 0 {
		domain, user = strings.ToUpper(user[:i]), user[i+1:]
	}
	if i := strings.LastIndex(user, "@"); i > 0 && i < len(user)-1 {
		user, tenant = user[:i], user[i+1:]
	}
	return domain, user, tenant
}

// NewLocalUserFromSubject builds a user from the subject identifier
// without consulting a user store.
func NewLocalUserFromSubject(subject string) *AuthenticatedUser {
	return &AuthenticatedUser{
		UserName:          subject,
		SubjectIdentifier: subject,
		Local:             true,
	}
}

// bindSubject resolves subject to a user. With a store it looks up
// DOMAIN/user@tenant; without one it trusts the subject as given.
func bindSubject(ctx context.Context, store UserStore, subject, tenant string) (*AuthenticatedUser, error) {
	if store == nil {
		return NewLocalUserFromSubject(subject), nil
	}

	domain, name, userTenant := SplitQualifiedUsername(subject, tenant)
	u, err := store.UserByName(ctx, domain, name, userTenant)
	switch {
	case err == nil && u != nil:
	case err == nil || sserr.IsNotFound(err):
		return nil, sserr.Newf(sserr.CodeGrantMissingClaim,
			"grant: subject %q does not resolve to a user", subject).WithDetail("claim", "sub")
	default:
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "grant: user store lookup failed")
	}
	if u.SubjectIdentifier == "" {
		u.SubjectIdentifier = u.String()
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// MemoryUserStore
// ---------------------------------------------------------------------------

// MemoryUserStore is a fixed set of users, keyed by their qualified name.
// It is read-only after construction.
type MemoryUserStore struct {
	users map[string]AuthenticatedUser
}

var _ UserStore = (*MemoryUserStore)(nil)

// NewMemoryUserStore indexes users by DOMAIN/user@tenant. Users without a
// domain are placed in PRIMARY.
func NewMemoryUserStore(users ...AuthenticatedUser) *MemoryUserStore {
	m := &MemoryUserStore{users: make(map[string]AuthenticatedUser, len(users))}
	for _, u := range users {
		if u.UserStoreDomain == "" {
			u.UserStoreDomain = PrimaryUserStoreDomain
		}
		m.users[u.String()] = u
	}
	return m
}

// UserByName matches domain, username and tenant exactly as added.
func (m *MemoryUserStore) UserByName(_ context.Context, domain, username, tenant string) (*AuthenticatedUser, error) {
	key := (&AuthenticatedUser{UserStoreDomain: domain, UserName: username, TenantDomain: tenant}).String()
	u, ok := m.users[key]
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFoundUser, "grant: user %q not found", key)
	}
	return &u, nil
}
