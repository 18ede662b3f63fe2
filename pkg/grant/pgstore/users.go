package pgstore

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/StricklySoft/jwt-bearer-grant/pkg/clients/postgres"
	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/grant"
)

const (
	selectUser = `SELECT subject FROM grant_users
	WHERE tenant = $1 AND user_store_domain = $2 AND username = $3`

	upsertUser = `INSERT INTO grant_users (tenant, user_store_domain, username, subject)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (tenant, user_store_domain, username) DO UPDATE SET subject = EXCLUDED.subject`
)

// UserStore is a [grant.UserStore] over the grant_users table. Domains
// are stored upper-cased.
type UserStore struct {
	db Querier
}

var _ grant.UserStore = (*UserStore)(nil)

// NewUserStore returns a user store over db.
func NewUserStore(db Querier) *UserStore {
	return &UserStore{db: db}
}

// UserByName looks up a user. An empty domain means PRIMARY. A missing
// user is an [sserr.CodeNotFoundUser] error.
func (s *UserStore) UserByName(ctx context.Context, domain, username, tenant string) (*grant.AuthenticatedUser, error) {
	if domain == "" {
		domain = grant.PrimaryUserStoreDomain
	}
	u := &grant.AuthenticatedUser{UserName: username, UserStoreDomain: domain, TenantDomain: tenant}

	err := s.db.QueryRow(ctx, selectUser, tenant, domain, username).Scan(&u.SubjectIdentifier)
	if postgres.IsNoRows(err) {
		return nil, sserr.Newf(sserr.CodeNotFoundUser, "pgstore: user %q not found", u.String())
	}
	if err != nil {
		return nil, scanError(err, "pgstore: read user")
	}
	return u, nil
}

// Put inserts or replaces u. An empty SubjectIdentifier makes the
// validator fall back to DOMAIN/user@tenant.
func (s *UserStore) Put(ctx context.Context, u grant.AuthenticatedUser) error {
	if u.UserName == "" || u.TenantDomain == "" {
		return sserr.New(sserr.CodeValidationRequired, "pgstore: user needs a name and a tenant")
	}
	u.UserStoreDomain = strings.ToUpper(u.UserStoreDomain)
	if u.UserStoreDomain == "" {
		u.UserStoreDomain = grant.PrimaryUserStoreDomain
	}
	return s.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertUser, u.TenantDomain, u.UserStoreDomain, u.UserName, u.SubjectIdentifier); err != nil {
			return sserr.Wrap(err, sserr.CodeInternalDatabase, "pgstore: write user")
		}
		return nil
	})
}
