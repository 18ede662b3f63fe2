// Package tokenendpoint serves the OAuth2 token endpoint for the JWT
// bearer grant (RFC 7523). It decodes the form request, hands the
// assertion to a [grant.Handler], issues an access token for accepted
// grants and writes RFC 6749 JSON responses.
//
//	gh, _ := grant.NewHandler(grant.HandlerOptions{Config: cfg, Registry: reg})
//	ep, err := tokenendpoint.New(tokenendpoint.Options{Validator: gh})
//	if err != nil { ... }
//	mux.Handle("POST /oauth2/token", ep)
package tokenendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/grant"
)

const (
	// DefaultMaxBodyBytes bounds the form body. Assertions are capped well
	// below this by the claims extractor.
	DefaultMaxBodyBytes = 64 << 10

	// DefaultTokenTTL is the lifetime [OpaqueIssuer] gives access tokens.
	DefaultTokenTTL = time.Hour

	paramGrantType    = "grant_type"
	paramScope        = "scope"
	paramTenantDomain = "tenant_domain"
	paramClientID     = "client_id"
	paramClientSecret = "client_secret"
)

// Validator decides a grant. [*grant.Handler] satisfies it.
type Validator interface {
	Validate(ctx context.Context, req grant.TokenRequest) (*grant.Outcome, error)
}

// Projector caches ID token attributes. [*grant.Projector] satisfies it.
type Projector interface {
	Project(ctx context.Context, iss grant.Issuance) error
}

var (
	_ Validator = (*grant.Handler)(nil)
	_ Projector = (*grant.Projector)(nil)
)

// AccessToken is what an [Issuer] mints for an accepted grant.
type AccessToken struct {
	Token     string
	TokenID   string
	ExpiresIn time.Duration
}

// Issuer mints access tokens.
type Issuer interface {
	Issue(ctx context.Context, outcome *grant.Outcome) (*AccessToken, error)
}

// OpaqueIssuer mints random opaque tokens. It keeps no state; pair it
// with a Projector or another store when tokens must be introspected.
type OpaqueIssuer struct {
	// TTL defaults to DefaultTokenTTL.
	TTL time.Duration
}

var _ Issuer = OpaqueIssuer{}

// Issue returns a random token and token id valid for TTL.
func (i OpaqueIssuer) Issue(_ context.Context, _ *grant.Outcome) (*AccessToken, error) {
	ttl := i.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &AccessToken{
		Token:     uuid.NewString(),
		TokenID:   uuid.NewString(),
		ExpiresIn: ttl,
	}, nil
}

// Options configures [New]. Only Validator is required.
type Options struct {
	Validator Validator

	// Issuer defaults to OpaqueIssuer{}.
	Issuer Issuer

	// Projector, when set, runs for accepted grants with the openid scope.
	Projector Projector

	// Clients, when set, requires client authentication on every request.
	Clients ClientAuthenticator

	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64

	Logger *slog.Logger
}

// TokenResponse is the RFC 6749 section 5.1 success body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// ErrorResponse is the RFC 6749 section 5.2 error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Handler is the token endpoint. It is safe for concurrent use.
type Handler struct {
	validator Validator
	issuer    Issuer
	projector Projector
	clients   ClientAuthenticator
	maxBody   int64
	logger    *slog.Logger
}

var _ http.Handler = (*Handler)(nil)

// New returns a token endpoint.
func New(opts Options) (*Handler, error) {
	if opts.Validator == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "tokenendpoint: a grant validator is required")
	}
	h := &Handler{
		validator: opts.Validator,
		issuer:    opts.Issuer,
		projector: opts.Projector,
		clients:   opts.Clients,
		maxBody:   opts.MaxBodyBytes,
		logger:    opts.Logger,
	}
	if h.issuer == nil {
		h.issuer = OpaqueIssuer{}
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

// ServeHTTP handles one token request. Every failure, including a
// rejected grant, is written as an RFC 6749 error body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
			Error:            "invalid_request",
			ErrorDescription: "the token endpoint accepts POST only",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, sserr.Wrap(err, sserr.CodeValidationFormat, "tokenendpoint: unreadable form body"))
		return
	}
	form := r.PostForm

	if h.clients != nil {
		if err := h.authenticate(r); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	switch gt := form.Get(paramGrantType); gt {
	case grant.GrantType:
	case "":
		h.writeError(w, r, sserr.New(sserr.CodeValidationRequired, "tokenendpoint: grant_type is required"))
		return
	default:
		h.writeError(w, r, sserr.Newf(sserr.CodeValidationGrantType, "tokenendpoint: grant_type %q is not supported", gt))
		return
	}
	if form.Get(grant.AssertionParam) == "" {
		h.writeError(w, r, sserr.New(sserr.CodeValidationRequired, "tokenendpoint: assertion is required"))
		return
	}

	req := grant.TokenRequest{
		TenantDomain:      form.Get(paramTenantDomain),
		Scope:             strings.Fields(form.Get(paramScope)),
		RequestParameters: map[string][]string(form),
	}

	ctx := r.Context()
	outcome, err := h.validator.Validate(ctx, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx = grant.ContextWithOutcome(ctx, outcome)

	at, err := h.issuer.Issue(ctx, outcome)
	if err != nil {
		if _, coded := sserr.AsError(err); !coded {
			err = sserr.Wrap(err, sserr.CodeInternal, "tokenendpoint: access token issuance failed")
		}
		h.writeError(w, r, err)
		return
	}

	if h.projector != nil && grant.HasOpenIDScope(req.Scope) {
		err := h.projector.Project(ctx, grant.Issuance{
			AccessToken: at.Token,
			TokenID:     at.TokenID,
			Request:     req,
			Outcome:     outcome,
		})
		if err != nil {
			h.logger.ErrorContext(ctx, "tokenendpoint: claim projection failed; ID token will lack attributes",
				"error", err,
				"tenant", outcome.TenantDomain,
				"provider", outcome.Provider,
			)
		}
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: at.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(at.ExpiresIn / time.Second),
		Scope:       strings.Join(req.Scope, " "),
	})
}

// writeError maps err to an RFC 6749 error response. Server-side failures
// are described generically; their detail goes to the log only.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	description := "the request could not be processed"
	if e, ok := sserr.AsError(err); ok {
		status = e.HTTPStatus()
		if status < http.StatusInternalServerError {
			description = e.Message
		}
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "tokenendpoint: request failed", "error", err, "code", sserr.GetCode(err))
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	writeJSON(w, status, ErrorResponse{
		Error:            sserr.OAuthErrorCode(err),
		ErrorDescription: description,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
