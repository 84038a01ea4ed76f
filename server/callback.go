package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"oidcrp/identity"
)

// CallbackParams are the query parameters of the redirect back from the
// authorization server.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseCallbackParams extracts the callback parameters from a query.
func ParseCallbackParams(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// LoginResult is what a completed callback hands to the presentation layer.
// Identity is set only when a core identity credential passed verification;
// IdentityErr records why a returned credential was rejected.
type LoginResult struct {
	UserInfo    UserInfo
	Identity    *identity.Credential
	IdentityErr error
}

// IdentityVerified reports whether the user's identity was asserted and verified.
func (r *LoginResult) IdentityVerified() bool {
	return r.Identity != nil && r.IdentityErr == nil
}

type codeExchanger interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error)
}

type userInfoFetcher interface {
	UserInfo(ctx context.Context, accessToken string) (UserInfo, error)
}

type credentialVerifier interface {
	Verify(ctx context.Context, raw, subject string) (*identity.Credential, error)
}

// CallbackHandler completes a login attempt. Dependencies are fixed at
// construction and never mutated, so one handler serves all requests.
type CallbackHandler struct {
	exchanger codeExchanger
	userInfo  userInfoFetcher
	idTokens  *oidc.IDTokenVerifier
	verifier  credentialVerifier
	timeout   time.Duration
	logger    *slog.Logger
}

// CallbackOptions wires a CallbackHandler. IDTokens and Identity are optional.
type CallbackOptions struct {
	Exchanger codeExchanger
	UserInfo  userInfoFetcher
	IDTokens  *oidc.IDTokenVerifier
	Identity  credentialVerifier
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NewCallbackHandler constructs a handler from opts.
func NewCallbackHandler(opts CallbackOptions) *CallbackHandler {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{
		exchanger: opts.Exchanger,
		userInfo:  opts.UserInfo,
		idTokens:  opts.IDTokens,
		verifier:  opts.Identity,
		timeout:   timeout,
		logger:    logger,
	}
}

// Handle validates params against the stored secrets, exchanges the code and
// fetches user-info. Identity verification failures do not fail the login;
// they are reported through LoginResult.IdentityErr.
func (h *CallbackHandler) Handle(ctx context.Context, params CallbackParams, secrets StoredSecrets, redirectURI string) (*LoginResult, error) {
	if params.Error != "" {
		return nil, &AuthorizationError{Code: params.Error, Description: params.ErrorDescription}
	}
	if secrets.State == "" || secrets.Nonce == "" {
		return nil, fmt.Errorf("%w: state or nonce cookie missing", ErrSession)
	}
	if !secretMatches(secrets.State, params.State) {
		return nil, fmt.Errorf("%w: state mismatch", ErrSession)
	}
	if params.Code == "" {
		return nil, &AuthorizationError{Code: "invalid_request", Description: "authorization code missing"}
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	tok, err := h.exchanger.ExchangeCode(ctx, params.Code, redirectURI)
	if err != nil {
		return nil, err
	}

	var idTokenSubject string
	if tok.IDToken != "" {
		if h.idTokens == nil {
			return nil, fmt.Errorf("%w: id_token returned but issuer has no jwks_uri", ErrTokenExchange)
		}
		idToken, err := h.idTokens.Verify(ctx, tok.IDToken)
		if err != nil {
			return nil, fmt.Errorf("%w: verify id_token: %w", ErrTokenExchange, err)
		}
		if !secretMatches(secrets.Nonce, idToken.Nonce) {
			return nil, fmt.Errorf("%w: nonce mismatch", ErrSession)
		}
		idTokenSubject = idToken.Subject
	}

	info, err := h.userInfo.UserInfo(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if idTokenSubject != "" && info.Subject != idTokenSubject {
		return nil, fmt.Errorf("%w: subject does not match id_token", ErrUserInfo)
	}

	result := &LoginResult{UserInfo: info}

	switch {
	case info.CoreIdentityJWT == "":
		if len(info.ReturnCodes) > 0 {
			codes := make([]string, 0, len(info.ReturnCodes))
			for _, rc := range info.ReturnCodes {
				codes = append(codes, rc.Code)
			}
			h.logger.Info("identity not asserted", "sub", info.Subject, "return_codes", codes)
		}
	case h.verifier == nil:
		h.logger.Warn("core identity returned but verification is not configured", "sub", info.Subject)
		result.IdentityErr = errors.New("identity verification not configured")
	default:
		cred, err := h.verifier.Verify(ctx, info.CoreIdentityJWT, info.Subject)
		if err != nil {
			h.logger.Warn("core identity rejected", "sub", info.Subject, "error", err)
			result.IdentityErr = err
			break
		}
		h.logger.Info("core identity verified", "sub", info.Subject, "vot", cred.Level)
		result.Identity = cred
	}

	return result, nil
}
