package server

import (
	"net/http"
	"time"
)

const (
	stateCookieName = "state"
	nonceCookieName = "nonce"
	loginCookiePath = "/oauth"
)

// StoredSecrets are the raw secrets a browser carries between login and callback.
type StoredSecrets struct {
	State string
	Nonce string
}

// LoginCookies writes and reads the per-attempt state and nonce cookies.
type LoginCookies struct {
	maxAge time.Duration
	secure bool
	domain string
}

// NewLoginCookies constructs the cookie helper honouring config.
func NewLoginCookies(cfg ServerConfig) *LoginCookies {
	maxAge := cfg.CookieMaxAge
	if maxAge <= 0 {
		maxAge = DefaultCookieMaxAge
	}
	return &LoginCookies{
		maxAge: maxAge,
		secure: !cfg.DevMode,
		domain: cfg.CookieDomain,
	}
}

// Set stores the raw secrets for req. Any earlier attempt's cookies are overwritten.
func (lc *LoginCookies) Set(w http.ResponseWriter, req AuthorizationRequest) {
	http.SetCookie(w, lc.cookie(stateCookieName, req.State, int(lc.maxAge.Seconds())))
	http.SetCookie(w, lc.cookie(nonceCookieName, req.Nonce, int(lc.maxAge.Seconds())))
}

// Read returns whatever secrets the request carries. Missing cookies yield
// empty fields; the callback treats that as a session failure.
func (lc *LoginCookies) Read(r *http.Request) StoredSecrets {
	var s StoredSecrets
	if c, err := r.Cookie(stateCookieName); err == nil {
		s.State = c.Value
	}
	if c, err := r.Cookie(nonceCookieName); err == nil {
		s.Nonce = c.Value
	}
	return s
}

// Clear expires both cookies so a secret is never consumed twice.
func (lc *LoginCookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, lc.cookie(stateCookieName, "", -1))
	http.SetCookie(w, lc.cookie(nonceCookieName, "", -1))
}

func (lc *LoginCookies) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     loginCookiePath,
		Domain:   lc.domain,
		HttpOnly: true,
		Secure:   lc.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}
