package httpapi

import (
	"errors"
	"net/http"
	"strings"
)

// ErrUnknownToken is returned by resolvers for tokens they do not recognize.
var ErrUnknownToken = errors.New("httpapi: unknown token")

// AccountResolver maps a Bearer access token to an account id. Token
// issuance itself is out of scope here; the reference server is handed a
// resolver (static map in dev, a real verifier in production).
type AccountResolver func(token string) (accountID string, err error)

// StaticTokens builds a resolver from a fixed token -> account mapping.
func StaticTokens(tokens map[string]string) AccountResolver {
	return func(token string) (string, error) {
		if acct, ok := tokens[token]; ok {
			return acct, nil
		}
		return "", ErrUnknownToken
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func resolveAccount(r *http.Request, resolve AccountResolver) (string, bool) {
	tok := bearerToken(r)
	if tok == "" || resolve == nil {
		return "", false
	}
	acct, err := resolve(tok)
	if err != nil || acct == "" {
		return "", false
	}
	return acct, true
}
