package engine

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/apifuse/apifuse/pkg/connector"
)

const defaultExpirySkew = 60 * time.Second

// cachedToken is one fetched access token with its refresh deadline.
type cachedToken struct {
	accessToken string
	tokenType   string
	refreshAt   time.Time
}

func (t *cachedToken) valid() bool {
	return t != nil && t.accessToken != "" && nowFn().Before(t.refreshAt)
}

// authProvider attaches credentials to outgoing requests. Static schemes
// resolve environment references per call; token schemes cache fetched
// tokens per scope set and collapse concurrent refreshes through a
// single-flight group so a cold start issues exactly one token request.
type authProvider struct {
	connector string
	cfg       *connector.AuthConfig
	client    *http.Client

	group  singleflight.Group
	mu     sync.Mutex
	tokens map[string]*cachedToken
}

func newAuthProvider(name string, cfg *connector.AuthConfig, client *http.Client) *authProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &authProvider{
		connector: name,
		cfg:       cfg,
		client:    client,
		tokens:    make(map[string]*cachedToken),
	}
}

// apply resolves credentials and sets the appropriate headers on req.
// AWS SigV4 is handled separately by the signer since it must run after
// the body is final.
func (p *authProvider) apply(ctx context.Context, operation string, req *http.Request) *Error {
	if p.cfg == nil {
		return nil
	}

	switch p.cfg.EffectiveType() {
	case connector.AuthBearer:
		token, err := connector.ExpandEnvVar(p.cfg.Token)
		if err != nil {
			return newAuthError(operation, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

	case connector.AuthBasic:
		user, err := connector.ExpandEnvVar(p.cfg.Username)
		if err != nil {
			return newAuthError(operation, err)
		}
		pass, err := connector.ExpandEnvVar(p.cfg.Password)
		if err != nil {
			return newAuthError(operation, err)
		}
		req.SetBasicAuth(user, pass)

	case connector.AuthAPIKey:
		value, err := connector.ExpandEnvVar(p.cfg.Value)
		if err != nil {
			return newAuthError(operation, err)
		}
		req.Header.Set(p.cfg.Header, value)

	case connector.AuthOAuth2Client, connector.AuthJWTBearer:
		token, err := p.token(ctx)
		if err != nil {
			return newAuthError(operation, err)
		}
		req.Header.Set("Authorization", token.tokenType+" "+token.accessToken)

	case connector.AuthAWSSigV4:
		// Signed in the transport after body finalization.
	}

	return nil
}

// token returns a cached access token, refreshing it when absent or
// within the expiry skew. Concurrent callers share one fetch.
func (p *authProvider) token(ctx context.Context) (*cachedToken, error) {
	key := p.scopeKey()

	p.mu.Lock()
	cached := p.tokens[key]
	p.mu.Unlock()
	if cached.valid() {
		return cached, nil
	}

	fetched, err, _ := p.group.Do(key, func() (interface{}, error) {
		// Another waiter may have refreshed while this one queued.
		p.mu.Lock()
		cached := p.tokens[key]
		p.mu.Unlock()
		if cached.valid() {
			return cached, nil
		}

		var (
			token *cachedToken
			err   error
		)
		switch p.cfg.EffectiveType() {
		case connector.AuthJWTBearer:
			token, err = p.fetchJWTBearerToken(ctx)
		default:
			token, err = p.fetchClientCredentialsToken(ctx)
		}
		if err != nil {
			recordTokenRefresh(p.connector, "error")
			return nil, err
		}
		recordTokenRefresh(p.connector, "success")

		p.mu.Lock()
		p.tokens[key] = token
		p.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return nil, err
	}
	return fetched.(*cachedToken), nil
}

// invalidate drops the cached token so the next call fetches a fresh
// one. Used after a 401 on a token scheme.
func (p *authProvider) invalidate() {
	p.mu.Lock()
	delete(p.tokens, p.scopeKey())
	p.mu.Unlock()
}

// usesTokenScheme reports whether a forced token refresh can help after
// an auth failure.
func (p *authProvider) usesTokenScheme() bool {
	if p.cfg == nil {
		return false
	}
	switch p.cfg.EffectiveType() {
	case connector.AuthOAuth2Client, connector.AuthJWTBearer:
		return true
	}
	return false
}

func (p *authProvider) scopeKey() string {
	scopes := append([]string(nil), p.cfg.Scopes...)
	sort.Strings(scopes)
	return p.connector + "|" + strings.Join(scopes, " ")
}

func (p *authProvider) expirySkew() time.Duration {
	if p.cfg.ExpirySkewSeconds > 0 {
		return time.Duration(p.cfg.ExpirySkewSeconds) * time.Second
	}
	return defaultExpirySkew
}

// fetchClientCredentialsToken runs the OAuth2 client-credentials flow.
func (p *authProvider) fetchClientCredentialsToken(ctx context.Context) (*cachedToken, error) {
	secret, err := connector.ExpandEnvVar(p.cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	clientID, err := connector.ExpandEnvVar(p.cfg.ClientID)
	if err != nil {
		return nil, err
	}

	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     p.cfg.TokenURL,
		Scopes:       p.cfg.Scopes,
	}

	tok, err := cfg.Token(contextWithClient(ctx, p.client))
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	refreshAt := tok.Expiry.Add(-p.expirySkew())
	if tok.Expiry.IsZero() {
		refreshAt = nowFn().Add(time.Hour)
	}
	return &cachedToken{
		accessToken: tok.AccessToken,
		tokenType:   tokenType,
		refreshAt:   refreshAt,
	}, nil
}

// fetchJWTBearerToken signs a client assertion and exchanges it for an
// access token per RFC 7523.
func (p *authProvider) fetchJWTBearerToken(ctx context.Context) (*cachedToken, error) {
	pemData, err := connector.ExpandEnvVar(p.cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	key, err := parseRSAPrivateKey([]byte(pemData))
	if err != nil {
		return nil, err
	}

	now := nowFn()
	subject := p.cfg.Subject
	if subject == "" {
		subject = p.cfg.Issuer
	}
	audience := p.cfg.Audience
	if audience == "" {
		audience = p.cfg.TokenURL
	}

	claims := jwt.RegisteredClaims{
		Issuer:    p.cfg.Issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("sign client assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	if len(p.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(p.cfg.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access_token")
	}

	tokenType := payload.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresIn := time.Duration(payload.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return &cachedToken{
		accessToken: payload.AccessToken,
		tokenType:   tokenType,
		refreshAt:   nowFn().Add(expiresIn - p.expirySkew()),
	}, nil
}

// parseRSAPrivateKey accepts PKCS#1 and PKCS#8 PEM blocks.
func parseRSAPrivateKey(pemData []byte) (interface{}, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// contextWithClient makes the oauth2 package use our HTTP client for the
// token request.
func contextWithClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
