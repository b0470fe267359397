// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// TokenTypeSAS is the CBS token type of shared access signatures.
	TokenTypeSAS = "servicebus.windows.net:sastoken"
	// TokenTypeJWT is the CBS token type of bearer tokens.
	TokenTypeJWT = "jwt"

	defaultSASLifetime = time.Hour
	tokenRefreshMargin = 5 * time.Minute
	// tokenMinRenewInterval is the shortest time a fetched token is kept, however short
	// its lifetime.
	tokenMinRenewInterval = 10 * time.Second
)

type (
	// AccessToken is a short-lived token for a resource scope.
	AccessToken struct {
		Token     string
		ExpiresOn time.Time
	}

	// TokenCredential produces access tokens. Implementations must be safe for concurrent use.
	TokenCredential interface {
		GetToken(ctx context.Context, scopes ...string) (AccessToken, error)
	}

	// SharedKeyCredential signs shared access signatures with a namespace or entity policy key.
	SharedKeyCredential struct {
		policy   string
		key      string
		lifetime time.Duration
		now      func() time.Time
	}

	// tokenCache keeps one token per audience and renews it before it expires.
	tokenCache struct {
		credential TokenCredential
		now        func() time.Time
		mu         sync.Mutex
		tokens     map[string]cachedToken
	}

	cachedToken struct {
		AccessToken
		fetchedAt time.Time
	}
)

// NewSharedKeyCredential creates a credential for the named policy and key.
func NewSharedKeyCredential(policy, key string) (*SharedKeyCredential, error) {
	if policy == "" || key == "" {
		return nil, newError(ValidationError, "shared key credential requires policy and key", nil)
	}
	return &SharedKeyCredential{policy: policy, key: key, lifetime: defaultSASLifetime, now: time.Now}, nil
}

// Policy returns the shared access policy name.
func (c *SharedKeyCredential) Policy() string { return c.policy }

// GetToken returns a SAS token for the first scope. The scope is the resource URI,
// e.g. sb://ns.servicebus.windows.net/queue.
func (c *SharedKeyCredential) GetToken(_ context.Context, scopes ...string) (AccessToken, error) {
	if len(scopes) == 0 || scopes[0] == "" {
		return AccessToken{}, newError(ValidationError, "token scope is required", nil)
	}

	expiresOn := c.now().Add(c.lifetime).Truncate(time.Second)
	token := signSAS(scopes[0], c.policy, c.key, expiresOn)

	return AccessToken{Token: token, ExpiresOn: expiresOn}, nil
}

// signSAS builds a shared access signature:
// SharedAccessSignature sr=<uri>&sig=<signature>&se=<expiry>&skn=<policy>
func signSAS(resource, policy, key string, expiresOn time.Time) string {
	encoded := url.QueryEscape(resource)
	expiry := strconv.FormatInt(expiresOn.Unix(), 10)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(encoded + "\n" + expiry))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s&skn=%s",
		encoded, url.QueryEscape(sig), expiry, url.QueryEscape(policy))
}

// tokenType returns the CBS token type of a token value.
func tokenType(token string) string {
	if strings.HasPrefix(token, "SharedAccessSignature ") {
		return TokenTypeSAS
	}
	return TokenTypeJWT
}

func newTokenCache(credential TokenCredential, now func() time.Time) *tokenCache {
	return &tokenCache{credential: credential, now: now, tokens: map[string]cachedToken{}}
}

// token returns a valid token for audience, fetching a new one when the cached token is
// missing, expired or due for renewal.
func (tc *tokenCache) token(ctx context.Context, audience string) (AccessToken, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := tc.now()
	if t, ok := tc.tokens[audience]; ok && now.Before(t.ExpiresOn) && now.Before(t.renewAt()) {
		return t.AccessToken, nil
	}

	t, err := tc.credential.GetToken(ctx, audience)
	if err != nil {
		logrus.WithError(err).WithField("audience", audience).Error("servicebus failure to acquire token")
		return AccessToken{}, newError(AuthorizationError, "failure to acquire token", err)
	}
	if t.Token == "" || !t.ExpiresOn.After(now) {
		return AccessToken{}, newError(AuthorizationError, "credential returned an expired token", nil)
	}

	tc.tokens[audience] = cachedToken{AccessToken: t, fetchedAt: now}
	return t, nil
}

// renewAt returns when the token of audience should be renewed.
func (tc *tokenCache) renewAt(audience string) time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	t, ok := tc.tokens[audience]
	if !ok {
		return tc.now()
	}
	return t.renewAt()
}

// untilRenewal returns how long to wait before renewing the token of audience.
func (tc *tokenCache) untilRenewal(audience string) time.Duration {
	return max(tc.renewAt(audience).Sub(tc.now()), 0)
}

// renewAt is the refresh margin before expiry, capped at half the token's lifetime and
// never sooner than tokenMinRenewInterval after the fetch.
func (t cachedToken) renewAt() time.Time {
	margin := min(tokenRefreshMargin, t.ExpiresOn.Sub(t.fetchedAt)/2)
	at := t.ExpiresOn.Add(-margin)
	if floor := t.fetchedAt.Add(tokenMinRenewInterval); at.Before(floor) {
		return floor
	}
	return at
}
