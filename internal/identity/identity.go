// Package identity verifies opaque login tokens against the external
// identity provider and maintains the User directory: first-login
// registration, login bookkeeping, and last-scope persistence for
// reconnect resumption.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cgf/raceserver/internal/idgen"
	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/store"
)

// ErrAuthFailed covers unknown uid, secret mismatch, and verifier
// errors alike, surfaced to the client as "Login failed".
var ErrAuthFailed = errors.New("identity: authentication failed")

// TokenResponse is the external verifier's successful reply.
type TokenResponse struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	TokenTime   int64  `json:"token_time"`
}

// Verifier checks an opaque login token against the upstream identity
// provider.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (TokenResponse, error)
}

// HTTPVerifier posts {token, secret} to the configured verifier URL,
// matching the original's op_auth.check_token.
type HTTPVerifier struct {
	Secret string
	URL    string
	Client *http.Client
}

// NewHTTPVerifier builds an HTTPVerifier with a bounded-timeout client.
func NewHTTPVerifier(secret, verifierURL string) *HTTPVerifier {
	return &HTTPVerifier{
		Secret: secret,
		URL:    verifierURL,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *HTTPVerifier) VerifyToken(ctx context.Context, token string) (TokenResponse, error) {
	form := url.Values{"token": {token}, "secret": {v.Secret}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.Client.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: calling verifier: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TokenResponse{}, fmt.Errorf("%w: verifier returned status %d", ErrAuthFailed, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return TokenResponse{}, fmt.Errorf("%w: decoding verifier response: %v", ErrAuthFailed, err)
	}
	if _, hasErr := raw["error"]; hasErr {
		return TokenResponse{}, fmt.Errorf("%w: verifier reported error %v", ErrAuthFailed, raw["error"])
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: re-marshaling verifier response: %v", ErrAuthFailed, err)
	}
	var tr TokenResponse
	if err := json.Unmarshal(buf, &tr); err != nil {
		return TokenResponse{}, fmt.Errorf("%w: unmarshaling verifier response: %v", ErrAuthFailed, err)
	}
	return tr, nil
}

// Directory is the UserDirectory component: authentication,
// first-login registration, and durable per-user bookkeeping.
type Directory struct {
	store    store.Store
	verifier Verifier
}

func NewDirectory(s store.Store, v Verifier) *Directory {
	return &Directory{store: s, verifier: v}
}

// VerifyToken delegates to the external verifier.
func (d *Directory) VerifyToken(ctx context.Context, token string) (TokenResponse, error) {
	return d.verifier.VerifyToken(ctx, token)
}

// GetOrRegisterByToken resolves a verified token response to a User,
// registering a new one on first sight. The uid is deterministic in
// the account_id so repeat logins from the same upstream account
// converge on the same User document.
func (d *Directory) GetOrRegisterByToken(ctx context.Context, tr TokenResponse) (model.User, error) {
	uid := accountUID(tr.AccountID)

	var u model.User
	err := d.store.FindByID(ctx, store.CollectionUser, uid, &u)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.User{}, fmt.Errorf("looking up user %s: %w", uid, err)
	}

	secret, err := idgen.Secret()
	if err != nil {
		return model.User{}, err
	}
	now := float64(time.Now().Unix())
	u = model.User{
		UID:            uid,
		Name:           tr.DisplayName,
		Secret:         secret,
		RegistrationTS: now,
		LastSeen:       now,
	}
	if err := d.store.Insert(ctx, store.CollectionUser, uid, u); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a registration race; the other writer's document wins.
			if err := d.store.FindByID(ctx, store.CollectionUser, uid, &u); err != nil {
				return model.User{}, fmt.Errorf("re-reading raced user %s: %w", uid, err)
			}
			return u, nil
		}
		return model.User{}, fmt.Errorf("registering user %s: %w", uid, err)
	}
	return u, nil
}

// RegisterLegacy implements the config-flag-gated LOGIN/REGISTER
// handshake's uid derivation, preserved from the original's
// users.register_user.
func (d *Directory) RegisterLegacy(ctx context.Context, name, wsid string) (model.User, error) {
	now := float64(time.Now().Unix())
	uid := idgen.LegacyUserUID(name, fmt.Sprintf("%f", now), wsid)
	secret, err := idgen.Secret()
	if err != nil {
		return model.User{}, err
	}
	u := model.User{
		UID:            uid,
		Name:           name,
		Secret:         secret,
		RegistrationTS: now,
		LastSeen:       now,
	}
	if err := d.store.Insert(ctx, store.CollectionUser, uid, u); err != nil {
		return model.User{}, fmt.Errorf("legacy registering user %s: %w", name, err)
	}
	return u, nil
}

// AuthenticateLegacy checks the legacy LOGIN uid/name/secret triple.
func (d *Directory) AuthenticateLegacy(ctx context.Context, uid, name, secret string) (model.User, error) {
	var u model.User
	if err := d.store.FindByID(ctx, store.CollectionUser, uid, &u); err != nil {
		return model.User{}, fmt.Errorf("%w: unknown uid", ErrAuthFailed)
	}
	if u.Name != name || u.Secret != secret {
		return model.User{}, fmt.Errorf("%w: secret mismatch", ErrAuthFailed)
	}
	return u, nil
}

// LoginTouch increments n_logins and refreshes last_seen, persisting
// asynchronously per the spec's persist-on-change convention.
func (d *Directory) LoginTouch(ctx context.Context, u *model.User) {
	u.NLogins++
	u.LastSeen = float64(time.Now().Unix())
	go func(uid string, nLogins int, lastSeen float64) {
		bg := context.Background()
		if err := d.store.UpdateFields(bg, store.CollectionUser, uid, map[string]any{
			"n_logins":  nLogins,
			"last_seen": lastSeen,
		}); err != nil {
			logPersistError("login_touch", uid, err)
		}
	}(u.UID, u.NLogins, u.LastSeen)
}

// SetLastScope persists the scope string asynchronously and updates
// the in-memory copy immediately so resumption logic sees it right
// away.
func (d *Directory) SetLastScope(u *model.User, scope string) {
	u.LastScope = scope
	go func(uid, scope string) {
		bg := context.Background()
		if err := d.store.UpdateFields(bg, store.CollectionUser, uid, map[string]any{
			"last_scope": scope,
		}); err != nil {
			logPersistError("set_last_scope", uid, err)
		}
	}(u.UID, scope)
}

func accountUID(accountID string) string {
	return idgen.LegacyUserUID(accountID, "token", "")[:20]
}
