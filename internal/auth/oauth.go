package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawdfather/clawdfather/internal/cryptoutil"
	"github.com/clawdfather/clawdfather/internal/httpapi"
	"github.com/clawdfather/clawdfather/internal/idgen"
	"github.com/clawdfather/clawdfather/internal/logging"
	"github.com/clawdfather/clawdfather/internal/store"
)

// GitHub endpoint defaults; overridable for tests.
const (
	githubAuthorizeURL = "https://github.com/login/oauth/authorize"
	githubTokenURL     = "https://github.com/login/oauth/access_token"
	githubUserURL      = "https://api.github.com/user"
)

const (
	oauthStateTTL = 10 * time.Minute
	// welcomeGrantSeconds is credited once when an account is first created
	// through OAuth.
	welcomeGrantSeconds = 600
)

// OAuthConfig wires the GitHub OAuth handler.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string

	// Endpoint overrides, empty means the real GitHub.
	AuthorizeURL string
	TokenURL     string
	UserURL      string

	HTTPClient *http.Client
}

// OAuthHandler implements the GitHub login round trip with a one-shot
// server-side state cache.
type OAuthHandler struct {
	store     store.Store
	tokens    *Manager
	masterKey []byte
	cfg       OAuthConfig
}

// NewOAuthHandler builds the handler. Missing endpoint overrides fall back
// to GitHub's production URLs.
func NewOAuthHandler(s store.Store, tokens *Manager, masterKey []byte, cfg OAuthConfig) *OAuthHandler {
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = githubAuthorizeURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = githubTokenURL
	}
	if cfg.UserURL == "" {
		cfg.UserURL = githubUserURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &OAuthHandler{store: s, tokens: tokens, masterKey: masterKey, cfg: cfg}
}

func hashState(state string) string {
	h := sha256.Sum256([]byte(state))
	return hex.EncodeToString(h[:])
}

// Start issues a fresh state value and returns the GitHub authorize URL.
// The state is stored hashed with a short expiry and consumed exactly once.
func (h *OAuthHandler) Start(c *gin.Context) {
	state := idgen.Hex(32)
	verifier := idgen.Hex(32)
	err := h.store.PutOAuthState(c.Request.Context(), hashState(state), verifier,
		time.Now().Add(oauthStateTTL))
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "could not start login")
		return
	}

	q := url.Values{}
	q.Set("client_id", h.cfg.ClientID)
	q.Set("state", state)
	q.Set("scope", "read:user user:email")
	c.JSON(http.StatusOK, gin.H{
		"authorize_url": h.cfg.AuthorizeURL + "?" + q.Encode(),
		"state":         state,
	})
}

// Callback consumes the state, exchanges the code, upserts the identity,
// and issues a session token. Browsers get a cookie plus redirect; clients
// sending Accept: application/json get the token in the body.
func (h *OAuthHandler) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "code and state are required")
		return
	}

	if _, err := h.store.ConsumeOAuthState(ctx, hashState(state), time.Now()); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeInvalidState, "unknown or expired state")
		return
	}

	ghToken, err := h.exchangeCode(ctx, code)
	if err != nil {
		if errors.Is(err, errGithubDown) {
			httpapi.Error(c, http.StatusBadGateway, httpapi.CodeGithubUnavailable, "github is unreachable")
			return
		}
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeInvalidCode, "code exchange failed")
		return
	}

	user, err := h.fetchUser(ctx, ghToken)
	if err != nil {
		httpapi.Error(c, http.StatusBadGateway, httpapi.CodeGithubUnavailable, "github is unreachable")
		return
	}

	ident := &store.OAuthIdentity{
		Provider:       "github",
		ProviderUserID: strconv.FormatInt(user.ID, 10),
		Username:       user.Login,
		Email:          user.Email,
		Scopes:         "read:user user:email",
	}
	acct, isNew, err := h.store.UpsertOAuthIdentity(ctx, ident, user.Login)
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "login failed")
		return
	}

	// The provider token is sealed under the account KEK; that needs the
	// account id, so a second upsert stores the ciphertext.
	if kek, err := cryptoutil.DeriveKEK(h.masterKey, acct.ID); err == nil {
		if cipher, err := cryptoutil.Seal(kek, []byte(ghToken)); err == nil {
			ident.AccessTokenCipher = cipher
			_, _, _ = h.store.UpsertOAuthIdentity(ctx, ident, user.Login)
		}
	}

	if isNew {
		if err := h.store.AddCredits(ctx, acct.ID, welcomeGrantSeconds, "bonus", "bonus:welcome"); err != nil {
			log.Error("welcome grant failed", "account_id", acct.ID, "error", err)
		}
	}

	plaintext, rec, err := h.tokens.Issue(ctx, acct.ID, IssueOptions{
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "login failed")
		return
	}
	log.Info("oauth login", "account_id", acct.ID, "provider", "github", "new", isNew)

	if strings.Contains(c.GetHeader("Accept"), "application/json") {
		c.JSON(http.StatusOK, gin.H{
			"token":      plaintext,
			"expires_at": rec.ExpiresAt,
			"account":    acct,
		})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, plaintext, int(time.Until(rec.ExpiresAt).Seconds()), "/", "", true, true)
	c.Redirect(http.StatusFound, "/")
}

var errGithubDown = errors.New("auth: github unreachable")

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
}

func (h *OAuthHandler) exchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", h.cfg.ClientID)
	form.Set("client_secret", h.cfg.ClientSecret)
	form.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := h.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", errGithubDown
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", errGithubDown
	}

	var body struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token exchange rejected: %s", body.Error)
	}
	return body.AccessToken, nil
}

func (h *OAuthHandler) fetchUser(ctx context.Context, token string) (*githubUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.UserURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := h.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errGithubDown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github user endpoint returned %d", resp.StatusCode)
	}

	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}
