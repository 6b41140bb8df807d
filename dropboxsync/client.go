package dropboxsync

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/vault"
)

var dropboxHTTP = &http.Client{Timeout: 30 * time.Second}

// newCodeVerifier returns a PKCE verifier and its S256 challenge. Dropbox
// PKCE apps carry no client secret, so the verifier is the whole proof.
func newCodeVerifier() (verifier string, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

type dropboxTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	AccountId        string `json:"account_id"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// exchangeCode swaps the authorization code for tokens, proving possession
// of the verifier issued at begin time.
func exchangeCode(ctx context.Context, code string, codeVerifier string, redirectURI string) (vault.TokenSet, string, error) {
	appKey, err := config.DropboxAppKey()
	if err != nil {
		return vault.TokenSet{}, "", err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)
	form.Set("client_id", appKey)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.DropboxTokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return vault.TokenSet{}, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := dropboxHTTP.Do(req)
	if err != nil {
		return vault.TokenSet{}, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var parsed dropboxTokenResponse
	_ = json.Unmarshal(body, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || parsed.AccessToken == "" {
		msg := parsed.ErrorDescription
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return vault.TokenSet{}, "", fmt.Errorf("dropbox token exchange failed (%d): %s", resp.StatusCode, msg)
	}

	tokens := vault.TokenSet{
		AccessToken:          parsed.AccessToken,
		RefreshToken:         parsed.RefreshToken,
		AccessTokenExpiresAt: time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}
	return tokens, parsed.AccountId, nil
}

// refreshTokens rotates a Dropbox access token off the long-lived refresh
// token.
func refreshTokens(ctx context.Context, refreshToken string) (vault.TokenSet, error) {
	appKey, err := config.DropboxAppKey()
	if err != nil {
		return vault.TokenSet{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", appKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.DropboxTokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return vault.TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := dropboxHTTP.Do(req)
	if err != nil {
		return vault.TokenSet{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var parsed dropboxTokenResponse
	_ = json.Unmarshal(body, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || parsed.AccessToken == "" {
		return vault.TokenSet{}, fmt.Errorf("dropbox refresh failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return vault.TokenSet{
		AccessToken: parsed.AccessToken,
		// Dropbox keeps the refresh token stable across refreshes.
		RefreshToken:         refreshToken,
		AccessTokenExpiresAt: time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}
