package qbosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/vault"
)

// ErrInvalidGrant means the refresh token is dead; only a user re-consent
// can fix it.
var ErrInvalidGrant = errors.New("invalid grant")

var ErrTokenExchangeFailed = errors.New("token exchange failed")

type qboClient struct {
	clientId     string
	clientSecret string
	environment  string
	http         *http.Client
}

// newQboClient resolves the firm's app credentials, falling back to the
// deployment-wide QBO_CLIENT_ID/QBO_CLIENT_SECRET pair.
func newQboClient(firm *models.Firm) (*qboClient, error) {
	clientId := strings.TrimSpace(firm.QboClientId)
	var clientSecret string

	if clientId != "" && len(firm.QboClientSecretEnc) > 0 {
		secret, err := vault.OpenString(firm.QboClientSecretEnc)
		if err != nil {
			return nil, err
		}
		clientSecret = secret
	} else {
		clientId = strings.TrimSpace(os.Getenv("QBO_CLIENT_ID"))
		clientSecret = strings.TrimSpace(os.Getenv("QBO_CLIENT_SECRET"))
	}
	if clientId == "" || clientSecret == "" {
		return nil, config.ErrIntegrationNotConfigured
	}

	environment := firm.QboEnvironment
	if environment == "" {
		environment = config.QboEnvironmentProduction
	}

	return &qboClient{
		clientId:     clientId,
		clientSecret: clientSecret,
		environment:  environment,
		http:         &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type tokenResponse struct {
	AccessToken            string `json:"access_token"`
	RefreshToken           string `json:"refresh_token"`
	TokenType              string `json:"token_type"`
	ExpiresIn              int64  `json:"expires_in"`
	XRefreshTokenExpiresIn int64  `json:"x_refresh_token_expires_in"`
	Error                  string `json:"error"`
	ErrorDescription       string `json:"error_description"`
}

func (c *qboClient) postToken(ctx context.Context, form url.Values) (vault.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.QboTokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return vault.TokenSet{}, err
	}
	req.SetBasicAuth(c.clientId, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return vault.TokenSet{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil && resp.StatusCode >= 300 {
		return vault.TokenSet{}, fmt.Errorf("%w: status %d: %s", ErrTokenExchangeFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if parsed.Error == "invalid_grant" {
		return vault.TokenSet{}, ErrInvalidGrant
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || parsed.AccessToken == "" {
		msg := firstNonEmpty(parsed.ErrorDescription, parsed.Error, strings.TrimSpace(string(body)))
		return vault.TokenSet{}, fmt.Errorf("%w: status %d: %s", ErrTokenExchangeFailed, resp.StatusCode, msg)
	}

	now := time.Now()
	tokens := vault.TokenSet{
		AccessToken:          parsed.AccessToken,
		RefreshToken:         parsed.RefreshToken,
		AccessTokenExpiresAt: now.Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}
	if parsed.XRefreshTokenExpiresIn > 0 {
		refreshExpiry := now.Add(time.Duration(parsed.XRefreshTokenExpiresIn) * time.Second)
		tokens.RefreshTokenExpiresAt = &refreshExpiry
	}
	return tokens, nil
}

// exchangeCode swaps an authorization code for the first token pair.
func (c *qboClient) exchangeCode(ctx context.Context, code string, redirectURI string) (vault.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return c.postToken(ctx, form)
}

// refreshTokens rotates the pair. QuickBooks invalidates the old refresh
// token on success, so the caller must persist the result.
func (c *qboClient) refreshTokens(ctx context.Context, refreshToken string) (vault.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.postToken(ctx, form)
}

type companyInfoResponse struct {
	CompanyInfo struct {
		CompanyName string `json:"CompanyName"`
	} `json:"CompanyInfo"`
}

// companyInfo probes the accounting API with the access token. The status
// code is returned even on error so the health check can tell an expired
// token (401) from an outage.
func (c *qboClient) companyInfo(ctx context.Context, accessToken string, realmId string) (string, int, error) {
	endpoint := fmt.Sprintf("%s/v3/company/%s/companyinfo/%s?minorversion=65",
		config.QboAPIBaseURL(c.environment), realmId, realmId)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp.StatusCode, fmt.Errorf("qbo api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed companyInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", resp.StatusCode, err
	}
	return parsed.CompanyInfo.CompanyName, resp.StatusCode, nil
}
