package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ErrIntegrationNotConfigured is returned when a required third-party
// endpoint or credential is missing from the environment / firm record.
// Fatal for the triggering request; never retried automatically.
var ErrIntegrationNotConfigured = errors.New("integration not configured")

const (
	QboEnvironmentSandbox    = "sandbox"
	QboEnvironmentProduction = "production"
)

func init() {
	godotenv.Load()
}

// QboAuthorizeURL returns the Intuit authorization endpoint. The endpoint is
// the same for sandbox and production; the environment selects the company
// realm the user may pick.
func QboAuthorizeURL() string {
	if v := strings.TrimSpace(os.Getenv("QBO_AUTHORIZE_URL")); v != "" {
		return v
	}
	return "https://appcenter.intuit.com/connect/oauth2"
}

func QboTokenURL() string {
	if v := strings.TrimSpace(os.Getenv("QBO_TOKEN_URL")); v != "" {
		return v
	}
	return "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
}

// QboAPIBaseURL returns the accounting API base for the given environment.
func QboAPIBaseURL(environment string) string {
	if environment == QboEnvironmentSandbox {
		if v := strings.TrimSpace(os.Getenv("QBO_SANDBOX_API_BASE_URL")); v != "" {
			return v
		}
		return "https://sandbox-quickbooks.api.intuit.com"
	}
	if v := strings.TrimSpace(os.Getenv("QBO_API_BASE_URL")); v != "" {
		return v
	}
	return "https://quickbooks.api.intuit.com"
}

func QboScope() string {
	if v := strings.TrimSpace(os.Getenv("QBO_SCOPE")); v != "" {
		return v
	}
	return "com.intuit.quickbooks.accounting"
}

func DropboxAuthorizeURL() string {
	if v := strings.TrimSpace(os.Getenv("DROPBOX_AUTHORIZE_URL")); v != "" {
		return v
	}
	return "https://www.dropbox.com/oauth2/authorize"
}

func DropboxTokenURL() string {
	if v := strings.TrimSpace(os.Getenv("DROPBOX_TOKEN_URL")); v != "" {
		return v
	}
	return "https://api.dropboxapi.com/oauth2/token"
}

func DropboxAppKey() (string, error) {
	v := strings.TrimSpace(os.Getenv("DROPBOX_APP_KEY"))
	if v == "" {
		return "", ErrIntegrationNotConfigured
	}
	return v, nil
}

// EngineWebhookURL is the external workflow engine endpoint that executes
// reconciliation reviews.
func EngineWebhookURL() (string, error) {
	v := strings.TrimSpace(os.Getenv("ENGINE_WEBHOOK_URL"))
	if v == "" {
		return "", ErrIntegrationNotConfigured
	}
	return v, nil
}

// AppBaseURL is this service's externally reachable base URL, used to build
// OAuth redirect URIs and engine callback URLs.
func AppBaseURL() (string, error) {
	v := strings.TrimSpace(os.Getenv("APP_BASE_URL"))
	if v == "" {
		return "", ErrIntegrationNotConfigured
	}
	return strings.TrimRight(v, "/"), nil
}

// DashboardBaseURL is the frontend the OAuth callback redirects back to.
// Falls back to AppBaseURL when unset.
func DashboardBaseURL() string {
	if v := strings.TrimSpace(os.Getenv("DASHBOARD_BASE_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	v, _ := AppBaseURL()
	return v
}
