package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"gorm.io/gorm"
)

// ErrCrypto covers every seal/open failure. Callers never learn whether the
// key, the nonce or the ciphertext was at fault, and never see partial
// plaintext.
var ErrCrypto = errors.New("vault: crypto failure")

// RefreshThreshold is how close to expiry an access token may get before
// EnsureValid refuses to hand it out without a refresh.
const RefreshThreshold = 5 * time.Minute

var (
	keyOnce sync.Once
	key     []byte
	keyErr  error
)

// vaultKey derives the AES-256 key from TOKEN_VAULT_SECRET. SHA-256 gives a
// fixed 32-byte key regardless of the secret's length.
func vaultKey() ([]byte, error) {
	keyOnce.Do(func() {
		secret := os.Getenv("TOKEN_VAULT_SECRET")
		if secret == "" {
			keyErr = errors.New("TOKEN_VAULT_SECRET is required")
			return
		}
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	})
	return key, keyErr
}

// Seal encrypts plaintext with AES-256-GCM. The random nonce is prepended to
// the ciphertext, so sealing the same plaintext twice never yields the same
// bytes.
func Seal(plaintext []byte) ([]byte, error) {
	k, err := vaultKey()
	if err != nil {
		return nil, ErrCrypto
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, ErrCrypto
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCrypto
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, ErrCrypto
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob produced by Seal.
func Open(sealed []byte) ([]byte, error) {
	k, err := vaultKey()
	if err != nil {
		return nil, ErrCrypto
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, ErrCrypto
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCrypto
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrCrypto
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCrypto
	}
	return plaintext, nil
}

func SealString(s string) ([]byte, error) {
	return Seal([]byte(s))
}

func OpenString(sealed []byte) (string, error) {
	b, err := Open(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TokenSet is a decrypted OAuth token pair. It lives in memory only.
type TokenSet struct {
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt *time.Time
}

// StoreQboTokens seals the pair onto the connection and persists it.
func StoreQboTokens(ctx context.Context, conn *models.QboConnection, tokens TokenSet) (*models.QboConnection, error) {
	accessEnc, err := SealString(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshEnc, err := SealString(tokens.RefreshToken)
	if err != nil {
		return nil, err
	}

	conn.AccessTokenEnc = accessEnc
	conn.RefreshTokenEnc = refreshEnc
	conn.AccessTokenExpiresAt = tokens.AccessTokenExpiresAt
	conn.RefreshTokenExpiresAt = tokens.RefreshTokenExpiresAt

	saved, err := models.UpsertQboConnection(ctx, conn)
	if err != nil {
		return nil, err
	}
	models.RecordNotification(ctx, conn.FirmId, models.NotificationKindTokenStored, conn.RealmId,
		"tokens stored", "access token expires at "+tokens.AccessTokenExpiresAt.Format(time.RFC3339))
	return saved, nil
}

// RetrieveQboTokens opens the sealed pair.
func RetrieveQboTokens(conn *models.QboConnection) (TokenSet, error) {
	access, err := OpenString(conn.AccessTokenEnc)
	if err != nil {
		return TokenSet{}, err
	}
	refresh, err := OpenString(conn.RefreshTokenEnc)
	if err != nil {
		return TokenSet{}, err
	}
	return TokenSet{
		AccessToken:           access,
		RefreshToken:          refresh,
		AccessTokenExpiresAt:  conn.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: conn.RefreshTokenExpiresAt,
	}, nil
}

// NeedsRefresh reports whether the access token is inside the refresh
// threshold at the given instant.
func NeedsRefresh(expiresAt time.Time, now time.Time) bool {
	return !expiresAt.After(now.Add(RefreshThreshold))
}

// RefreshFunc swaps a refresh token for a fresh token set.
type RefreshFunc func(ctx context.Context, conn *models.QboConnection) (TokenSet, error)

// EnsureValid returns a usable access token, refreshing through refresh
// when the stored one expires within RefreshThreshold.
func EnsureValid(ctx context.Context, conn *models.QboConnection, refresh RefreshFunc) (string, error) {
	if !NeedsRefresh(conn.AccessTokenExpiresAt, time.Now()) {
		tokens, err := RetrieveQboTokens(conn)
		if err != nil {
			return "", err
		}
		return tokens.AccessToken, nil
	}

	tokens, err := refresh(ctx, conn)
	if err != nil {
		return "", err
	}
	if _, err := StoreQboTokens(ctx, conn, tokens); err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// RevokeQboTokens wipes the sealed tokens and marks the connection
// disconnected. Safe to call twice.
func RevokeQboTokens(ctx context.Context, conn *models.QboConnection) error {
	db := config.GetDB()
	err := db.WithContext(ctx).Model(&models.QboConnection{}).
		Where("id = ?", conn.ID).
		Updates(map[string]interface{}{
			"access_token_enc":  gorm.Expr("NULL"),
			"refresh_token_enc": gorm.Expr("NULL"),
			"status":            models.ConnectionStatusDisconnected,
		}).Error
	if err != nil {
		return err
	}
	conn.AccessTokenEnc = nil
	conn.RefreshTokenEnc = nil
	conn.Status = models.ConnectionStatusDisconnected
	return nil
}

// StoreDropboxTokens seals a Dropbox pair onto the firm's connection.
func StoreDropboxTokens(ctx context.Context, conn *models.DropboxConnection, tokens TokenSet) (*models.DropboxConnection, error) {
	accessEnc, err := SealString(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshEnc, err := SealString(tokens.RefreshToken)
	if err != nil {
		return nil, err
	}
	conn.AccessTokenEnc = accessEnc
	conn.RefreshTokenEnc = refreshEnc
	conn.AccessTokenExpiresAt = tokens.AccessTokenExpiresAt
	return models.UpsertDropboxConnection(ctx, conn)
}

func RetrieveDropboxTokens(conn *models.DropboxConnection) (TokenSet, error) {
	access, err := OpenString(conn.AccessTokenEnc)
	if err != nil {
		return TokenSet{}, err
	}
	refresh, err := OpenString(conn.RefreshTokenEnc)
	if err != nil {
		return TokenSet{}, err
	}
	return TokenSet{
		AccessToken:          access,
		RefreshToken:         refresh,
		AccessTokenExpiresAt: conn.AccessTokenExpiresAt,
	}, nil
}
