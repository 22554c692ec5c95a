package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/safetyworks/sitecore/pkg/clock"
)

const (
	totpPeriod = 30
	totpSkew   = 1 // accept one step either side for clock drift
	qrSize     = 256
)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// ErrTOTPDisabled is returned when no encryption key is configured.
var ErrTOTPDisabled = errors.New("totp is not configured")

// TOTPEnrollment is what a user needs to add the account to an authenticator.
// Encrypted and Nonce are what gets stored.
type TOTPEnrollment struct {
	Secret        string
	URL           string
	QRCodeDataURL string
	Encrypted     []byte
	Nonce         []byte
}

// TOTPManager generates, stores (encrypted) and checks one-time codes.
type TOTPManager struct {
	encryptionKey []byte // AES-256 key
	issuer        string
	clock         clock.Clock
}

// ParseEncryptionKey accepts a 32-byte key as 64 hex characters or base64.
func ParseEncryptionKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be 32 bytes, hex or base64 encoded")
}

func NewTOTPManager(encryptionKey []byte, issuer string, clk clock.Clock) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}
	return &TOTPManager{encryptionKey: encryptionKey, issuer: issuer, clock: clk}, nil
}

// Enroll creates a fresh secret for accountName along with its QR code.
func (tm *TOTPManager) Enroll(accountName string) (*TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	encrypted, nonce, err := tm.EncryptSecret([]byte(key.Secret()))
	if err != nil {
		return nil, err
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &TOTPEnrollment{
		Secret:        key.Secret(),
		URL:           key.URL(),
		QRCodeDataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		Encrypted:     encrypted,
		Nonce:         nonce,
	}, nil
}

// EncryptSecret seals a secret with AES-256-GCM and a random nonce.
func (tm *TOTPManager) EncryptSecret(secret []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, secret, nil), nonce, nil
}

func (tm *TOTPManager) DecryptSecret(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return plaintext, nil
}

func (tm *TOTPManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Verify checks code against the base32 secret at the current time. On a
// match it returns the start of the matching time step, which callers persist
// to reject a second use of the same or an earlier code.
func (tm *TOTPManager) Verify(secret, code string) (time.Time, bool) {
	code = strings.TrimSpace(code)
	if len(code) != totpOpts.Digits.Length() {
		return time.Time{}, false
	}

	now := tm.clock.Now()
	step := time.Duration(totpPeriod) * time.Second
	for i := -totpSkew; i <= totpSkew; i++ {
		at := now.Add(time.Duration(i) * step)
		want, err := totp.GenerateCodeCustom(secret, at, totpOpts)
		if err != nil {
			return time.Time{}, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return at.Truncate(step).UTC(), true
		}
	}
	return time.Time{}, false
}
