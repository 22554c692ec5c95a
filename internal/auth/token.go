package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/safetyworks/sitecore/internal/models"
	"github.com/safetyworks/sitecore/pkg/clock"
)

const sessionIssuer = "sitecore-admin"

var (
	// ErrTokenExpired means the token verified but its exp has passed.
	ErrTokenExpired = errors.New("session token expired")
	// ErrTokenMalformed covers bad encoding, a bad signature and missing claims.
	ErrTokenMalformed = errors.New("session token malformed")
)

// SessionTokenManager signs and verifies admin session tokens (HS256).
type SessionTokenManager struct {
	secret []byte
	clock  clock.Clock
}

func NewSessionTokenManager(secret string, clk clock.Clock) *SessionTokenManager {
	return &SessionTokenManager{secret: []byte(secret), clock: clk}
}

// Issue signs a token for the given session. The jti is the session id, so a
// token can only ever map to one record.
func (tm *SessionTokenManager) Issue(sessionID, userID, fingerprint string, issuedAt, expiresAt time.Time) (string, error) {
	claims := &models.SessionClaims{
		UserID:            userID,
		DeviceFingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Issuer:    sessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and time claims against the injected clock.
// It returns ErrTokenExpired or ErrTokenMalformed for rejected tokens.
func (tm *SessionTokenManager) Verify(tokenString string) (*models.SessionClaims, error) {
	return tm.parse(tokenString,
		jwt.WithTimeFunc(tm.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(sessionIssuer),
	)
}

// VerifySignature checks only the signature. Logout uses it so an expired but
// genuine token can still remove its record.
func (tm *SessionTokenManager) VerifySignature(tokenString string) (*models.SessionClaims, error) {
	return tm.parse(tokenString, jwt.WithoutClaimsValidation())
}

func (tm *SessionTokenManager) parse(tokenString string, opts ...jwt.ParserOption) (*models.SessionClaims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	claims := &models.SessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return tm.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	if claims.ID == "" || claims.UserID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// HashToken is what the session store keeps instead of the bearer value.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DeviceFingerprint derives a stable device identifier from the user agent.
// Whitespace and case differences between otherwise identical agents are
// ignored.
func DeviceFingerprint(userAgent string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(userAgent), " "))
	sum := sha256.Sum256([]byte("device:" + normalized))
	return hex.EncodeToString(sum[:])
}
