package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"golang.org/x/crypto/bcrypt"

	"github.com/safetyworks/sitecore/internal/models"
	pkgauth "github.com/safetyworks/sitecore/pkg/auth"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const (
	testIP       = "198.51.100.20"
	testUA       = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"
	testPassword = "correct horse battery"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuditLogger() *pkglogger.AuditLogger {
	return pkglogger.NewAuditLogger(discardLogger())
}

// NewTestUser returns an admin whose password is testPassword.
func NewTestUser(id, username string) *models.User {
	hash, err := pkgauth.HashPasswordWithCost(testPassword, bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return &models.User{
		ID:           id,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		CreatedAt:    testStart.Add(-24 * time.Hour),
		UpdatedAt:    testStart.Add(-24 * time.Hour),
	}
}

// memCounterStore is an in-memory AttemptCounterStore.
type memCounterStore struct {
	mu       sync.Mutex
	counters map[string]models.AttemptCounter
	getErr   error
}

func newMemCounterStore() *memCounterStore {
	return &memCounterStore{counters: make(map[string]models.AttemptCounter)}
}

func (m *memCounterStore) Get(_ context.Context, key string) (*models.AttemptCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	c, ok := m.counters[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &c, nil
}

func (m *memCounterStore) Update(_ context.Context, key string, fn func(*models.AttemptCounter) error) (*models.AttemptCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[key]
	if !ok {
		c = models.AttemptCounter{Key: key}
	}
	if err := fn(&c); err != nil {
		return nil, err
	}
	m.counters[key] = c
	return &c, nil
}

func (m *memCounterStore) Reset(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.counters, k)
	}
	return nil
}

func (m *memCounterStore) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.counters {
		if c.UpdatedAt.Before(before) && (c.LockedUntil == nil || c.LockedUntil.Before(before)) {
			delete(m.counters, k)
			n++
		}
	}
	return n, nil
}

// memWindowStore is an in-memory RateWindowStore with the same window
// semantics as the SQL upsert.
type memWindowStore struct {
	mu      sync.Mutex
	windows map[string]models.RateWindow
	err     error
}

func newMemWindowStore() *memWindowStore {
	return &memWindowStore{windows: make(map[string]models.RateWindow)}
}

func (m *memWindowStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (*models.RateWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	w, ok := m.windows[key]
	if !ok || !w.WindowStart.After(now.Add(-window)) {
		w = models.RateWindow{Key: key, WindowStart: now}
	}
	w.Count++
	m.windows[key] = w
	return &w, nil
}

func (m *memWindowStore) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, w := range m.windows {
		if w.WindowStart.Before(before) {
			delete(m.windows, k)
			n++
		}
	}
	return n, nil
}

// MockUserRepository implements UserRepository, TOTPRepository and
// AdminUserRepository with overridable functions.
type MockUserRepository struct {
	GetByIDFunc         func(ctx context.Context, id string) (*models.User, error)
	GetByUsernameFunc   func(ctx context.Context, username string) (*models.User, error)
	CreateFunc          func(ctx context.Context, user *models.User) (*models.User, error)
	UpdateLastLoginFunc func(ctx context.Context, id string, at time.Time) error
	MarkTOTPUsedFunc    func(ctx context.Context, id string, step time.Time) (bool, error)
	SetPendingTOTPFunc  func(ctx context.Context, id string, secret, nonce []byte) error
	GetPendingTOTPFunc  func(ctx context.Context, id string) ([]byte, []byte, error)
	EnableTOTPFunc      func(ctx context.Context, id string) error
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	if m.GetByUsernameFunc != nil {
		return m.GetByUsernameFunc(ctx, username)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return user, nil
}

func (m *MockUserRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	if m.UpdateLastLoginFunc != nil {
		return m.UpdateLastLoginFunc(ctx, id, at)
	}
	return nil
}

func (m *MockUserRepository) MarkTOTPUsed(ctx context.Context, id string, step time.Time) (bool, error) {
	if m.MarkTOTPUsedFunc != nil {
		return m.MarkTOTPUsedFunc(ctx, id, step)
	}
	return true, nil
}

func (m *MockUserRepository) SetPendingTOTP(ctx context.Context, id string, secret, nonce []byte) error {
	if m.SetPendingTOTPFunc != nil {
		return m.SetPendingTOTPFunc(ctx, id, secret, nonce)
	}
	return nil
}

func (m *MockUserRepository) GetPendingTOTP(ctx context.Context, id string) ([]byte, []byte, error) {
	if m.GetPendingTOTPFunc != nil {
		return m.GetPendingTOTPFunc(ctx, id)
	}
	return nil, nil, models.ErrNotFound
}

func (m *MockUserRepository) EnableTOTP(ctx context.Context, id string) error {
	if m.EnableTOTPFunc != nil {
		return m.EnableTOTPFunc(ctx, id)
	}
	return nil
}

// MockSessionService implements SessionService.
type MockSessionService struct {
	CreateFunc           func(ctx context.Context, user *models.User, ip, userAgent string) (*models.IssuedSession, error)
	RenewFunc            func(ctx context.Context, token, ip, userAgent string) (*models.IssuedSession, error)
	RevokeFunc           func(ctx context.Context, token string) error
	RevokeAllForUserFunc func(ctx context.Context, userID string) (int64, error)
}

func (m *MockSessionService) Create(ctx context.Context, user *models.User, ip, userAgent string) (*models.IssuedSession, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user, ip, userAgent)
	}
	return &models.IssuedSession{
		Token:   "token-for-" + user.ID,
		MaxAge:  7200,
		Session: &models.Session{ID: "sess-" + user.ID, UserID: user.ID, IPAddress: ip, UserAgent: userAgent},
	}, nil
}

func (m *MockSessionService) Renew(ctx context.Context, token, ip, userAgent string) (*models.IssuedSession, error) {
	if m.RenewFunc != nil {
		return m.RenewFunc(ctx, token, ip, userAgent)
	}
	return nil, models.ErrSessionInvalid
}

func (m *MockSessionService) Revoke(ctx context.Context, token string) error {
	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, token)
	}
	return nil
}

func (m *MockSessionService) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	if m.RevokeAllForUserFunc != nil {
		return m.RevokeAllForUserFunc(ctx, userID)
	}
	return 0, nil
}

// MockLockoutNotifier records alerts on a channel.
type MockLockoutNotifier struct {
	sent chan string
	err  error
}

func newMockNotifier() *MockLockoutNotifier {
	return &MockLockoutNotifier{sent: make(chan string, 4)}
}

func (m *MockLockoutNotifier) SendLockoutAlert(_ context.Context, user *models.User, _ string, _ time.Time) error {
	m.sent <- user.ID
	return m.err
}

// mockSES captures SendEmail input.
type mockSES struct {
	SendEmailFunc func(ctx context.Context, in *ses.SendEmailInput) (*ses.SendEmailOutput, error)
	inputs        []*ses.SendEmailInput
}

func (m *mockSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.inputs = append(m.inputs, in)
	return m.SendEmailFunc(ctx, in)
}
