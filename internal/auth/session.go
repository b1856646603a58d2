package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/gas-metering-client/internal/secret"
)

// nowFunc returns the current time. It can be overridden in tests.
var nowFunc = time.Now

// DefaultQRTTL is how long a minted QR code stays scannable. The server
// never announces the TTL, so it is enforced client-side from issue time.
const DefaultQRTTL = 5 * time.Minute

// State is the authentication state of one session.
type State int

const (
	StateAnonymous State = iota
	StateAwaitingQRScan
	StateAwaitingPasswordKey
	StateAuthenticated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAwaitingQRScan:
		return "awaiting_qr_scan"
	case StateAwaitingPasswordKey:
		return "awaiting_password_key"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// QRStatus is the outcome of one QR poll tick.
type QRStatus int

const (
	QRPending QRStatus = iota
	QRConfirmed
)

// QRLogin describes a minted QR login session.
type QRLogin struct {
	LoginID   string
	QRCodeURL string
	IssuedAt  time.Time
}

// LoginResult carries the token material a successful login or refresh
// response delivers.
type LoginResult struct {
	Token        string
	RefreshToken string
	UnionID      string
	MdmCode      string
}

// API is the set of raw authentication endpoints the session drives. The
// gasapi package provides the wire implementation; tests provide fakes.
type API interface {
	// CreateLoginQRCode mints a server-side login id and a scannable URL.
	CreateLoginQRCode(ctx context.Context) (loginID, qrCodeURL string, err error)
	// CheckQRCodeStatus returns nil when the code has not been scanned and
	// confirmed yet.
	CheckQRCodeStatus(ctx context.Context, loginID string) (*LoginResult, error)
	// FetchKeyExchange returns the raw key exchange response body.
	FetchKeyExchange(ctx context.Context) ([]byte, error)
	// PasswordLogin submits the AES-encrypted login parameter envelope.
	PasswordLogin(ctx context.Context, encryptedParams string) (*LoginResult, error)
	// RefreshToken exchanges a refresh token for fresh token material.
	RefreshToken(ctx context.Context, refreshToken string) (*LoginResult, error)
}

// Session owns the credential state for one account and serializes every
// authentication attempt. At most one login/refresh is in flight; callers
// racing on the same 401 converge on a single refresh.
type Session struct {
	mu sync.Mutex

	api    API
	store  *Store
	logger *zap.Logger

	userCode   string
	regionCode int
	qrTTL      time.Duration

	state      State
	qrLoginID  string
	qrIssuedAt time.Time
}

// SessionConfig configures a Session.
type SessionConfig struct {
	API        API
	Store      *Store
	UserCode   string
	RegionCode int
	QRTTL      time.Duration
	Logger     *zap.Logger
}

// NewSession creates a session in the Anonymous state.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.API == nil {
		return nil, errors.New("auth: API is required")
	}
	if cfg.UserCode == "" {
		return nil, errors.New("auth: UserCode is required")
	}
	store := cfg.Store
	if store == nil {
		store = NewStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.QRTTL
	if ttl <= 0 {
		ttl = DefaultQRTTL
	}
	return &Session{
		api:        cfg.API,
		store:      store,
		logger:     logger,
		userCode:   cfg.UserCode,
		regionCode: cfg.RegionCode,
		qrTTL:      ttl,
		state:      StateAnonymous,
	}, nil
}

// State returns the current authentication state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnsureAuthenticated returns a valid credential, refreshing once when the
// session is Expired. Anything else requires an explicit login.
func (s *Session) EnsureAuthenticated(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAuthenticated:
		cred, ok := s.store.Get()
		if !ok {
			// Should not happen; treat as logged out.
			s.state = StateAnonymous
			return Credential{}, fmt.Errorf("%w: credential store is empty", ErrAuthentication)
		}
		return cred, nil
	case StateExpired:
		return s.refreshLocked(ctx)
	default:
		return Credential{}, fmt.Errorf("%w: session is %s, login required", ErrAuthentication, s.state)
	}
}

// BeginQRLogin mints a QR login session and moves to AwaitingQRScan.
func (s *Session) BeginQRLogin(ctx context.Context) (QRLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loginID, qrURL, err := s.api.CreateLoginQRCode(ctx)
	if err != nil {
		return QRLogin{}, fmt.Errorf("create login qr code: %w", err)
	}

	s.state = StateAwaitingQRScan
	s.qrLoginID = loginID
	s.qrIssuedAt = nowFunc()

	s.logger.Info("qr login started", zap.String("login_id", loginID))
	return QRLogin{LoginID: loginID, QRCodeURL: qrURL, IssuedAt: s.qrIssuedAt}, nil
}

// PollQRStatus performs one caller-driven poll tick. A pending scan leaves
// the state unchanged so the caller can poll again; a confirmed scan moves
// to Authenticated; polling past the TTL fails with ErrQRCodeExpired and
// resets the session so a fresh code can be minted.
func (s *Session) PollQRStatus(ctx context.Context, loginID string) (QRStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingQRScan || loginID != s.qrLoginID {
		return QRPending, ErrNoPendingQRLogin
	}
	if nowFunc().Sub(s.qrIssuedAt) > s.qrTTL {
		s.state = StateAnonymous
		s.qrLoginID = ""
		return QRPending, fmt.Errorf("%w: issued %s ago", ErrQRCodeExpired, s.qrTTL)
	}

	result, err := s.api.CheckQRCodeStatus(ctx, loginID)
	if err != nil {
		return QRPending, fmt.Errorf("check qr status: %w", err)
	}
	if result == nil {
		return QRPending, nil
	}

	cred, err := s.credentialLocked(result)
	if err != nil {
		return QRPending, err
	}
	s.setCredentialLocked(cred)
	s.qrLoginID = ""
	s.logger.Info("qr login confirmed", zap.String("user_code", cred.UserCode))
	return QRConfirmed, nil
}

// LoginWithPassword authenticates with phone number and password via the
// server key exchange. When the key exchange material cannot be decrypted
// the session falls back to a stored refresh token if one exists; the
// degraded path is logged, never silent.
func (s *Session) LoginWithPassword(ctx context.Context, phone, password string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevState := s.state
	s.state = StateAwaitingPasswordKey

	keySet, err := s.fetchKeySetLocked(ctx)
	if err != nil {
		if !errors.Is(err, secret.ErrDecryption) {
			s.state = prevState
			return Credential{}, err
		}
		// Soft failure: the server key material was unusable. Reuse the
		// stored refresh token when there is one.
		if cred, ok := s.store.Get(); ok && cred.RefreshToken != "" {
			s.logger.Warn("key exchange failed, falling back to refresh token", zap.Error(err))
			return s.refreshLocked(ctx)
		}
		s.state = prevState
		return Credential{}, fmt.Errorf("%w: key exchange failed and no refresh token stored: %v", ErrAuthentication, err)
	}

	encPassword, err := keySet.EncryptCredential(password)
	if err != nil {
		s.state = prevState
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	params, err := keySet.EncryptParams(map[string]any{
		"acctId":      phone,
		"credentials": encPassword,
		"areaCode":    s.regionCode,
		"userCode":    s.userCode,
	})
	if err != nil {
		s.state = prevState
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	result, err := s.api.PasswordLogin(ctx, params)
	if err != nil {
		s.state = prevState
		return Credential{}, fmt.Errorf("password login: %w", err)
	}

	cred, err := s.credentialLocked(result)
	if err != nil {
		s.state = prevState
		return Credential{}, err
	}
	s.setCredentialLocked(cred)
	s.logger.Info("password login successful", zap.String("user_code", cred.UserCode))
	return cred, nil
}

// RefreshAccessToken performs a single refresh attempt with the stored
// refresh token.
func (s *Session) RefreshAccessToken(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

// RecoverUnauthorized is called when an authenticated API call came back
// 401/403 while holding usedToken. If another caller already refreshed,
// the newer credential is returned without a second refresh; otherwise one
// refresh is attempted and failure flips the session to Expired.
func (s *Session) RecoverUnauthorized(ctx context.Context, usedToken string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred, ok := s.store.Get(); ok && cred.AccessToken != usedToken && s.state == StateAuthenticated {
		return cred, nil
	}
	return s.refreshLocked(ctx)
}

// ExportCredential returns the credential snapshot for host persistence.
func (s *Session) ExportCredential() (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.store.Get()
	if !ok {
		return Credential{}, ErrNoCredential
	}
	return cred, nil
}

// ImportCredential restores a previously exported credential. Validity is
// not checked against the server; the first authenticated call will detect
// a stale token and trigger a refresh.
func (s *Session) ImportCredential(cred Credential) error {
	// Revalidate through the factory so an incomplete blob from an old
	// persistence format cannot enter the session.
	validated, err := NewCredential(cred.UserCode, cred.RegionCode, cred.AccessToken,
		cred.RefreshToken, cred.UnionID, cred.MdmCode, cred.IssuedAt)
	if err != nil {
		return err
	}
	validated.ExpiresAt = cred.ExpiresAt

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCredentialLocked(validated)
	return nil
}

func (s *Session) fetchKeySetLocked(ctx context.Context) (*secret.KeySet, error) {
	body, err := s.api.FetchKeyExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch key exchange: %w", err)
	}
	return secret.ParseKeyExchange(body)
}

func (s *Session) refreshLocked(ctx context.Context) (Credential, error) {
	prev, ok := s.store.Get()
	if !ok || prev.RefreshToken == "" {
		s.state = StateExpired
		return Credential{}, fmt.Errorf("%w: refresh requested", ErrNoCredential)
	}

	result, err := s.api.RefreshToken(ctx, prev.RefreshToken)
	if err != nil {
		s.state = StateExpired
		return Credential{}, fmt.Errorf("%w: token refresh failed: %v", ErrAuthentication, err)
	}

	cred, err := s.credentialLocked(result)
	if err != nil {
		s.state = StateExpired
		return Credential{}, err
	}
	s.setCredentialLocked(cred)
	s.logger.Info("access token refreshed", zap.String("user_code", cred.UserCode))
	return cred, nil
}

// credentialLocked builds a complete credential from a login result,
// carrying identifiers forward from the previous credential when the
// server omits them (refresh responses often repeat only the tokens).
func (s *Session) credentialLocked(res *LoginResult) (Credential, error) {
	prev, _ := s.store.Get()

	refreshToken := res.RefreshToken
	if refreshToken == "" {
		refreshToken = prev.RefreshToken
	}
	unionID := res.UnionID
	if unionID == "" {
		unionID = prev.UnionID
	}
	mdmCode := res.MdmCode
	if mdmCode == "" {
		mdmCode = prev.MdmCode
	}

	return NewCredential(s.userCode, s.regionCode, res.Token, refreshToken, unionID, mdmCode, nowFunc())
}

func (s *Session) setCredentialLocked(cred Credential) {
	s.store.Set(cred)
	s.state = StateAuthenticated
}
