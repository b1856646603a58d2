package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeAPI struct {
	qrLoginID    string
	qrCodeURL    string
	qrResult     *LoginResult
	qrErr        error
	keyExchange  []byte
	keyErr       error
	loginResult  *LoginResult
	loginErr     error
	refreshErr   error
	refreshCalls int
	loginCalls   int

	// refreshResults is consumed one per RefreshToken call when set.
	refreshResults []*LoginResult
}

func (f *fakeAPI) CreateLoginQRCode(ctx context.Context) (string, string, error) {
	return f.qrLoginID, f.qrCodeURL, nil
}

func (f *fakeAPI) CheckQRCodeStatus(ctx context.Context, loginID string) (*LoginResult, error) {
	return f.qrResult, f.qrErr
}

func (f *fakeAPI) FetchKeyExchange(ctx context.Context) ([]byte, error) {
	return f.keyExchange, f.keyErr
}

func (f *fakeAPI) PasswordLogin(ctx context.Context, encryptedParams string) (*LoginResult, error) {
	f.loginCalls++
	return f.loginResult, f.loginErr
}

func (f *fakeAPI) RefreshToken(ctx context.Context, refreshToken string) (*LoginResult, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if len(f.refreshResults) > 0 {
		res := f.refreshResults[0]
		f.refreshResults = f.refreshResults[1:]
		return res, nil
	}
	return &LoginResult{Token: fmt.Sprintf("tok-refreshed-%d", f.refreshCalls), RefreshToken: "ref-rotated"}, nil
}

func validKeyExchange(t *testing.T) []byte {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	body, err := json.Marshal(map[string]string{
		"aesKey":    base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")),
		"iv":        base64.StdEncoding.EncodeToString([]byte("fedcba9876543210")),
		"publicKey": base64.StdEncoding.EncodeToString(der),
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func newTestSession(t *testing.T, api API) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		API:        api,
		UserCode:   "80012345",
		RegionCode: 2,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

func authenticatedCredential(t *testing.T) Credential {
	t.Helper()
	cred, err := NewCredential("80012345", 2, "tok-old", "ref-old", "union-1", "9AH1", time.Now())
	if err != nil {
		t.Fatalf("NewCredential failed: %v", err)
	}
	return cred
}

func TestEnsureAuthenticated_AnonymousFails(t *testing.T) {
	s := newTestSession(t, &fakeAPI{})

	_, err := s.EnsureAuthenticated(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
}

func TestPasswordLogin_Success(t *testing.T) {
	api := &fakeAPI{
		keyExchange: validKeyExchange(t),
		loginResult: &LoginResult{Token: "tok-new", RefreshToken: "ref-new", UnionID: "union-1", MdmCode: "9AH1"},
	}
	s := newTestSession(t, api)

	cred, err := s.LoginWithPassword(context.Background(), "13800000000", "hunter2")
	if err != nil {
		t.Fatalf("LoginWithPassword failed: %v", err)
	}
	if cred.AccessToken != "tok-new" || cred.UnionID != "union-1" || cred.MdmCode != "9AH1" {
		t.Errorf("credential incomplete: %+v", cred)
	}
	if s.State() != StateAuthenticated {
		t.Errorf("expected Authenticated, got %s", s.State())
	}
}

func TestPasswordLogin_MissingUnionIDRejected(t *testing.T) {
	api := &fakeAPI{
		keyExchange: validKeyExchange(t),
		loginResult: &LoginResult{Token: "tok-new", RefreshToken: "ref-new", MdmCode: "9AH1"},
	}
	s := newTestSession(t, api)

	_, err := s.LoginWithPassword(context.Background(), "13800000000", "hunter2")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("login with incomplete server response must fail, got %v", err)
	}
	if s.State() == StateAuthenticated {
		t.Error("session must not become Authenticated on an incomplete credential")
	}
}

func TestPasswordLogin_DecryptionFallbackToRefresh(t *testing.T) {
	api := &fakeAPI{
		keyExchange: []byte("garbage, not a key exchange response"),
	}
	s := newTestSession(t, api)
	if err := s.ImportCredential(authenticatedCredential(t)); err != nil {
		t.Fatalf("ImportCredential failed: %v", err)
	}

	cred, err := s.LoginWithPassword(context.Background(), "13800000000", "hunter2")
	if err != nil {
		t.Fatalf("expected fallback to refresh token, got %v", err)
	}
	if api.refreshCalls != 1 {
		t.Errorf("expected exactly one refresh call, got %d", api.refreshCalls)
	}
	if api.loginCalls != 0 {
		t.Errorf("password endpoint must not be hit on fallback, got %d calls", api.loginCalls)
	}
	// Union id carried over from the stored credential.
	if cred.UnionID != "union-1" {
		t.Errorf("expected union id preserved through refresh, got %q", cred.UnionID)
	}
}

func TestPasswordLogin_DecryptionFailureNoRefreshToken(t *testing.T) {
	api := &fakeAPI{keyExchange: []byte("garbage")}
	s := newTestSession(t, api)

	_, err := s.LoginWithPassword(context.Background(), "13800000000", "hunter2")
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
}

func TestRecoverUnauthorized_RefreshesOnce(t *testing.T) {
	api := &fakeAPI{
		refreshResults: []*LoginResult{{Token: "tok-new", RefreshToken: "ref-new"}},
	}
	s := newTestSession(t, api)
	if err := s.ImportCredential(authenticatedCredential(t)); err != nil {
		t.Fatalf("ImportCredential failed: %v", err)
	}

	cred, err := s.RecoverUnauthorized(context.Background(), "tok-old")
	if err != nil {
		t.Fatalf("RecoverUnauthorized failed: %v", err)
	}
	if cred.AccessToken != "tok-new" {
		t.Errorf("expected new token, got %q", cred.AccessToken)
	}
	if cred.UnionID != "union-1" || cred.MdmCode != "9AH1" {
		t.Errorf("refresh must never drop identifier fields: %+v", cred)
	}
	if s.State() != StateAuthenticated {
		t.Errorf("expected Authenticated after refresh, got %s", s.State())
	}
}

func TestRecoverUnauthorized_SecondCallerSkipsRefresh(t *testing.T) {
	api := &fakeAPI{
		refreshResults: []*LoginResult{{Token: "tok-new", RefreshToken: "ref-new"}},
	}
	s := newTestSession(t, api)
	if err := s.ImportCredential(authenticatedCredential(t)); err != nil {
		t.Fatalf("ImportCredential failed: %v", err)
	}

	if _, err := s.RecoverUnauthorized(context.Background(), "tok-old"); err != nil {
		t.Fatalf("first recover failed: %v", err)
	}
	// Second caller still holds the stale token; it must get the already
	// refreshed credential without a second network refresh.
	cred, err := s.RecoverUnauthorized(context.Background(), "tok-old")
	if err != nil {
		t.Fatalf("second recover failed: %v", err)
	}
	if cred.AccessToken != "tok-new" {
		t.Errorf("expected converged token, got %q", cred.AccessToken)
	}
	if api.refreshCalls != 1 {
		t.Errorf("overlapping 401s must trigger exactly one refresh, got %d", api.refreshCalls)
	}
}

func TestRecoverUnauthorized_RefreshFailureExpires(t *testing.T) {
	api := &fakeAPI{refreshErr: errors.New("server said no")}
	s := newTestSession(t, api)
	if err := s.ImportCredential(authenticatedCredential(t)); err != nil {
		t.Fatalf("ImportCredential failed: %v", err)
	}

	_, err := s.RecoverUnauthorized(context.Background(), "tok-old")
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
	if s.State() != StateExpired {
		t.Errorf("expected Expired after failed refresh, got %s", s.State())
	}

	// Expired sessions recover through EnsureAuthenticated once the server
	// accepts the refresh token again.
	api.refreshErr = nil
	cred, err := s.EnsureAuthenticated(context.Background())
	if err != nil {
		t.Fatalf("EnsureAuthenticated after recovery failed: %v", err)
	}
	if s.State() != StateAuthenticated || cred.AccessToken == "tok-old" {
		t.Errorf("expected fresh Authenticated credential, got %+v in %s", cred, s.State())
	}
}

func TestQRFlow_PendingThenConfirmed(t *testing.T) {
	api := &fakeAPI{qrLoginID: "login-1", qrCodeURL: "https://example.com/qr.png"}
	s := newTestSession(t, api)

	qr, err := s.BeginQRLogin(context.Background())
	if err != nil {
		t.Fatalf("BeginQRLogin failed: %v", err)
	}
	if qr.LoginID != "login-1" || qr.QRCodeURL == "" {
		t.Errorf("unexpected QR login %+v", qr)
	}
	if s.State() != StateAwaitingQRScan {
		t.Errorf("expected AwaitingQRScan, got %s", s.State())
	}

	// Not scanned yet: pending, state unchanged.
	status, err := s.PollQRStatus(context.Background(), "login-1")
	if err != nil {
		t.Fatalf("PollQRStatus failed: %v", err)
	}
	if status != QRPending {
		t.Errorf("expected pending, got %v", status)
	}
	if s.State() != StateAwaitingQRScan {
		t.Errorf("pending poll changed state to %s", s.State())
	}

	api.qrResult = &LoginResult{Token: "tok-qr", RefreshToken: "ref-qr", UnionID: "union-qr", MdmCode: "9AH1"}
	status, err = s.PollQRStatus(context.Background(), "login-1")
	if err != nil {
		t.Fatalf("PollQRStatus failed: %v", err)
	}
	if status != QRConfirmed {
		t.Errorf("expected confirmed, got %v", status)
	}
	cred, err := s.ExportCredential()
	if err != nil {
		t.Fatalf("ExportCredential failed: %v", err)
	}
	if cred.UnionID != "union-qr" {
		t.Errorf("qr login must set the union id, got %+v", cred)
	}
}

func TestQRFlow_ExpiresAfterTTL(t *testing.T) {
	api := &fakeAPI{qrLoginID: "login-1"}
	s := newTestSession(t, api)

	if _, err := s.BeginQRLogin(context.Background()); err != nil {
		t.Fatalf("BeginQRLogin failed: %v", err)
	}

	origNow := nowFunc
	defer func() { nowFunc = origNow }()
	nowFunc = func() time.Time { return origNow().Add(DefaultQRTTL + time.Second) }

	_, err := s.PollQRStatus(context.Background(), "login-1")
	if !errors.Is(err, ErrQRCodeExpired) {
		t.Errorf("expected ErrQRCodeExpired, got %v", err)
	}
	if s.State() != StateAnonymous {
		t.Errorf("expired QR session must reset to Anonymous, got %s", s.State())
	}
}

func TestPollQRStatus_WithoutBegin(t *testing.T) {
	s := newTestSession(t, &fakeAPI{})

	_, err := s.PollQRStatus(context.Background(), "login-1")
	if !errors.Is(err, ErrNoPendingQRLogin) {
		t.Errorf("expected ErrNoPendingQRLogin, got %v", err)
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	s := newTestSession(t, &fakeAPI{})
	cred := authenticatedCredential(t)

	if err := s.ImportCredential(cred); err != nil {
		t.Fatalf("ImportCredential failed: %v", err)
	}
	exported, err := s.ExportCredential()
	if err != nil {
		t.Fatalf("ExportCredential failed: %v", err)
	}
	if exported != cred {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", exported, cred)
	}
	if s.State() != StateAuthenticated {
		t.Errorf("import must authenticate the session, got %s", s.State())
	}
}

func TestImportCredential_RejectsIncomplete(t *testing.T) {
	s := newTestSession(t, &fakeAPI{})

	err := s.ImportCredential(Credential{UserCode: "80012345", AccessToken: "tok"})
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication for incomplete blob, got %v", err)
	}
	if s.State() != StateAnonymous {
		t.Errorf("failed import must not change state, got %s", s.State())
	}
}
