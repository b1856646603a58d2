package gasapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/septivank/gas-metering-client/internal/auth"
	"github.com/septivank/gas-metering-client/internal/transport"
)

// API paths. Endpoints under /open/ accept anonymous calls; everything
// under /close/ requires a bearer token.
const (
	pathCreateQRCode  = "/api/v1/open/wechat/createQRCode"
	pathCheckQRStatus = "/api/v1/open/wechat/checkQRCodeStatus"
	pathSecretKey     = "/api/v1/open/user/getSecretKey"
	pathPasswordLogin = "/api/v1/open/user/passwordLogin"
	pathRefreshToken  = "/api/v1/open/user/refreshToken"
	pathUserDebt      = "/api/v1/open/recharge/getUserDebtByUserCode"
	pathDailyRecords  = "/api/v1/close/recharge/smartMeterGasDaysRecords/%s/%s"
	pathMonthlyTotal  = "/api/v1/close/recharge/getMonthlyTotalGasVolume"
)

// Client is the raw wire client for the metering API. It speaks the
// envelope protocol and implements the auth.API endpoint set; it holds no
// credential state.
type Client struct {
	tr     *transport.Client
	logger *zap.Logger
}

// NewClient wraps a transport client.
func NewClient(tr *transport.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{tr: tr, logger: logger}
}

// call runs one request and decodes the envelope. 401/403 map to
// errUnauthorized, every other non-200 status to ErrAPI.
func (c *Client) call(ctx context.Context, method, path string, payload any, token string, idempotent bool) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	status, respBody, err := c.tr.Execute(ctx, method, path, body, token, idempotent)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", errUnauthorized, status)
	case status != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrAPI, status)
	}
	return decodeEnvelope(respBody)
}

// loginPayload is the token material shape shared by the QR confirm,
// password login and refresh responses.
type loginPayload struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	UnionID      string `json:"unionId"`
	MdmCode      string `json:"mdmCode"`
}

func (p *loginPayload) result() *auth.LoginResult {
	return &auth.LoginResult{
		Token:        p.Token,
		RefreshToken: p.RefreshToken,
		UnionID:      p.UnionID,
		MdmCode:      p.MdmCode,
	}
}

// CreateLoginQRCode mints a QR login session on the server.
func (c *Client) CreateLoginQRCode(ctx context.Context) (string, string, error) {
	data, err := c.call(ctx, http.MethodPost, pathCreateQRCode, nil, "", false)
	if err != nil {
		return "", "", err
	}

	var payload struct {
		LoginID   string `json:"loginId"`
		QRCodeURL string `json:"qrCodeUrl"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", "", fmt.Errorf("%w: malformed qr code payload: %v", ErrAPI, err)
	}
	if payload.LoginID == "" {
		return "", "", fmt.Errorf("%w: qr code response has no login id", ErrAPI)
	}
	return payload.LoginID, payload.QRCodeURL, nil
}

// CheckQRCodeStatus polls a pending QR login once. A nil result means the
// code has not been scanned and confirmed yet.
func (c *Client) CheckQRCodeStatus(ctx context.Context, loginID string) (*auth.LoginResult, error) {
	data, err := c.call(ctx, http.MethodPost, pathCheckQRStatus,
		map[string]string{"loginId": loginID}, "", true)
	if err != nil {
		return nil, err
	}

	var payload loginPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed qr status payload: %v", ErrAPI, err)
	}
	if payload.Token == "" {
		return nil, nil
	}
	return payload.result(), nil
}

// FetchKeyExchange returns the raw key exchange body for the secret
// package to parse.
func (c *Client) FetchKeyExchange(ctx context.Context) ([]byte, error) {
	data, err := c.call(ctx, http.MethodGet, pathSecretKey, nil, "", true)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PasswordLogin submits the encrypted login parameter envelope.
func (c *Client) PasswordLogin(ctx context.Context, encryptedParams string) (*auth.LoginResult, error) {
	data, err := c.call(ctx, http.MethodPost, pathPasswordLogin,
		map[string]string{"params": encryptedParams}, "", false)
	if err != nil {
		return nil, err
	}

	var payload loginPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed login payload: %v", ErrAPI, err)
	}
	return payload.result(), nil
}

// RefreshToken exchanges a refresh token for fresh token material. The
// server rotates the refresh token, so the call is never replayed.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*auth.LoginResult, error) {
	data, err := c.call(ctx, http.MethodPost, pathRefreshToken,
		map[string]string{"refreshToken": refreshToken}, "", false)
	if err != nil {
		return nil, err
	}

	var payload loginPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed refresh payload: %v", ErrAPI, err)
	}
	return payload.result(), nil
}
