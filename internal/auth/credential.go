package auth

import (
	"fmt"
	"time"
)

// Credential is the complete authenticated identity for one account. It
// is immutable once built and only ever replaced as a whole, so a
// half-updated credential cannot be observed.
type Credential struct {
	UserCode     string    `json:"userCode"`
	RegionCode   int       `json:"regionCode"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	UnionID      string    `json:"unionId"`
	MdmCode      string    `json:"mdmCode"`
	IssuedAt     time.Time `json:"issuedAt"`
	// ExpiresAt is server-opaque and may be zero when the server does not
	// announce an expiry.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// NewCredential is the only way a Credential comes into existence. Every
// required field must be present; a login path that forgets the union
// identifier fails here instead of producing a partially initialized
// session.
func NewCredential(userCode string, regionCode int, accessToken, refreshToken, unionID, mdmCode string, issuedAt time.Time) (Credential, error) {
	switch {
	case userCode == "":
		return Credential{}, fmt.Errorf("%w: missing user code", ErrAuthentication)
	case accessToken == "":
		return Credential{}, fmt.Errorf("%w: missing access token", ErrAuthentication)
	case refreshToken == "":
		return Credential{}, fmt.Errorf("%w: missing refresh token", ErrAuthentication)
	case unionID == "":
		return Credential{}, fmt.Errorf("%w: missing union id", ErrAuthentication)
	case mdmCode == "":
		return Credential{}, fmt.Errorf("%w: missing mdm code", ErrAuthentication)
	case issuedAt.IsZero():
		return Credential{}, fmt.Errorf("%w: missing issue time", ErrAuthentication)
	}
	return Credential{
		UserCode:     userCode,
		RegionCode:   regionCode,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UnionID:      unionID,
		MdmCode:      mdmCode,
		IssuedAt:     issuedAt,
	}, nil
}
