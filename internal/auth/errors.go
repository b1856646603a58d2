package auth

import "errors"

var (
	// ErrAuthentication is returned when login or refresh is rejected by
	// the server. User action is required; the caller must not retry
	// blindly.
	ErrAuthentication = errors.New("authentication rejected")

	// ErrQRCodeExpired is returned when a QR login session is polled past
	// its TTL. The caller must start a new QR flow.
	ErrQRCodeExpired = errors.New("qr code expired")

	// ErrNoCredential is returned when an operation needs a stored
	// credential (refresh, export) and none exists.
	ErrNoCredential = errors.New("no stored credential")

	// ErrNoPendingQRLogin is returned when PollQRStatus is called without
	// a preceding BeginQRLogin.
	ErrNoPendingQRLogin = errors.New("no pending qr login")
)
