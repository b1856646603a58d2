package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecryption marks any failure while parsing the key exchange response
// or decrypting server-delivered material. It is a soft failure: callers
// fall back to an alternate authentication path instead of aborting.
var ErrDecryption = errors.New("decryption failed")

// keyExchangeResponse is the JSON body returned by the key exchange
// endpoint. All fields are base64 encoded; the public key is DER (PKIX).
type keyExchangeResponse struct {
	AESKey    string `json:"aesKey"`
	IV        string `json:"iv"`
	PublicKey string `json:"publicKey"`
}

// KeySet holds the server-issued encryption material for one login
// attempt. Parameters travel AES-CBC encrypted with zero padding, the
// password itself is RSA encrypted with the server public key.
type KeySet struct {
	aesKey []byte
	iv     []byte
	rsaPub *rsa.PublicKey
}

// ParseKeyExchange builds a KeySet from the raw key exchange response body.
func ParseKeyExchange(data []byte) (*KeySet, error) {
	var resp keyExchangeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed key exchange response: %v", ErrDecryption, err)
	}

	aesKey, err := base64.StdEncoding.DecodeString(resp.AESKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad aes key encoding: %v", ErrDecryption, err)
	}
	switch len(aesKey) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: aes key length %d", ErrDecryption, len(aesKey))
	}

	iv, err := base64.StdEncoding.DecodeString(resp.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv encoding: %v", ErrDecryption, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv length %d", ErrDecryption, len(iv))
	}

	der, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key encoding: %v", ErrDecryption, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key: %v", ErrDecryption, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrDecryption)
	}

	return &KeySet{aesKey: aesKey, iv: iv, rsaPub: rsaPub}, nil
}

// EncryptParams serializes v to JSON, pads it with NUL bytes to the AES
// block size and returns the base64 form of the AES-CBC ciphertext.
func (k *KeySet) EncryptParams(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}

	block, err := aes.NewCipher(k.aesKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	if pad := len(plain) % aes.BlockSize; pad != 0 {
		plain = append(plain, bytes.Repeat([]byte{0}, aes.BlockSize-pad)...)
	}

	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, k.iv).CryptBlocks(out, plain)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptParams reverses EncryptParams: base64 decode, AES-CBC decrypt,
// strip the NUL padding and verify the result is JSON.
func (k *KeySet) DecryptParams(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: bad blob encoding: %v", ErrDecryption, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: blob length %d", ErrDecryption, len(raw))
	}

	block, err := aes.NewCipher(k.aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, k.iv).CryptBlocks(plain, raw)
	plain = bytes.TrimRight(plain, "\x00")

	if !json.Valid(plain) {
		return nil, fmt.Errorf("%w: decrypted payload is not JSON", ErrDecryption)
	}
	return plain, nil
}

// EncryptCredential encrypts the password with the server RSA public key
// (PKCS#1 v1.5) and returns it base64 encoded.
func (k *KeySet) EncryptCredential(password string) (string, error) {
	enc, err := rsa.EncryptPKCS1v15(rand.Reader, k.rsaPub, []byte(password))
	if err != nil {
		return "", fmt.Errorf("%w: rsa encrypt: %v", ErrDecryption, err)
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}
