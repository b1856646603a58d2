package gasapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrAPI marks a response the server delivered but rejected: an envelope
// with success=false, a malformed body, or an unexpected status code.
var ErrAPI = errors.New("api rejected request")

// errUnauthorized is returned on 401/403 so the account client can run its
// refresh-and-replay path. Never surfaced to callers directly.
var errUnauthorized = errors.New("token rejected")

// envelope is the uniform response wrapper every endpoint uses. Read
// endpoints set successWithData, mutations set success.
type envelope struct {
	Success         bool            `json:"success"`
	SuccessWithData bool            `json:"successWithData"`
	Message         string          `json:"message"`
	Data            json.RawMessage `json:"data"`
}

// decodeEnvelope parses a response body into its data payload. A handful
// of endpoints base64-encode the entire body; anything not starting with
// '{' is decoded first.
func decodeEnvelope(body []byte) (json.RawMessage, error) {
	raw := bytes.TrimSpace(body)
	if len(raw) > 0 && raw[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: body is neither JSON nor base64", ErrAPI)
		}
		raw = decoded
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrAPI, err)
	}
	if !env.Success && !env.SuccessWithData {
		msg := env.Message
		if msg == "" {
			msg = "no message"
		}
		return nil, fmt.Errorf("%w: %s", ErrAPI, msg)
	}
	return env.Data, nil
}

// unwrapData handles the second base64 layer some endpoints put around the
// data field itself: a JSON string whose contents are base64-encoded JSON.
func unwrapData(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 || data[0] != '"' {
		return data, nil
	}
	var wrapped string
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: malformed data wrapper: %v", ErrAPI, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64", ErrAPI)
	}
	return decoded, nil
}

// apiFloat tolerates the server's habit of quoting numbers. Empty strings
// and null decode to zero.
type apiFloat float64

func (f *apiFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = apiFloat(v)
	return nil
}
