package gasapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeEnvelope_PlainJSON(t *testing.T) {
	data, err := decodeEnvelope([]byte(`{"successWithData":true,"data":{"token":"abc"}}`))
	if err != nil {
		t.Fatalf("decodeEnvelope failed: %v", err)
	}
	if !strings.Contains(string(data), `"token":"abc"`) {
		t.Errorf("unexpected data: %s", data)
	}
}

func TestDecodeEnvelope_Base64Body(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(
		[]byte(`{"success":true,"data":{"loginId":"qr-1"}}`))

	data, err := decodeEnvelope([]byte(encoded))
	if err != nil {
		t.Fatalf("decodeEnvelope failed on base64 body: %v", err)
	}
	if !strings.Contains(string(data), "qr-1") {
		t.Errorf("unexpected data: %s", data)
	}
}

func TestDecodeEnvelope_Failure(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"success":false,"message":"user not found"}`))
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("expected ErrAPI, got %v", err)
	}
	if !strings.Contains(err.Error(), "user not found") {
		t.Errorf("error must carry the server message, got %v", err)
	}
}

func TestDecodeEnvelope_Garbage(t *testing.T) {
	if _, err := decodeEnvelope([]byte("not base64 ???")); !errors.Is(err, ErrAPI) {
		t.Errorf("expected ErrAPI for undecodable body, got %v", err)
	}
}

func TestUnwrapData_Base64String(t *testing.T) {
	inner := `{"rateItemInfo":[]}`
	wrapped, _ := json.Marshal(base64.StdEncoding.EncodeToString([]byte(inner)))

	data, err := unwrapData(wrapped)
	if err != nil {
		t.Fatalf("unwrapData failed: %v", err)
	}
	if string(data) != inner {
		t.Errorf("got %s, want %s", data, inner)
	}
}

func TestUnwrapData_ObjectPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	data, err := unwrapData(raw)
	if err != nil {
		t.Fatalf("unwrapData failed: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("object data must pass through untouched, got %s", data)
	}
}

func TestAPIFloat(t *testing.T) {
	var payload struct {
		Quoted apiFloat `json:"quoted"`
		Bare   apiFloat `json:"bare"`
		Empty  apiFloat `json:"empty"`
	}
	err := json.Unmarshal([]byte(`{"quoted":"3.56","bare":2.97,"empty":""}`), &payload)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if payload.Quoted != 3.56 || payload.Bare != 2.97 || payload.Empty != 0 {
		t.Errorf("unexpected values: %+v", payload)
	}

	if err := json.Unmarshal([]byte(`{"quoted":"abc"}`), &payload); err == nil {
		t.Error("expected error for non-numeric string")
	}
}
