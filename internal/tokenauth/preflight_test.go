package tokenauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewValidatorFetchesJWKS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()

	v, err := NewValidator(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("NewValidator returned error: %v", err)
	}
	defer v.Close()
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()

	v, err := NewValidator(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("NewValidator returned error: %v", err)
	}
	defer v.Close()

	if _, err := v.Validate("not-a-jwt"); err == nil {
		t.Fatal("expected error validating a malformed token")
	}
}

func TestValidateRejectsUnknownKeyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()

	v, err := NewValidator(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("NewValidator returned error: %v", err)
	}
	defer v.Close()

	// A syntactically valid but unsigned-by-anything-we-know JWT; the
	// empty key set guarantees key lookup fails.
	fakeJWT := "eyJhbGciOiJSUzI1NiIsInR5cCI6IkpXVCJ9." +
		"eyJzdWIiOiJhZ2VudC0xIn0." +
		"c2lnbmF0dXJl"
	if _, err := v.Validate(fakeJWT); err == nil {
		t.Fatal("expected error validating a token with no matching JWKS key")
	}
}
