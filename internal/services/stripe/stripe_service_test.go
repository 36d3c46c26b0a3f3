package stripe

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestValidateSignature(t *testing.T) {
	svc := NewStripeService("sk_test", "whsec_test")
	body := `{"type":"payment_intent.succeeded"}`

	header := svc.SignTestHeader(body, time.Now())
	if !svc.ValidateSignature(header, body) {
		t.Fatalf("valid signature rejected")
	}

	if svc.ValidateSignature(header, body+" ") {
		t.Errorf("tampered body accepted")
	}

	other := NewStripeService("sk_test", "whsec_other")
	if other.ValidateSignature(header, body) {
		t.Errorf("signature from a different secret accepted")
	}

	if svc.ValidateSignature("", body) {
		t.Errorf("empty header accepted")
	}
	if svc.ValidateSignature("t=123", body) {
		t.Errorf("header without v1 accepted")
	}
}

func TestCreatePaymentIntent(t *testing.T) {
	var gotPath, gotAuth string
	var gotForm map[string][]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		r.ParseForm()
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":            "pi_123",
			"client_secret": "pi_123_secret",
			"amount":        3450,
			"status":        "requires_payment_method",
		})
	}))
	defer server.Close()

	svc := NewStripeService("sk_test", "whsec_test")
	svc.BaseURL = server.URL

	pi, err := svc.CreatePaymentIntent(3450, map[string]string{"bid_id": "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pi.ID != "pi_123" || pi.ClientSecret != "pi_123_secret" {
		t.Errorf("intent = %+v", pi)
	}
	if gotPath != "/payment_intents" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer sk_test" {
		t.Errorf("auth = %s", gotAuth)
	}
	if got := gotForm["amount"]; len(got) != 1 || got[0] != "3450" {
		t.Errorf("amount form field = %v", got)
	}
	if got := gotForm["metadata[bid_id]"]; len(got) != 1 || got[0] != "abc" {
		t.Errorf("metadata form field = %v", got)
	}
}

func TestAPIErrorSurfacesMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{
				"type":    "card_error",
				"code":    "card_declined",
				"message": "Your card was declined.",
			},
		})
	}))
	defer server.Close()

	svc := NewStripeService("sk_test", "whsec_test")
	svc.BaseURL = server.URL

	_, err := svc.CreatePaymentIntent(1000, nil)
	if err == nil || !strings.Contains(err.Error(), "Your card was declined.") {
		t.Fatalf("expected the api message to surface, got %v", err)
	}
}
