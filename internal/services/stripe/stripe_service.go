// Package stripe is a thin client for the pieces of the Stripe API this
// service actually uses: PaymentIntents for builder charges, Connect
// accounts and Transfers for tester payouts, and webhook signature
// verification. The processor is consumed, never reimplemented.
package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type StripeService struct {
	Client        *http.Client
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

func NewStripeService(secretKey, webhookSecret string) *StripeService {
	return &StripeService{
		Client:        &http.Client{Timeout: 15 * time.Second},
		SecretKey:     secretKey,
		WebhookSecret: webhookSecret,
		BaseURL:       "https://api.stripe.com/v1",
	}
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// postForm sends a form-encoded request the way the Stripe API expects and
// decodes the JSON response into out.
func (s *StripeService) postForm(path string, form url.Values, out interface{}) error {
	req, err := http.NewRequest("POST", s.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("stripe error: %s", apiErr.Error.Message)
		}
		return fmt.Errorf("stripe error: status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %v", err)
	}
	return nil
}

type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
}

// CreatePaymentIntent opens an intent for the given amount in cents. The
// metadata keys come back on the webhook event and are how the callback is
// routed to the right bid or job.
func (s *StripeService) CreatePaymentIntent(amountCents int64, metadata map[string]string) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", "usd")
	form.Set("automatic_payment_methods[enabled]", "true")
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var pi PaymentIntent
	if err := s.postForm("/payment_intents", form, &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

type Transfer struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

// CreateTransfer moves a payout to a connected tester account.
func (s *StripeService) CreateTransfer(amountCents int64, destinationAccount, description string) (*Transfer, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", "usd")
	form.Set("destination", destinationAccount)
	form.Set("description", description)

	var tr Transfer
	if err := s.postForm("/transfers", form, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

type Account struct {
	ID             string `json:"id"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
}

// CreateExpressAccount creates a Connect account for tester payouts.
func (s *StripeService) CreateExpressAccount(email string) (*Account, error) {
	form := url.Values{}
	form.Set("type", "express")
	form.Set("email", email)

	var acct Account
	if err := s.postForm("/accounts", form, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *StripeService) GetAccount(accountID string) (*Account, error) {
	req, err := http.NewRequest("GET", s.BaseURL+"/accounts/"+accountID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.SecretKey)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("stripe error: status %d", resp.StatusCode)
	}

	var acct Account
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("failed to parse response: %v", err)
	}
	return &acct, nil
}

type AccountLink struct {
	URL string `json:"url"`
}

// CreateAccountLink returns the hosted onboarding URL for a Connect account.
func (s *StripeService) CreateAccountLink(accountID, refreshURL, returnURL string) (*AccountLink, error) {
	form := url.Values{}
	form.Set("account", accountID)
	form.Set("refresh_url", refreshURL)
	form.Set("return_url", returnURL)
	form.Set("type", "account_onboarding")

	var link AccountLink
	if err := s.postForm("/account_links", form, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// ValidateSignature checks a Stripe-Signature header against the raw webhook
// body. Stripe signs "t.payload" with the webhook secret:
// Stripe-Signature: t=<unix>,v1=<hmac-sha256 hex>[,v1=...]
func (s *StripeService) ValidateSignature(header, body string) bool {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == "" || len(sigs) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.WebhookSecret))
	mac.Write([]byte(ts + "." + body))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return true
		}
	}
	return false
}

// SignTestHeader builds a valid Stripe-Signature header for the given body,
// used by webhook tests.
func (s *StripeService) SignTestHeader(body string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.WebhookSecret))
	mac.Write([]byte(ts + "." + body))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
