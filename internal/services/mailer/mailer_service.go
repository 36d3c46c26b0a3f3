// Package mailer sends transactional email through an HTTP delivery API.
// Delivery failures are logged and reported, never fatal to the request that
// triggered them.
package mailer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type MailerService struct {
	Client *http.Client
	APIKey string
	From   string
	BaseURL string
}

func NewMailerService(apiKey, from string) *MailerService {
	return &MailerService{
		Client:  &http.Client{Timeout: 10 * time.Second},
		APIKey:  apiKey,
		From:    from,
		BaseURL: "https://api.resend.com",
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (m *MailerService) Send(to, subject, html string) error {
	if m.APIKey == "" {
		// mailer not configured; treat as a no-op in dev
		return nil
	}

	body, _ := json.Marshal(sendRequest{
		From:    m.From,
		To:      []string{to},
		Subject: subject,
		HTML:    html,
	})

	req, err := http.NewRequest("POST", m.BaseURL+"/emails", bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mailer error: status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (m *MailerService) SendVerification(to, verifyURL string) error {
	html := fmt.Sprintf(`<p>Welcome to PeerTest Hub!</p><p>Verify your email: <a href="%s">%s</a></p>`, verifyURL, verifyURL)
	return m.Send(to, "Verify your PeerTest Hub account", html)
}

func (m *MailerService) SendBidAccepted(to, jobTitle string) error {
	html := fmt.Sprintf(`<p>Your bid on <strong>%s</strong> was accepted. You'll be notified once payment is confirmed and your submissions are ready.</p>`, jobTitle)
	return m.Send(to, "Your bid was accepted", html)
}

func (m *MailerService) SendSubmissionReviewed(to, jobTitle, outcome string) error {
	html := fmt.Sprintf(`<p>Your submission for <strong>%s</strong> was %s.</p>`, jobTitle, outcome)
	return m.Send(to, "Submission "+outcome, html)
}
