package config

import (
	"os"
	"strconv"
)

type Config struct {
	AppPort       string
	DBDSN         string
	JWTSecret     string
	JWTExpiresMin int
	// RefreshExpiresMin bounds the opaque refresh tokens kept in Redis.
	RefreshExpiresMin int

	GitHubClientID string
	GitHubSecret   string
	GitHubRedirect string

	StripeSecretKey     string
	StripeWebhookSecret string

	MailerAPIKey string
	MailFrom     string

	UploadDir       string
	AppBaseURL      string
	FrontendBaseURL string

	// AutoRejectCompeting: when a bid is accepted, reject all competing
	// pending bids on overlapping scopes instead of leaving them for audit.
	AutoRejectCompeting bool

	// ReviewWindowHours: submitted submissions older than this are
	// auto-approved by the background sweep. 0 disables the sweep.
	ReviewWindowHours int
}

func Load() Config {
	expires, _ := strconv.Atoi(get("JWT_EXPIRES_MIN", "60"))
	refresh, _ := strconv.Atoi(get("REFRESH_EXPIRES_MIN", "10080"))
	reviewWindow, _ := strconv.Atoi(get("REVIEW_WINDOW_HOURS", "168"))
	return Config{
		AppPort:           get("APP_PORT", "8080"),
		DBDSN:             must("DB_DSN"),
		JWTSecret:         must("JWT_SECRET"),
		JWTExpiresMin:     expires,
		RefreshExpiresMin: refresh,

		GitHubClientID: get("GITHUB_CLIENT_ID", ""),
		GitHubSecret:   get("GITHUB_CLIENT_SECRET", ""),
		GitHubRedirect: get("GITHUB_REDIRECT_URL", ""),

		StripeSecretKey:     get("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET", ""),

		MailerAPIKey: get("MAILER_API_KEY", ""),
		MailFrom:     get("MAIL_FROM", "no-reply@peertesthub.dev"),

		UploadDir:       get("UPLOAD_DIR", "./uploads"),
		AppBaseURL:      get("APP_BASE_URL", ""),
		FrontendBaseURL: get("FRONTEND_BASE_URL", "http://localhost:5008"),

		AutoRejectCompeting: get("AUTO_REJECT_COMPETING_BIDS", "false") == "true",
		ReviewWindowHours:   reviewWindow,
	}
}

func get(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
func must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic("missing env: " + k)
	}
	return v
}
