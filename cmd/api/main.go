package main

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/peertesthub/backend/internal/config"
	"github.com/peertesthub/backend/internal/db"
	"github.com/peertesthub/backend/internal/handlers"
	"github.com/peertesthub/backend/internal/middleware"
	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/realtime"
	"github.com/peertesthub/backend/internal/services/bidding"
	"github.com/peertesthub/backend/internal/services/mailer"
	"github.com/peertesthub/backend/internal/services/payments"
	"github.com/peertesthub/backend/internal/services/stripe"
	"github.com/peertesthub/backend/internal/services/submissions"
	"github.com/peertesthub/backend/internal/services/wallet"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal(err)
	}

	if err := gdb.AutoMigrate(
		&models.User{},
		&models.Project{},
		&models.Job{},
		&models.JobRole{},
		&models.Item{},
		&models.Bid{},
		&models.Submission{},
		&models.Transaction{},
		&models.WalletTransaction{},
	); err != nil {
		log.Fatal(err)
	}

	rdb := realtime.NewRedis()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Println("Redis unreachable, realtime fan-out limited to this instance:", err)
		rdb = nil
	}

	hub := realtime.NewHub()
	go hub.Run()

	notifier := realtime.NewNotifier(hub, rdb)
	go notifier.RunBridge(context.Background())

	stripeSvc := stripe.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	mailSvc := mailer.NewMailerService(cfg.MailerAPIKey, cfg.MailFrom)
	walletSvc := wallet.NewWalletService(gdb)
	subsSvc := submissions.NewSubmissionService(gdb, walletSvc, stripeSvc)
	biddingSvc := bidding.NewBiddingService(gdb, cfg.AutoRejectCompeting)
	paySvc := payments.NewPaymentService(gdb, stripeSvc, subsSvc)

	authH := handlers.NewAuthHandler(gdb, rdb, mailSvc, cfg)
	githubH := &handlers.GitHubOAuthHandler{
		DB:              gdb,
		JWTSecret:       cfg.JWTSecret,
		Expires:         cfg.JWTExpiresMin,
		ClientID:        cfg.GitHubClientID,
		ClientSecret:    cfg.GitHubSecret,
		RedirectURL:     cfg.GitHubRedirect,
		FrontendBaseURL: cfg.FrontendBaseURL,
	}
	projectH := handlers.NewProjectHandler(gdb)
	jobH := handlers.NewJobHandler(gdb, paySvc, subsSvc)
	bidH := handlers.NewBidHandler(gdb, biddingSvc, paySvc, notifier, mailSvc)
	subH := handlers.NewSubmissionHandler(gdb, subsSvc, notifier, mailSvc, cfg.UploadDir)
	payH := handlers.NewPaymentHandler(gdb, stripeSvc, paySvc, cfg.AppBaseURL)
	dashH := handlers.NewDashboardHandler(gdb)
	statsH := handlers.NewStatsHandler(gdb)
	wsH := handlers.NewWSHandler(hub, cfg.JWTSecret)

	app := fiber.New(fiber.Config{
		BodyLimit: 256 * 1024 * 1024, // screen recordings
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.FrontendBaseURL,
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		ExposeHeaders:    "Content-Length",
		AllowCredentials: true,
	}))

	app.Static("/uploads", cfg.UploadDir)

	api := app.Group("/api")

	// public
	api.Get("/health", statsH.Health)
	api.Get("/stats", statsH.Public)
	api.Post("/auth/register", authH.Register)
	api.Post("/auth/login", authH.Login)
	api.Post("/auth/refresh", authH.Refresh)
	api.Post("/auth/logout", authH.Logout)
	api.Get("/auth/verify-email", authH.VerifyEmail)
	api.Get("/auth/github/start", githubH.Start)
	api.Get("/auth/github/callback", githubH.Callback)
	api.Post("/payments/webhook", payH.Webhook)

	// protected (bearer JWT)
	protected := api.Group("/",
		middleware.JWTFromBearer(cfg.JWTSecret),
		middleware.AttachJWTLocals(),
	)

	protected.Get("/auth/me", authH.Me)

	// projects (builder only)
	protected.Post("/projects", middleware.RequireRoles("builder"), projectH.Create)
	protected.Get("/projects", middleware.RequireRoles("builder"), projectH.List)
	protected.Get("/projects/:id", projectH.Get)
	protected.Put("/projects/:id", middleware.RequireRoles("builder"), projectH.Update)
	protected.Delete("/projects/:id", middleware.RequireRoles("builder"), projectH.Archive)

	// jobs
	protected.Post("/jobs", middleware.RequireRoles("builder"), jobH.Create)
	protected.Post("/v2/jobs", middleware.RequireRoles("builder"), jobH.CreateStructured)
	protected.Get("/jobs", jobH.List)
	protected.Get("/jobs/:id", jobH.Get)
	protected.Get("/jobs/:id/pricing", jobH.Pricing)
	protected.Post("/jobs/:id/claim", middleware.RequireRoles("tester"), jobH.Claim)
	protected.Post("/jobs/:id/publish-payment", middleware.RequireRoles("builder"), jobH.PublishPayment)

	// bids
	protected.Post("/jobs/:id/bids", middleware.RequireRoles("tester"), bidH.Place)
	protected.Get("/jobs/:id/bids", bidH.ListForJob)
	protected.Get("/bids/mine", middleware.RequireRoles("tester"), bidH.Mine)
	protected.Post("/bids/:id/accept", middleware.RequireRoles("builder"), bidH.Accept)
	protected.Post("/bids/:id/reject", middleware.RequireRoles("builder"), bidH.Reject)
	protected.Delete("/bids/:id", middleware.RequireRoles("tester"), bidH.Withdraw)
	protected.Post("/bids/:id/confirm-payment", middleware.RequireRoles("builder"), bidH.ConfirmPayment)

	// submissions
	protected.Get("/submissions", subH.List)
	protected.Get("/submissions/:id", subH.Get)
	protected.Put("/submissions/:id", middleware.RequireRoles("tester"), subH.UpdateDraft)
	protected.Put("/submissions/:id/video-tags", middleware.RequireRoles("tester"), subH.UpdateVideoTags)
	protected.Post("/submissions/:id/video", middleware.RequireRoles("tester"), subH.UploadVideo)
	protected.Post("/submissions/:id/submit", middleware.RequireRoles("tester"), subH.Submit)
	protected.Post("/submissions/:id/approve", middleware.RequireRoles("builder"), subH.Approve)
	protected.Post("/submissions/:id/reject", middleware.RequireRoles("builder"), subH.Reject)

	// payouts
	protected.Post("/payments/connect/onboard", middleware.RequireRoles("tester"), payH.ConnectOnboard)
	protected.Get("/payments/connect/status", middleware.RequireRoles("tester"), payH.ConnectStatus)

	// dashboard
	protected.Get("/dashboard/stats", dashH.Stats)
	protected.Get("/dashboard/wallet", dashH.Wallet)

	// websocket (auth via query param, browsers cannot set upgrade headers)
	app.Get("/ws/notifications", websocket.New(wsH.Notifications))

	if cfg.ReviewWindowHours > 0 {
		cr := cron.New()
		window := time.Duration(cfg.ReviewWindowHours) * time.Hour
		_, err := cr.AddFunc("@hourly", func() {
			n, err := subsSvc.AutoApproveStale(window)
			if err != nil {
				log.Printf("[AutoApprove] sweep failed: %v", err)
				return
			}
			if n > 0 {
				log.Printf("[AutoApprove] approved %d stale submissions", n)
			}
		})
		if err != nil {
			log.Fatal(err)
		}
		cr.Start()
	}

	log.Fatal(app.Listen(":" + cfg.AppPort))
}
