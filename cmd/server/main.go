package main

import (
	"flag"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"

	"github.com/studycircle/chat-backend/internal/config"
	"github.com/studycircle/chat-backend/internal/handlers"
	"github.com/studycircle/chat-backend/internal/history"
	"github.com/studycircle/chat-backend/internal/httpx"
	"github.com/studycircle/chat-backend/internal/hub"
	"github.com/studycircle/chat-backend/internal/membership"
	"github.com/studycircle/chat-backend/internal/metrics"
	"github.com/studycircle/chat-backend/internal/middleware"
	"github.com/studycircle/chat-backend/internal/models"
	"github.com/studycircle/chat-backend/internal/moderation"
	"github.com/studycircle/chat-backend/internal/storage"
	"github.com/studycircle/chat-backend/internal/validation"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Seed group membership from config.
	members := membership.NewStaticProvider()
	for _, g := range cfg.Groups {
		for _, m := range g.Members {
			role := models.Role(m.Role)
			if !role.Valid() {
				role = models.RoleMember
			}
			name := validation.NormalizeDisplayName(m.Name)
			if !validation.ValidateDisplayName(name) {
				name = m.ID
			}
			members.AddMember(g.ID, m.ID, name, role)
		}
	}

	engine := moderation.NewEngine()
	hist := history.NewStore()
	pending := hub.NewPendingQueue()
	chatHub := hub.NewHub(members, pending)
	defer chatHub.Stop()

	// Initialize S3/MinIO storage (best-effort; media endpoints return 503 if missing)
	var attachments *storage.AttachmentStore
	if cfg.StorageConfigured() {
		if st, err := storage.NewAttachmentStore(cfg.StorageConfig()); err != nil {
			log.Printf("WARNING: Failed to initialize attachment store: %v", err)
		} else {
			attachments = st
			log.Printf("Attachment store initialized (bucket=%s)", cfg.Storage.Bucket)
		}
	} else {
		log.Println("WARNING: attachment store not configured, media endpoints disabled")
	}

	wsHandler := handlers.NewWebSocketHandler(chatHub, members, engine, hist)
	mediaHandler := handlers.NewMediaHandler(attachments, members)
	moderationHandler := handlers.NewModerationHandler(engine, hist)

	app := fiber.New(fiber.Config{
		AppName: "StudyCircle Chat Backend",
		// Attachment uploads up to 10MB + overhead.
		BodyLimit: 12 * 1024 * 1024,
	})

	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, X-User-ID, X-Supports-Gzip",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	api := app.Group("/api", middleware.Identify())
	api.Post(
		"/media",
		limiter.New(limiter.Config{
			Max:        10,
			Expiration: 10 * time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				if uid, err := httpx.LocalString(c, "userID"); err == nil {
					return "media:" + uid
				}
				return c.IP()
			},
		}),
		mediaHandler.Upload,
	)

	group := api.Group("/groups/:id", middleware.RequireGroupMember(members))
	group.Get("/messages", moderationHandler.GetMessages)
	mod := group.Group("/moderation", middleware.RequireModerator())
	mod.Get("/mutes", moderationHandler.GetMutes)
	mod.Get("/deletions", moderationHandler.GetDeletions)

	app.Get("/media/*", mediaHandler.Get)

	// WebSocket route (websocket upgrade needs special handling)
	app.Use(
		"/ws/:id",
		func(c *fiber.Ctx) error {
			userID := c.Get("X-User-ID")
			if userID == "" {
				userID = c.Query("user_id")
			}
			if !validation.ValidateIdentifier(userID) {
				return httpx.Unauthorized(c, "missing_identity", "X-User-ID header or user_id query required")
			}
			groupID := c.Params("id")
			if !members.IsMember(userID, groupID) {
				return httpx.Forbidden(c, "not_a_member", "Not a member of this group")
			}
			c.Locals("userID", userID)
			c.Locals("groupID", groupID)
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		},
	)
	app.Get("/ws/:id", websocket.New(wsHandler.HandleWebSocket))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"connections": chatHub.Count(),
		})
	})

	go metrics.Serve(cfg.MetricsAddr)

	log.Printf("Server starting on %s...", cfg.ListenAddr)
	if err := app.Listen(cfg.ListenAddr); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
