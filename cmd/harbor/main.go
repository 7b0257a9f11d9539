package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor-server/internal/api"
	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/channel"
	"github.com/harborchat/harbor-server/internal/config"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/gateway"
	"github.com/harborchat/harbor-server/internal/guild"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/internal/invite"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/message"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/internal/postgres"
	"github.com/harborchat/harbor-server/internal/presence"
	"github.com/harborchat/harbor-server/internal/role"
	"github.com/harborchat/harbor-server/internal/user"
	"github.com/harborchat/harbor-server/internal/valkey"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Harbor Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx := context.Background()

	ids, err := snowflake.NewGenerator(cfg.SnowflakeEpochMS, cfg.SnowflakeWorker)
	if err != nil {
		return fmt.Errorf("create snowflake generator: %w", err)
	}

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("Valkey connected")

	// Repositories
	userRepo := user.NewPGRepository(db, log.Logger)
	guildRepo := guild.NewPGRepository(db, log.Logger)
	channelRepo := channel.NewPGRepository(db, log.Logger)
	roleRepo := role.NewPGRepository(db, log.Logger)
	memberRepo := member.NewPGRepository(db, log.Logger)
	messageRepo := message.NewPGRepository(db, log.Logger)
	inviteRepo := invite.NewPGRepository(db, log.Logger)

	// Permission engine
	permStore := permission.NewPGStore(db)
	permCache := permission.NewValkeyCache(rdb)
	resolver := permission.NewResolver(permStore, permCache, log.Logger)

	// Cross-process cache invalidation subscriber with reconnection.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	permSub := permission.NewSubscriber(permCache, rdb)
	go func() {
		for {
			if err := permSub.Run(subCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("Permission cache subscriber stopped, restarting in 5s")
				select {
				case <-subCtx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			return
		}
	}()

	// Event fan-out and presence
	bus := eventbus.NewPublisher(rdb, log.Logger)
	presenceStore := presence.NewStore(rdb)

	// Gateway hub
	sessions := gateway.NewSessionStore(rdb, cfg.GatewayResumeTTL, cfg.GatewayReplayBufferSize)
	hub := gateway.NewHub(rdb, cfg, sessions, resolver, userRepo, guildRepo, channelRepo, roleRepo,
		memberRepo, presenceStore, bus, log.Logger)
	go func() {
		for {
			if err := hub.Run(subCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("Gateway bus subscriber stopped, restarting in 5s")
				select {
				case <-subCtx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			return
		}
	}()

	authService := auth.NewService(userRepo, rdb, ids, cfg, log.Logger)

	app := fiber.New(fiber.Config{
		AppName: "Harbor",
		// ErrorHandler catches errors that bypass the handlers' own mapping (e.g. Fiber's built-in 404/405).
		// errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := apierrors.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				apiCode = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    apiCode,
					Message: message,
				},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  []string{cfg.CORSAllowOrigins},
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	registerRoutes(app, cfg, routeDeps{
		health:   &api.HealthHandler{DB: db, Valkey: rdb},
		gateway:  api.NewGatewayHandler(hub),
		auth:     api.NewAuthHandler(authService, hub, log.Logger),
		users:    api.NewUserHandler(userRepo, bus, log.Logger),
		totp:     api.NewTOTPHandler(userRepo, "Harbor", log.Logger),
		guilds:   api.NewGuildHandler(cfg, ids, guildRepo, channelRepo, roleRepo, memberRepo, presenceStore, resolver, bus, log.Logger),
		channels: api.NewChannelHandler(ids, channelRepo, memberRepo, userRepo, resolver, bus, log.Logger),
		roles:    api.NewRoleHandler(ids, roleRepo, resolver, permCache, bus, log.Logger),
		members:  api.NewMemberHandler(guildRepo, memberRepo, roleRepo, resolver, permCache, bus, log.Logger),
		messages: api.NewMessageHandler(cfg, ids, channelRepo, memberRepo, messageRepo, resolver, presenceStore, bus, log.Logger),
		typing:   api.NewTypingHandler(channelRepo, memberRepo, resolver, presenceStore, bus, log.Logger),
		invites:  api.NewInviteHandler(cfg, inviteRepo, guildRepo, channelRepo, roleRepo, memberRepo, presenceStore, resolver, bus, log.Logger),
		memberMW: member.RequireMember(memberRepo),
		resolver: resolver,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		subCancel()
		hub.Shutdown()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// routeDeps bundles the handlers so registerRoutes stays readable.
type routeDeps struct {
	health   *api.HealthHandler
	gateway  *api.GatewayHandler
	auth     *api.AuthHandler
	users    *api.UserHandler
	totp     *api.TOTPHandler
	guilds   *api.GuildHandler
	channels *api.ChannelHandler
	roles    *api.RoleHandler
	members  *api.MemberHandler
	messages *api.MessageHandler
	typing   *api.TypingHandler
	invites  *api.InviteHandler
	memberMW fiber.Handler
	resolver *permission.Resolver
}

func registerRoutes(app *fiber.App, cfg *config.Config, d routeDeps) {
	requireAuth := auth.RequireAuth(cfg.JWTSecret, cfg.PublicURL)

	v1 := app.Group("/api/v1")
	v1.Get("/health", d.health.Health)

	// The gateway upgrade is unauthenticated; the socket authenticates itself with IDENTIFY.
	v1.Get("/gateway", d.gateway.Upgrade)

	// Auth routes carry a stricter rate limit keyed on the same client IP.
	authLimiter := limiter.New(limiter.Config{
		Max:        10,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	})
	authPublic := v1.Group("/auth", authLimiter)
	authPublic.Post("/register", d.auth.Register)
	authPublic.Post("/login", d.auth.Login)
	authPublic.Post("/refresh", d.auth.Refresh)
	authPrivate := v1.Group("/auth", authLimiter, requireAuth)
	authPrivate.Post("/logout", d.auth.Logout)

	users := v1.Group("/users", requireAuth)
	users.Get("/me", d.users.Me)
	users.Patch("/me", d.users.UpdateMe)
	users.Post("/me/totp", d.totp.Enable)
	users.Delete("/me/totp", d.totp.Disable)
	users.Get("/me/channels", d.channels.ListDMs)
	users.Post("/me/channels", d.channels.CreateDM)
	users.Get("/:userID", d.users.Get)

	guilds := v1.Group("/guilds", requireAuth)
	guilds.Post("", d.guilds.Create)
	guilds.Get("", d.guilds.List)

	g := guilds.Group("/:guildID", d.memberMW)
	g.Get("", d.guilds.Get)
	g.Patch("", d.guilds.Update)
	g.Delete("", d.guilds.Delete)
	g.Get("/channels", d.channels.List)
	g.Post("/channels", d.channels.Create)
	g.Get("/roles", d.roles.List)
	g.Post("/roles", d.roles.Create)
	g.Patch("/roles/:roleID", d.roles.Update)
	g.Delete("/roles/:roleID", d.roles.Delete)
	g.Get("/members", d.members.List)
	g.Delete("/members/me", d.members.Leave)
	g.Get("/members/:userID", d.members.Get)
	g.Delete("/members/:userID", d.members.Kick)
	g.Put("/members/:userID/roles/:roleID", d.members.AssignRole)
	g.Delete("/members/:userID/roles/:roleID", d.members.RemoveRole)
	g.Get("/bans", d.members.ListBans)
	g.Put("/bans/:userID", d.members.Ban)
	g.Delete("/bans/:userID", d.members.Unban)
	// Invite management is gated at the route level; the handlers re-check so they stay safe when mounted elsewhere.
	inviteAdmin := g.Group("/invites", permission.RequirePermission(d.resolver, permissions.ManageGuild))
	inviteAdmin.Post("", d.invites.Create)
	inviteAdmin.Get("", d.invites.List)
	inviteAdmin.Delete("/:code", d.invites.Delete)

	channels := v1.Group("/channels", requireAuth)
	channels.Patch("/:channelID", d.channels.Update)
	channels.Delete("/:channelID", d.channels.Delete)
	channels.Get("/:channelID/messages", d.messages.List)
	channels.Post("/:channelID/messages", d.messages.Create)
	channels.Patch("/:channelID/messages/:messageID", d.messages.Update)
	channels.Delete("/:channelID/messages/:messageID", d.messages.Delete)
	channels.Post("/:channelID/typing", d.typing.Start)

	invites := v1.Group("/invites", requireAuth)
	invites.Get("/:code", d.invites.Get)
	invites.Post("/:code", d.invites.Redeem)
}

// fiberStatusToAPICode maps an HTTP status from Fiber's built-in errors (404, 405, etc.) to the closest protocol
// error code.
func fiberStatusToAPICode(status int) apierrors.Code {
	switch {
	case status == fiber.StatusNotFound:
		return apierrors.NotFound
	case status == fiber.StatusMethodNotAllowed:
		return apierrors.ValidationError
	case status == fiber.StatusTooManyRequests:
		return apierrors.RateLimited
	case status == fiber.StatusRequestEntityTooLarge:
		return apierrors.PayloadTooLarge
	case status == fiber.StatusServiceUnavailable:
		return apierrors.ServiceUnavailable
	case status >= 400 && status < 500:
		return apierrors.ValidationError
	default:
		return apierrors.InternalError
	}
}
