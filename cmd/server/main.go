package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/veilchat/veil/internal/antirepeat"
	"github.com/veilchat/veil/internal/entitlement"
	"github.com/veilchat/veil/internal/history"
	"github.com/veilchat/veil/internal/match"
	"github.com/veilchat/veil/internal/messaging"
	"github.com/veilchat/veil/internal/protocol"
	"github.com/veilchat/veil/internal/queue"
	"github.com/veilchat/veil/internal/ratelimit"
	"github.com/veilchat/veil/internal/relay"
	"github.com/veilchat/veil/internal/room"
	"github.com/veilchat/veil/internal/stats"
	"github.com/veilchat/veil/internal/ws"
)

const statsBroadcastInterval = 10 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	roomCfg := room.DefaultConfig()
	if v := os.Getenv("SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			roomCfg.Timeout = d
		}
	}
	if v := os.Getenv("ANTI_REPEAT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			roomCfg.AntiRepeatWindow = d
		}
	}

	svcCfg := match.DefaultConfig()
	if v := os.Getenv("DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			svcCfg.DailyLimit = n
		}
	}

	premiumTTL := 30 * 24 * time.Hour
	if v := os.Getenv("PREMIUM_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			premiumTTL = d
		}
	}

	metricsAddr := ":9090"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to Redis at %s: %v", redisAddr, err)
		}
	}

	// --- NATS (room relay) ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	relayClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		// The relay is an optimization for multi-process fan-out; without it
		// in-room traffic is delivered directly.
		log.Printf("NATS unavailable at %s, relaying in-process: %v", natsConfig.URL, err)
		relayClient = nil
	}

	// --- Postgres (optional session history) ---
	var archive *history.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		archive, err = history.Open(dsn)
		if err != nil {
			log.Fatalf("failed to open history store: %v", err)
		}
	}

	// --- Payment provider ---
	var payments entitlement.PaymentProvider
	if endpoint := os.Getenv("PAYMENT_ENDPOINT"); endpoint != "" {
		payments = entitlement.NewHTTPProvider(endpoint)
	}

	log.Printf("veil server starting")
	log.Printf("  listen_addr:        %s", config.ListenAddr)
	log.Printf("  metrics_addr:       %s", metricsAddr)
	log.Printf("  worker_pool:        %d", config.WorkerPoolSize)
	log.Printf("  max_connections:    %d", config.MaxConnections)
	log.Printf("  redis_addr:         %s", redisAddr)
	log.Printf("  nats_url:           %s (connected=%v)", natsConfig.URL, relayClient != nil)
	log.Printf("  session_timeout:    %s", roomCfg.Timeout)
	log.Printf("  anti_repeat_window: %s", roomCfg.AntiRepeatWindow)
	log.Printf("  daily_limit:        %d", svcCfg.DailyLimit)
	log.Printf("  history_enabled:    %v", archive != nil)
	log.Printf("  payments_enabled:   %v", payments != nil)

	queues := queue.NewManager(rdb)
	ledger := antirepeat.NewLedger(rdb)
	ents := entitlement.NewService(rdb)
	recorder := stats.NewRecorder(rdb)
	limiter := ratelimit.NewLimiter(rdb)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher(nil)
	server = ws.NewServer(config, relayClient, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	rooms := room.NewManager(server, rdb, ledger, ents, recorder, archive, roomCfg)
	matcher := match.NewMatcher(queues, rooms, ledger, server)
	svc := match.NewService(queues, rooms, matcher, ents, server, svcCfg)

	server.SetConnectGate(func(remoteIP string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, _ := limiter.Allow(ctx, remoteIP, ratelimit.RuleConnect)
		return ok
	})

	// rateLimited applies a rule for the connection and tells the client to
	// back off when the window is exhausted.
	rateLimited := func(conn *ws.Connection, rule ratelimit.Rule) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, _ := limiter.Allow(ctx, conn.ID, rule)
		if !ok {
			server.SendTo(conn.ID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(rule.Window.Seconds()),
			})
		}
		return !ok
	}

	// activeRoomFor validates that the sender is in the room it claims.
	activeRoomFor := func(conn *ws.Connection, roomID string) *room.Room {
		r := rooms.RoomFor(conn.ID)
		if r == nil || r.ID != roomID {
			server.SendTo(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_room", Message: "not in an active session",
			})
			return nil
		}
		return r
	}

	// -----------------------------------------------------------------------
	// find_match
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeFindMatch, func(conn *ws.Connection, msg interface{}) {
		findMsg, ok := msg.(protocol.FindMatchMsg)
		if !ok {
			return
		}
		if rateLimited(conn, ratelimit.RuleMatch) {
			return
		}

		interest := findMsg.Interest
		if interest == "" {
			interest = "global"
		}
		mode := findMsg.Mode
		if mode != protocol.ModeAudio {
			mode = protocol.ModeText
		}
		conn.SetPreferences(mode, interest)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.RequestMatch(ctx, conn.ID, conn.StableID, interest, mode, findMsg.Gender, findMsg.LookingFor)
		log.Printf("find_match conn=%s interest=%s mode=%s looking_for=%s", conn.ID, interest, mode, findMsg.LookingFor)
	})

	// -----------------------------------------------------------------------
	// cancel_match
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCancelMatch, func(conn *ws.Connection, msg interface{}) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Cancel(ctx, conn.ID)
		log.Printf("cancel_match conn=%s", conn.ID)
	})

	// -----------------------------------------------------------------------
	// skip
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSkip, func(conn *ws.Connection, msg interface{}) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Skip(ctx, conn.ID)
		log.Printf("skip conn=%s", conn.ID)
	})

	// -----------------------------------------------------------------------
	// message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		if rateLimited(conn, ratelimit.RuleMessage) {
			return
		}
		if err := relay.ValidateMessage(chatMsg.Text); err != nil {
			server.SendTo(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_message", Message: err.Error(),
			})
			return
		}
		r := activeRoomFor(conn, chatMsg.RoomID)
		if r == nil {
			return
		}

		ev := relay.RoomEvent{
			Type: relay.EventMessage,
			From: conn.ID,
			Text: chatMsg.Text,
			Ts:   time.Now().Unix(),
		}
		if err := server.PublishRoomEvent(r.ID, r.Partner(conn.ID), ev); err != nil {
			log.Printf("message relay conn=%s room=%s: %v", conn.ID, r.ID, err)
		}
	})

	// -----------------------------------------------------------------------
	// typing
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		r := activeRoomFor(conn, typingMsg.RoomID)
		if r == nil {
			return
		}

		ev := relay.RoomEvent{
			Type:     relay.EventTyping,
			From:     conn.ID,
			IsTyping: typingMsg.IsTyping,
		}
		if err := server.PublishRoomEvent(r.ID, r.Partner(conn.ID), ev); err != nil {
			log.Printf("typing relay conn=%s room=%s: %v", conn.ID, r.ID, err)
		}
	})

	// -----------------------------------------------------------------------
	// signal (WebRTC offer/answer/ICE, relayed opaquely)
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSignal, func(conn *ws.Connection, msg interface{}) {
		sigMsg, ok := msg.(protocol.SignalMsg)
		if !ok {
			return
		}
		if rateLimited(conn, ratelimit.RuleSignal) {
			return
		}
		if err := relay.ValidateSignal(sigMsg.Data); err != nil {
			server.SendTo(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_signal", Message: err.Error(),
			})
			return
		}
		r := activeRoomFor(conn, sigMsg.RoomID)
		if r == nil {
			return
		}

		ev := relay.RoomEvent{
			Type: relay.EventSignal,
			From: conn.ID,
			Data: sigMsg.Data,
		}
		if err := server.PublishRoomEvent(r.ID, r.Partner(conn.ID), ev); err != nil {
			log.Printf("signal relay conn=%s room=%s: %v", conn.ID, r.ID, err)
		}
	})

	// -----------------------------------------------------------------------
	// end_call
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEndCall, func(conn *ws.Connection, msg interface{}) {
		endMsg, ok := msg.(protocol.EndCallMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.EndSession(ctx, conn.ID, endMsg.RoomID)
		log.Printf("end_call conn=%s room=%s", conn.ID, endMsg.RoomID)
	})

	// -----------------------------------------------------------------------
	// verify_payment
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeVerifyPayment, func(conn *ws.Connection, msg interface{}) {
		payMsg, ok := msg.(protocol.VerifyPaymentMsg)
		if !ok {
			return
		}
		if payments == nil || payMsg.PaymentRef == "" {
			server.SendTo(conn.ID, protocol.TypePremiumInvalid, protocol.PremiumInvalidMsg{})
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		captured, err := payments.Capture(ctx, payMsg.PaymentRef)
		if err != nil {
			log.Printf("verify_payment conn=%s ref=%s: %v", conn.ID, payMsg.PaymentRef, err)
			server.SendTo(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "payment_unavailable", Message: "payment verification failed",
			})
			return
		}
		if !captured {
			server.SendTo(conn.ID, protocol.TypePremiumInvalid, protocol.PremiumInvalidMsg{})
			return
		}

		token := uuid.New().String()
		if err := ents.ActivatePremium(ctx, conn.StableID, token, premiumTTL); err != nil {
			log.Printf("verify_payment activate conn=%s: %v", conn.ID, err)
			server.SendTo(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "unavailable", Message: "could not activate premium",
			})
			return
		}

		server.SendTo(conn.ID, protocol.TypePremiumVerified, protocol.PremiumVerifiedMsg{
			Token:            token,
			RemainingSeconds: int(premiumTTL.Seconds()),
		})
		log.Printf("premium activated session=%s", conn.StableID)
	})

	// -----------------------------------------------------------------------
	// check_premium
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCheckPremium, func(conn *ws.Connection, msg interface{}) {
		checkMsg, ok := msg.(protocol.CheckPremiumMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if checkMsg.Token != "" {
			valid, ttl, err := ents.VerifyToken(ctx, checkMsg.Token, conn.StableID)
			if err != nil {
				log.Printf("check_premium conn=%s: %v", conn.ID, err)
			}
			if valid {
				server.SendTo(conn.ID, protocol.TypePremiumVerified, protocol.PremiumVerifiedMsg{
					Token:            checkMsg.Token,
					RemainingSeconds: int(ttl.Seconds()),
				})
				return
			}
			server.SendTo(conn.ID, protocol.TypePremiumInvalid, protocol.PremiumInvalidMsg{})
			return
		}

		// Tokenless check falls back to the stable session identity.
		premium, err := ents.IsPremium(ctx, conn.StableID)
		if err != nil {
			log.Printf("check_premium conn=%s: %v", conn.ID, err)
		}
		if !premium {
			server.SendTo(conn.ID, protocol.TypePremiumInvalid, protocol.PremiumInvalidMsg{})
			return
		}
		remaining, _ := ents.PremiumRemaining(ctx, conn.StableID)
		server.SendTo(conn.ID, protocol.TypePremiumVerified, protocol.PremiumVerifiedMsg{
			RemainingSeconds: int(remaining.Seconds()),
		})
	})

	// Disconnect cleanup: the partner's session ends and all queue entries
	// are evicted.
	server.SetOnDisconnect(func(connID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		svc.Disconnect(ctx, connID)
	})

	rootCtx, stop := context.WithCancel(context.Background())

	// Scheduled fallback sweep.
	go svc.Run(rootCtx)

	// Periodic advisory stats broadcast to all clients.
	go func() {
		ticker := time.NewTicker(statsBroadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				total, err := recorder.TotalMatches(ctx)
				cancel()
				if err != nil {
					continue
				}
				data, err := protocol.NewServerMessage(protocol.TypeStats, protocol.StatsMsg{
					Online:       server.Connections().Count(),
					TotalMatches: total,
				})
				if err != nil {
					continue
				}
				server.Connections().Broadcast(data)
			}
		}
	}()

	// Prometheus metrics on a separate listener.
	metricsServer := &http.Server{Addr: metricsAddr, Handler: stats.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		stop()
		if relayClient != nil {
			relayClient.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if archive != nil {
			if err := archive.Close(); err != nil {
				log.Printf("history store close error: %v", err)
			}
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
