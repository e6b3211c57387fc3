package main

import (
    "context"
    "errors"
    "net"
    "net/http"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/joho/godotenv"
    "google.golang.org/grpc"
    grpchealth "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "serenity/companion/internal/api"
    "serenity/companion/internal/auth"
    "serenity/companion/internal/call"
    "serenity/companion/internal/callws"
    "serenity/companion/internal/config"
    "serenity/companion/internal/conversation"
    "serenity/companion/internal/echo"
    "serenity/companion/internal/events"
    "serenity/companion/internal/health"
    "serenity/companion/internal/llm"
    "serenity/companion/internal/logging"
    "serenity/companion/internal/recognition"
    "serenity/companion/internal/sessions"
    "serenity/companion/internal/speech"
    "serenity/companion/internal/store"
    "serenity/companion/internal/tts"
    "serenity/companion/internal/utterance"
    "serenity/companion/internal/vad"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	logging.Init(os.Getenv("LOG_LEVEL"))
	defer logging.Sync()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, checks, err := openStore(ctx, cfg)
	if err != nil {
		logging.Errorw("store unavailable", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	chain, llmChecks := buildChain(ctx, cfg)
	checks = append(checks, llmChecks...)
	voice, ttsChecks := buildTTS(cfg)
	checks = append(checks, ttsChecks...)

	conv := conversation.New(st, chain, conversation.Config{
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxHistory:   cfg.LLM.MaxHistory,
	})
	calls := sessions.NewStore()
	journal := events.NewStore(cfg.Call.MaxEvents)
	tokens := auth.Issuer{Secret: cfg.Auth.TokenSecret, TTL: cfg.Auth.TokenTTL}

	var remote speech.Remote
	if voice != nil {
		remote = voice
	}
	wss := callws.NewServer(callOptions(cfg), calls, journal, tokens, conv, remote)

	h := api.NewHandlers(api.Deps{
		Conversation: conv,
		TTS:          remote,
		Calls:        calls,
		Journal:      journal,
		Tokens:       tokens,
		PublicURL:    cfg.Server.PublicURL,
		Checks:       checks,
		CallWS:       http.HandlerFunc(wss.HandleCallWS),
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(api.NewRouter(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	gs := startGRPCHealth(ctx, cfg.GRPC.HealthAddr, checks)

	go func() {
		<-ctx.Done()
		logging.Infow("shutdown signal received; stopping server")
		// End live calls before draining HTTP so clients get an "ended".
		wss.Registry().EndAll()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		if gs != nil {
			gs.GracefulStop()
		}
	}()

	logging.Infow("server starting", "addr", addr, "llm", chain.Providers(), "tts", ttsNames(voice))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Errorw("server error", "error", err)
		os.Exit(1)
	}
}

// openStore uses Postgres when a database URL is configured and memory
// otherwise.
func openStore(ctx context.Context, cfg config.Config) (store.Store, []health.Check, error) {
	if cfg.Database.URL == "" {
		logging.Warnw("DATABASE_URL not set; messages are kept in memory")
		mem := store.NewMemory()
		return mem, []health.Check{{Name: "store", Fn: mem.Ping}}, nil
	}
	octx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	pg, err := store.OpenPostgres(octx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	return pg, []health.Check{{Name: "postgres", Required: true, Fn: pg.Ping}}, nil
}

func buildChain(ctx context.Context, cfg config.Config) (*llm.Chain, []health.Check) {
	var providers []llm.Provider
	var checks []health.Check
	for _, name := range cfg.LLM.Providers {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "openai":
			providers = append(providers, llm.NewOpenAI(llm.OpenAIConfig{
				Name:        "openai",
				BaseURL:     cfg.LLM.OpenAIBaseURL,
				APIKey:      cfg.LLM.OpenAIKey,
				Model:       cfg.LLM.OpenAIModel,
				MaxTokens:   cfg.LLM.MaxTokens,
				Temperature: cfg.LLM.Temperature,
			}))
		case "groq":
			providers = append(providers, llm.NewOpenAI(llm.OpenAIConfig{
				Name:        "groq",
				BaseURL:     llm.GroqBaseURL,
				APIKey:      cfg.LLM.GroqKey,
				Model:       cfg.LLM.GroqModel,
				MaxTokens:   cfg.LLM.MaxTokens,
				Temperature: cfg.LLM.Temperature,
			}))
		case "gemini":
			g, err := llm.NewGemini(ctx, llm.GeminiConfig{APIKey: cfg.LLM.GeminiKey, Model: cfg.LLM.GeminiModel})
			if err != nil {
				logging.Warnw("gemini disabled", "error", err)
				continue
			}
			if g != nil {
				providers = append(providers, g)
			}
		case "ollama":
			o, err := llm.NewOllama(cfg.LLM.OllamaHost, cfg.LLM.OllamaModel)
			if err != nil {
				logging.Warnw("ollama disabled", "error", err)
				continue
			}
			if o != nil {
				providers = append(providers, o)
				checks = append(checks, health.Check{Name: "ollama", Fn: o.Heartbeat})
			}
		case "canned":
			providers = append(providers, &llm.Canned{})
		default:
			logging.Warnw("unknown llm provider", "provider", name)
		}
	}
	return llm.NewChain(cfg.LLM.Timeout, providers...), checks
}

// buildTTS returns nil when no engine is configured.
func buildTTS(cfg config.Config) (*tts.Service, []health.Check) {
	var engines []tts.Engine
	var checks []health.Check
	if cfg.TTS.ElevenKey != "" && cfg.TTS.ElevenVoiceID != "" {
		el := tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:  cfg.TTS.ElevenKey,
			VoiceID: cfg.TTS.ElevenVoiceID,
			Model:   cfg.TTS.ElevenModel,
		})
		engines = append(engines, el)
		checks = append(checks, health.Check{Name: "elevenlabs", Fn: el.Check})
	}
	if e := tts.NewEdge(cfg.TTS.EdgeBin, cfg.TTS.EdgeVoice); e != nil {
		engines = append(engines, e)
	}
	if len(engines) == 0 {
		return nil, nil
	}
	return tts.NewService(engines...), checks
}

func ttsNames(s *tts.Service) []string {
	if s == nil {
		return nil
	}
	return s.Engines()
}

func callOptions(cfg config.Config) callws.Options {
	c := cfg.Call
	opts := callws.DefaultOptions()
	opts.OriginPatterns = cfg.Server.AllowedOrigins
	opts.Retention = c.Retention
	opts.Call = call.Config{
		Greeting:             c.Greeting,
		GreetingDelay:        c.GreetingDelay,
		ResumeDelay:          c.ResumeDelay,
		InterUtteranceDelay:  c.InterUtteranceDelay,
		SpeechTimeout:        c.SpeechTimeout,
		ClearTimeout:         opts.Call.ClearTimeout,
		MobileRestartDelay:   c.MobileRestartDelay,
		MobileMinFinalLength: c.MobileMinFinalLength,
		Debounce: utterance.Config{
			Window:          c.DebounceWindow,
			MinLength:       c.MinUtteranceLength,
			DuplicateWindow: c.DuplicateWindow,
		},
		Echo: echo.Config{
			Threshold: c.EchoThreshold,
			Window:    c.EchoWindow,
			History:   c.EchoHistory,
		},
		Recognition: recognition.Config{
			RestartDelay: c.RestartDelay,
			MaxBackoff:   c.MaxBackoff,
			MaxFailures:  c.MaxFailures,
		},
		VAD: vad.Config{
			MinRMS:   c.VADMinRMS,
			MinStart: c.VADMinStart,
			Hangover: c.VADHangover,
			Guard:    c.VADGuard,
		},
	}
	opts.Speech = speech.Config{
		RemoteTimeout: cfg.TTS.RemoteTimeout,
		VoiceName:     cfg.TTS.LocalVoice,
		Locale:        cfg.TTS.Locale,
		Rate:          cfg.TTS.Rate,
		Pitch:         cfg.TTS.Pitch,
		Volume:        cfg.TTS.Volume,
	}
	return opts
}

// startGRPCHealth serves the standard gRPC health service and keeps its
// status in step with the required dependency checks.
func startGRPCHealth(ctx context.Context, addr string, checks []health.Check) *grpc.Server {
	if addr == "" {
		return nil
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		logging.Errorw("grpc health listen", "addr", addr, "error", err)
		return nil
	}
	// gRPC server with keepalive for fast death detection
	kap := keepalive.ServerParameters{
		MaxConnectionIdle: 5 * time.Minute,
		Time:              15 * time.Second,
		Timeout:           5 * time.Second,
	}
	kasp := keepalive.EnforcementPolicy{
		MinTime:             10 * time.Second,
		PermitWithoutStream: true,
	}
	s := grpc.NewServer(grpc.KeepaliveParams(kap), grpc.KeepaliveEnforcementPolicy(kasp))
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			st := health.CheckAll(cctx, checks...)
			cancel()
			status := healthpb.HealthCheckResponse_SERVING
			if !st.OK {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus("", status)
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-t.C:
			}
		}
	}()
	go func() {
		logging.Infow("grpc health listening", "addr", addr)
		if err := s.Serve(l); err != nil {
			logging.Warnw("grpc serve", "error", err)
		}
	}()
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.URL.Path == "/ws/call" {
			// The socket needs the raw writer to hijack the connection.
			next.ServeHTTP(w, r)
			logging.Infow("call socket closed", "duration", time.Since(start).String())
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debugw("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start).String())
	})
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
