package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"

    "serenity/companion/internal/logging"
)

type Config struct {
    Server struct {
        Port            string
        LogLevel        string
        PublicURL       string
        AllowedOrigins  []string
        ShutdownTimeout time.Duration
    }
    GRPC struct {
        HealthAddr string
    }
    Database struct {
        URL      string
        MaxConns int32
    }
    LLM struct {
        Providers    []string
        SystemPrompt string
        MaxHistory   int
        Timeout      time.Duration
        MaxTokens    int
        Temperature  float64

        OpenAIKey     string
        OpenAIModel   string
        OpenAIBaseURL string
        GroqKey       string
        GroqModel     string
        GeminiKey     string
        GeminiModel   string
        OllamaHost    string
        OllamaModel   string
    }
    TTS struct {
        ElevenKey     string
        ElevenVoiceID string
        ElevenModel   string
        EdgeBin       string
        EdgeVoice     string
        RemoteTimeout time.Duration
        LocalVoice    string
        Locale        string
        Rate          float64
        Pitch         float64
        Volume        float64
    }
    Call struct {
        Greeting             string
        GreetingDelay        time.Duration
        ResumeDelay          time.Duration
        InterUtteranceDelay  time.Duration
        SpeechTimeout        time.Duration
        RestartDelay         time.Duration
        MobileRestartDelay   time.Duration
        MaxBackoff           time.Duration
        MaxFailures          int
        DebounceWindow       time.Duration
        MinUtteranceLength   int
        DuplicateWindow      time.Duration
        MobileMinFinalLength int
        EchoThreshold        float64
        EchoWindow           time.Duration
        EchoHistory          int
        VADMinRMS            float64
        VADMinStart          int
        VADHangover          int
        VADGuard             time.Duration
        MaxEvents            int
        Retention            time.Duration
    }
    Auth struct {
        TokenSecret string
        TokenTTL    time.Duration
    }
}

func Load() Config {
    v := viper.New()
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    v.AutomaticEnv()

    // Defaults
    v.SetDefault("server.port", 8080)
    v.SetDefault("server.log_level", "info")
    v.SetDefault("server.shutdown_timeout", "10s")
    v.SetDefault("grpc.health_addr", ":9090")
    v.SetDefault("database.max_conns", 10)

    v.SetDefault("llm.providers", "openai,groq,gemini,ollama,canned")
    v.SetDefault("llm.max_history", 20)
    v.SetDefault("llm.timeout", "20s")
    v.SetDefault("llm.max_tokens", 300)
    v.SetDefault("llm.temperature", 0.7)
    v.SetDefault("llm.openai_model", "gpt-4o")
    v.SetDefault("llm.groq_model", "llama-3.1-8b-instant")
    v.SetDefault("llm.gemini_model", "gemini-2.0-flash")
    v.SetDefault("llm.ollama_model", "gemma3:1b")

    v.SetDefault("tts.eleven_model", "eleven_turbo_v2_5")
    v.SetDefault("tts.edge_bin", "edge-tts")
    v.SetDefault("tts.edge_voice", "en-US-AriaNeural")
    v.SetDefault("tts.remote_timeout", "8s")
    v.SetDefault("tts.locale", "en-US")
    v.SetDefault("tts.rate", 1.0)
    v.SetDefault("tts.pitch", 1.1)
    v.SetDefault("tts.volume", 0.95)

    v.SetDefault("call.greeting", "Hi, I'd like to talk")
    v.SetDefault("call.greeting_delay", "800ms")
    v.SetDefault("call.resume_delay", "500ms")
    v.SetDefault("call.inter_utterance_delay", "300ms")
    v.SetDefault("call.speech_timeout", "60s")
    v.SetDefault("call.restart_delay", "500ms")
    v.SetDefault("call.mobile_restart_delay", "1s")
    v.SetDefault("call.max_backoff", "8s")
    v.SetDefault("call.max_failures", 3)
    v.SetDefault("call.debounce_window", "500ms")
    v.SetDefault("call.min_utterance_length", 2)
    v.SetDefault("call.duplicate_window", "5s")
    v.SetDefault("call.mobile_min_final_length", 10)
    v.SetDefault("call.echo_threshold", 0.5)
    v.SetDefault("call.echo_window", "3s")
    v.SetDefault("call.echo_history", 3)
    v.SetDefault("call.vad_min_rms", 0.04)
    v.SetDefault("call.vad_min_start", 3)
    v.SetDefault("call.vad_hangover", 10)
    v.SetDefault("call.vad_guard", "400ms")
    v.SetDefault("call.max_events", 200)
    v.SetDefault("call.retention", "10m")

    v.SetDefault("auth.token_ttl", "10m")

    // Map envs
    v.BindEnv("server.port", "PORT")
    v.BindEnv("server.log_level", "LOG_LEVEL")
    v.BindEnv("server.public_url", "PUBLIC_URL")
    v.BindEnv("server.allowed_origins", "ALLOWED_ORIGINS")
    v.BindEnv("grpc.health_addr", "GRPC_HEALTH_ADDR")
    v.BindEnv("database.url", "DATABASE_URL")

    v.BindEnv("llm.providers", "LLM_PROVIDERS")
    v.BindEnv("llm.system_prompt", "LLM_SYSTEM_PROMPT")
    v.BindEnv("llm.openai_key", "OPENAI_API_KEY", "AI_INTEGRATIONS_OPENAI_API_KEY")
    v.BindEnv("llm.openai_base_url", "OPENAI_BASE_URL", "AI_INTEGRATIONS_OPENAI_BASE_URL")
    v.BindEnv("llm.openai_model", "OPENAI_MODEL")
    v.BindEnv("llm.groq_key", "GROQ_API_KEY")
    v.BindEnv("llm.groq_model", "GROQ_MODEL")
    v.BindEnv("llm.gemini_key", "GEMINI_API_KEY", "GOOGLE_API_KEY")
    v.BindEnv("llm.gemini_model", "GEMINI_MODEL")
    v.BindEnv("llm.ollama_host", "OLLAMA_HOST")
    v.BindEnv("llm.ollama_model", "OLLAMA_MODEL")

    v.BindEnv("tts.eleven_key", "ELEVENLABS_API_KEY")
    v.BindEnv("tts.eleven_voice_id", "ELEVENLABS_VOICE_ID")
    v.BindEnv("tts.eleven_model", "ELEVENLABS_MODEL")
    v.BindEnv("tts.edge_bin", "EDGE_TTS_BIN")
    v.BindEnv("tts.edge_voice", "EDGE_TTS_VOICE")

    v.BindEnv("auth.token_secret", "CALL_TOKEN_SECRET")

    var c Config
    c.Server.Port = toString(v.Get("server.port"))
    c.Server.LogLevel = v.GetString("server.log_level")
    c.Server.PublicURL = v.GetString("server.public_url")
    c.Server.AllowedOrigins = splitList(v.GetString("server.allowed_origins"))
    c.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
    c.GRPC.HealthAddr = v.GetString("grpc.health_addr")
    c.Database.URL = v.GetString("database.url")
    c.Database.MaxConns = v.GetInt32("database.max_conns")

    c.LLM.Providers = splitList(v.GetString("llm.providers"))
    c.LLM.SystemPrompt = v.GetString("llm.system_prompt")
    c.LLM.MaxHistory = v.GetInt("llm.max_history")
    c.LLM.Timeout = v.GetDuration("llm.timeout")
    c.LLM.MaxTokens = v.GetInt("llm.max_tokens")
    c.LLM.Temperature = v.GetFloat64("llm.temperature")
    c.LLM.OpenAIKey = v.GetString("llm.openai_key")
    c.LLM.OpenAIModel = v.GetString("llm.openai_model")
    c.LLM.OpenAIBaseURL = v.GetString("llm.openai_base_url")
    c.LLM.GroqKey = v.GetString("llm.groq_key")
    c.LLM.GroqModel = v.GetString("llm.groq_model")
    c.LLM.GeminiKey = v.GetString("llm.gemini_key")
    c.LLM.GeminiModel = v.GetString("llm.gemini_model")
    c.LLM.OllamaHost = v.GetString("llm.ollama_host")
    c.LLM.OllamaModel = v.GetString("llm.ollama_model")

    c.TTS.ElevenKey = v.GetString("tts.eleven_key")
    c.TTS.ElevenVoiceID = v.GetString("tts.eleven_voice_id")
    c.TTS.ElevenModel = v.GetString("tts.eleven_model")
    c.TTS.EdgeBin = v.GetString("tts.edge_bin")
    c.TTS.EdgeVoice = v.GetString("tts.edge_voice")
    c.TTS.RemoteTimeout = v.GetDuration("tts.remote_timeout")
    c.TTS.LocalVoice = v.GetString("tts.local_voice")
    c.TTS.Locale = v.GetString("tts.locale")
    c.TTS.Rate = v.GetFloat64("tts.rate")
    c.TTS.Pitch = v.GetFloat64("tts.pitch")
    c.TTS.Volume = v.GetFloat64("tts.volume")

    c.Call.Greeting = v.GetString("call.greeting")
    c.Call.GreetingDelay = v.GetDuration("call.greeting_delay")
    c.Call.ResumeDelay = v.GetDuration("call.resume_delay")
    c.Call.InterUtteranceDelay = v.GetDuration("call.inter_utterance_delay")
    c.Call.SpeechTimeout = v.GetDuration("call.speech_timeout")
    c.Call.RestartDelay = v.GetDuration("call.restart_delay")
    c.Call.MobileRestartDelay = v.GetDuration("call.mobile_restart_delay")
    c.Call.MaxBackoff = v.GetDuration("call.max_backoff")
    c.Call.MaxFailures = v.GetInt("call.max_failures")
    c.Call.DebounceWindow = v.GetDuration("call.debounce_window")
    c.Call.MinUtteranceLength = v.GetInt("call.min_utterance_length")
    c.Call.DuplicateWindow = v.GetDuration("call.duplicate_window")
    c.Call.MobileMinFinalLength = v.GetInt("call.mobile_min_final_length")
    c.Call.EchoThreshold = v.GetFloat64("call.echo_threshold")
    c.Call.EchoWindow = v.GetDuration("call.echo_window")
    c.Call.EchoHistory = v.GetInt("call.echo_history")
    c.Call.VADMinRMS = v.GetFloat64("call.vad_min_rms")
    c.Call.VADMinStart = v.GetInt("call.vad_min_start")
    c.Call.VADHangover = v.GetInt("call.vad_hangover")
    c.Call.VADGuard = v.GetDuration("call.vad_guard")
    c.Call.MaxEvents = v.GetInt("call.max_events")
    c.Call.Retention = v.GetDuration("call.retention")

    c.Auth.TokenSecret = v.GetString("auth.token_secret")
    c.Auth.TokenTTL = v.GetDuration("auth.token_ttl")

    logging.Infow("config loaded",
        "port", c.Server.Port,
        "llm_providers", c.LLM.Providers,
        "database", c.Database.URL != "",
        "elevenlabs", c.TTS.ElevenKey != "")
    return c
}

func toString(v any) string { return fmt.Sprint(v) }

func splitList(s string) []string {
    var out []string
    for _, p := range strings.Split(s, ",") {
        if p = strings.TrimSpace(p); p != "" {
            out = append(out, p)
        }
    }
    return out
}
