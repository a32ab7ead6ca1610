package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/opi/internal/handler"
	appI18n "github.com/pavelanni/opi/internal/i18n"
	"github.com/pavelanni/opi/internal/interview"
	"github.com/pavelanni/opi/internal/llm"
	"github.com/pavelanni/opi/internal/model"
	"github.com/pavelanni/opi/internal/sheets"
	"github.com/pavelanni/opi/internal/speech"
	"github.com/pavelanni/opi/internal/store"
)

const defaultAdminPassword = "admin"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "opi",
		Short: "Japanese oral proficiency interview server",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), checkConfigCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `opi --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP interview server",
		RunE:  runServe,
	}
	addServeFlags(cmd)
	return cmd
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "opi.db", "SQLite database path")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /opi)")
	f.Bool("secure-cookies", true, "Set Secure flag on cookies")
	f.String("admin-password", "", "Admin password (or set OPI_ADMIN_PASSWORD)")
	f.Duration("session-ttl", 2*time.Hour, "Forget interview sessions idle for longer than this")

	f.String("gen-backend", string(llm.BackendGemini), "Gemini backend (gemini, vertex)")
	f.String("gemini-api-key", "", "Gemini API key (gemini backend)")
	f.String("vertex-project", "", "Google Cloud project (vertex backend)")
	f.String("vertex-location", "us-central1", "Vertex AI location")
	f.StringSlice("gen-models", []string{"gemini-2.5-flash", "gemini-2.0-flash"}, "Generation candidates in fallback order; prefix with openai: for OpenAI-compatible models")
	f.Duration("gen-timeout", 60*time.Second, "Timeout for each generation candidate; a candidate that times out falls through to the next")
	f.String("openai-url", "", "OpenAI-compatible API base URL (empty for api.openai.com)")
	f.String("openai-key", "", "OpenAI API key")

	f.String("stt-provider", "google", "Speech recognition provider (google, openai)")
	f.String("tts-provider", "google", "Question audio provider (google, openai, none)")
	f.String("google-credentials", "", "Service account JSON for speech and Sheets (empty uses application default credentials)")
	f.String("tts-voice", "ja-JP-Neural2-B", "Synthesis voice name")
	f.Float64("tts-speed", 0.9, "Synthesis speaking rate")
	f.Float64("tts-pitch", 0, "Synthesis pitch in semitones")
	f.String("ffmpeg", "ffmpeg", "ffmpeg binary used to convert recordings")

	f.String("practice-sheet", "", "Result sheet for practice sessions (empty disables saving)")
	f.String("practice-level", "A2", "Default target level in practice mode")

	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded interview sessions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "opi.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func checkConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Print the resolved server configuration with secrets redacted",
		RunE:  runCheckConfig,
	}
	addServeFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("OPI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("opi")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/opi")
	v.AddConfigPath("/etc/opi")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// serverConfig is the resolved serve configuration.
type serverConfig struct {
	Addr          string        `json:"addr"`
	DB            string        `json:"db"`
	BasePath      string        `json:"base_path"`
	SecureCookies bool          `json:"secure_cookies"`
	AdminPassword string        `json:"admin_password"`
	SessionTTL    time.Duration `json:"session_ttl"`

	GenBackend     string        `json:"gen_backend"`
	GeminiAPIKey   string        `json:"gemini_api_key"`
	VertexProject  string        `json:"vertex_project"`
	VertexLocation string        `json:"vertex_location"`
	GenModels      []string      `json:"gen_models"`
	GenTimeout     time.Duration `json:"gen_timeout"`
	OpenAIURL      string        `json:"openai_url"`
	OpenAIKey      string        `json:"openai_key"`

	STTProvider       string  `json:"stt_provider"`
	TTSProvider       string  `json:"tts_provider"`
	GoogleCredentials string  `json:"google_credentials"`
	TTSVoice          string  `json:"tts_voice"`
	TTSSpeed          float64 `json:"tts_speed"`
	TTSPitch          float64 `json:"tts_pitch"`
	FFmpeg            string  `json:"ffmpeg"`

	PracticeSheet string `json:"practice_sheet"`
	PracticeLevel string `json:"practice_level"`
}

func loadServerConfig(v *viper.Viper) (serverConfig, error) {
	cfg := serverConfig{
		Addr:              v.GetString("addr"),
		DB:                v.GetString("db"),
		BasePath:          normalizeBasePath(v.GetString("base-path")),
		SecureCookies:     v.GetBool("secure-cookies"),
		AdminPassword:     v.GetString("admin-password"),
		SessionTTL:        v.GetDuration("session-ttl"),
		GenBackend:        strings.ToLower(v.GetString("gen-backend")),
		GeminiAPIKey:      v.GetString("gemini-api-key"),
		VertexProject:     v.GetString("vertex-project"),
		VertexLocation:    v.GetString("vertex-location"),
		GenModels:         v.GetStringSlice("gen-models"),
		GenTimeout:        v.GetDuration("gen-timeout"),
		OpenAIURL:         v.GetString("openai-url"),
		OpenAIKey:         v.GetString("openai-key"),
		STTProvider:       strings.ToLower(v.GetString("stt-provider")),
		TTSProvider:       strings.ToLower(v.GetString("tts-provider")),
		GoogleCredentials: v.GetString("google-credentials"),
		TTSVoice:          v.GetString("tts-voice"),
		TTSSpeed:          v.GetFloat64("tts-speed"),
		TTSPitch:          v.GetFloat64("tts-pitch"),
		FFmpeg:            v.GetString("ffmpeg"),
		PracticeSheet:     strings.TrimSpace(v.GetString("practice-sheet")),
		PracticeLevel:     v.GetString("practice-level"),
	}

	if cfg.SessionTTL < time.Minute {
		return cfg, fmt.Errorf("session-ttl %s is too short (minimum 1m)", cfg.SessionTTL)
	}
	if !model.IsValidLevel(cfg.PracticeLevel) {
		return cfg, fmt.Errorf("invalid practice-level %q (want one of %s)", cfg.PracticeLevel, strings.Join(model.Levels, ", "))
	}
	if cfg.PracticeSheet != "" {
		if _, err := sheets.ParseSpreadsheetID(cfg.PracticeSheet); err != nil {
			return cfg, fmt.Errorf("practice-sheet: %w", err)
		}
	}
	switch cfg.STTProvider {
	case "google", "openai":
	default:
		return cfg, fmt.Errorf("unknown stt-provider %q", cfg.STTProvider)
	}
	switch cfg.TTSProvider {
	case "google", "openai", "none":
	default:
		return cfg, fmt.Errorf("unknown tts-provider %q", cfg.TTSProvider)
	}
	if _, err := llm.ParseCandidates(cfg.GenModels); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// redacted returns a copy safe to print.
func (c serverConfig) redacted() serverConfig {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.AdminPassword = mask(c.AdminPassword)
	c.GeminiAPIKey = mask(c.GeminiAPIKey)
	c.OpenAIKey = mask(c.OpenAIKey)
	return c
}

func (c serverConfig) llmConfig() llm.Config {
	return llm.Config{
		Models:  c.GenModels,
		Timeout: c.GenTimeout,
		Gemini: llm.GeminiConfig{
			Backend:  llm.Backend(c.GenBackend),
			APIKey:   c.GeminiAPIKey,
			Project:  c.VertexProject,
			Location: c.VertexLocation,
		},
		OpenAI: llm.OpenAIConfig{BaseURL: c.OpenAIURL, APIKey: c.OpenAIKey},
	}
}

func (c serverConfig) voice() speech.Voice {
	return speech.Voice{Name: c.TTSVoice, Speed: c.TTSSpeed, Pitch: c.TTSPitch}
}

func runCheckConfig(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	cfg, err := loadServerConfig(viperForCmd(cmd))
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg.redacted(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// closers collects provider clients to release on shutdown.
type closers []func() error

func (c closers) Close() {
	for _, fn := range c {
		if err := fn(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func buildTranscriber(ctx context.Context, cfg serverConfig, oa *openai.Client) (speech.Transcriber, func() error, error) {
	var (
		next    speech.Transcriber
		closeFn = func() error { return nil }
	)
	switch cfg.STTProvider {
	case "openai":
		next = speech.NewWhisperTranscriber(oa, "")
	default:
		g, err := speech.NewGoogleTranscriber(ctx, speech.GoogleOptions(cfg.GoogleCredentials)...)
		if err != nil {
			return nil, nil, err
		}
		next, closeFn = g, g.Close
	}
	return speech.ConvertingTranscriber{Converter: speech.Converter{Path: cfg.FFmpeg}, Next: next}, closeFn, nil
}

func buildSynthesizer(ctx context.Context, cfg serverConfig, oa *openai.Client) (speech.Synthesizer, func() error, error) {
	switch cfg.TTSProvider {
	case "none":
		return nil, func() error { return nil }, nil
	case "openai":
		return speech.NewOpenAISynthesizer(oa, cfg.voice()), func() error { return nil }, nil
	default:
		g, err := speech.NewGoogleSynthesizer(ctx, cfg.voice(), speech.GoogleOptions(cfg.GoogleCredentials)...)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	}
}

func buildAppender(ctx context.Context, cfg serverConfig) (sheets.Appender, error) {
	if cfg.GoogleCredentials == "" {
		slog.Warn("no google-credentials configured, result rows are only logged")
		return sheets.LogAppender{}, nil
	}
	return sheets.NewSheetsAppender(ctx, speech.GoogleOptions(cfg.GoogleCredentials)...)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	cfg, err := loadServerConfig(v)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := store.New(cfg.DB)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := appI18n.Init(appI18n.DefaultLang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	chain, err := llm.NewChainFromConfig(ctx, cfg.llmConfig())
	if err != nil {
		return fmt.Errorf("create generation chain: %w", err)
	}

	var cleanup closers
	defer func() { cleanup.Close() }()

	oa := llm.NewOpenAIClient(cfg.llmConfig().OpenAI)
	stt, closeSTT, err := buildTranscriber(ctx, cfg, oa)
	if err != nil {
		return fmt.Errorf("create transcriber: %w", err)
	}
	cleanup = append(cleanup, closeSTT)

	tts, closeTTS, err := buildSynthesizer(ctx, cfg, oa)
	if err != nil {
		return fmt.Errorf("create synthesizer: %w", err)
	}
	cleanup = append(cleanup, closeTTS)

	appender, err := buildAppender(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create sheets client: %w", err)
	}

	orch := interview.New(interview.Options{
		Generator:   chain,
		Transcriber: stt,
		Synthesizer: tts,
		Appender:    appender,
		Recorder:    db,
		Documents:   db,
	})
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go orch.RunSweeper(sweepCtx, cfg.SessionTTL/4, cfg.SessionTTL)

	password := cfg.AdminPassword
	if password == "" {
		slog.Warn("no admin password configured, using the default; set --admin-password or OPI_ADMIN_PASSWORD")
		password = defaultAdminPassword
	}
	adminHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	h, err := handler.New(db, orch, model.AppConfig{
		BasePath:      cfg.BasePath,
		SecureCookies: cfg.SecureCookies,
		PracticeSheet: cfg.PracticeSheet,
		PracticeLevel: cfg.PracticeLevel,
	}, adminHash)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(appI18n.DefaultLang))
	r.Handle("/metrics", promhttp.Handler())

	basePath := cfg.BasePath
	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Group(func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
	}

	slog.Info("starting server",
		"addr", cfg.Addr,
		"models", strings.Join(chain.Models(), ","),
		"stt", cfg.STTProvider,
		"tts", cfg.TTSProvider,
		"practice_level", cfg.PracticeLevel,
		"practice_sheet", cfg.PracticeSheet != "",
		"base_path", basePath,
		"session_ttl", cfg.SessionTTL,
	)
	return http.ListenAndServe(cfg.Addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportSessions(context.Background())
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported sessions", "count", len(export.Sessions))
	return nil
}
