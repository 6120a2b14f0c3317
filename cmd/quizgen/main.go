package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/quizgen/internal/classify"
	"github.com/pavelanni/quizgen/internal/grading"
	"github.com/pavelanni/quizgen/internal/handler"
	appI18n "github.com/pavelanni/quizgen/internal/i18n"
	"github.com/pavelanni/quizgen/internal/llm"
	"github.com/pavelanni/quizgen/internal/llm/prompts"
	"github.com/pavelanni/quizgen/internal/model"
	"github.com/pavelanni/quizgen/internal/quiz"
	"github.com/pavelanni/quizgen/internal/service"
	"github.com/pavelanni/quizgen/internal/store"
	"github.com/pavelanni/quizgen/internal/tracing"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: could not load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "quizgen",
		Short:   "Practice quiz generator and grader powered by LLMs",
		Version: version,
	}

	serve := serveCmd()
	root.AddCommand(serve, generateCmd(), evaluateCmd(), exportCmd(), tokenCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `quizgen --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addStoreFlags(f *pflag.FlagSet) {
	f.String("db-driver", store.DriverSQLite, "Database driver (sqlite, postgres)")
	f.String("db", "quizgen.db", "SQLite path or Postgres DSN")
	f.String("redis-url", "", "Store quizzes in Redis at this redis:// URL instead of SQL")
	f.String("redis-prefix", "quizgen:", "Key prefix for the Redis store")
}

func addPipelineFlags(f *pflag.FlagSet) {
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Int("llm-max-retries", 3, "Retries per completion on transient failures")
	f.Duration("llm-timeout", 2*time.Minute, "Deadline for one completion including retries")
	f.StringP("lang", "l", "en", "Feedback language (en, ru)")
	f.String("prompt-variant", string(prompts.Standard), "Grading prompt variant (strict, standard, lenient)")
	f.Float64("correct-threshold", grading.DefaultCorrectThreshold, "Lowest short-answer score counted as correct")
	f.Int("concurrency", grading.DefaultConcurrency, "Parallel short-answer gradings per submission")
	f.Int("max-attempts", quiz.DefaultMaxAttempts, "Generation attempts per quiz")
	f.Bool("tracing", false, "Export OpenTelemetry spans to stderr")
	f.Float64("tracing-sample-ratio", 1, "Fraction of traces to keep")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP quiz API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSlice("token", nil, "API token entries owner:bcrypt-hash (repeatable; none disables auth)")
	f.StringSlice("cors-origin", nil, "Allowed CORS origins (repeatable)")
	f.Int64("max-upload-bytes", handler.DefaultMaxUploadBytes, "Largest accepted upload")
	f.Bool("skip-llm-check", false, "Start without checking the LLM endpoint")
	addPipelineFlags(f)
	addStoreFlags(f)
	addLogFlags(f)
	return cmd
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate NOTES...",
		Short: "Generate a quiz from PDF or text notes and store it",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGenerate,
	}
	f := cmd.Flags()
	f.String("past-test", "", "Past test file used as a style reference")
	f.StringP("grade", "g", "", "Student grade level")
	f.StringP("distribution", "d", `{"multipleChoice":5,"knowledge":3,"thinking":2}`, "Questions per category as JSON")
	f.String("owner", "", "Owner recorded on the quiz")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addPipelineFlags(f)
	addStoreFlags(f)
	addLogFlags(f)
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Grade answers for a stored quiz",
		RunE:  runEvaluate,
	}
	f := cmd.Flags()
	f.String("quiz", "", "Quiz id (required)")
	f.String("answers", "", "JSON file mapping question ids to answers (required, - for stdin)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addPipelineFlags(f)
	addStoreFlags(f)
	addLogFlags(f)

	_ = cmd.MarkFlagRequired("quiz")
	_ = cmd.MarkFlagRequired("answers")

	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all quizzes and results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("prompt-variant", string(prompts.Standard), "Prompt variant included in export metadata")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(f)
	addLogFlags(f)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an API token entry for --token",
		RunE:  runToken,
	}
	f := cmd.Flags()
	f.String("owner", "", "Owner the token authenticates (required)")
	f.String("secret", "", "Token secret (or set QUIZGEN_SECRET)")
	addLogFlags(f)

	_ = cmd.MarkFlagRequired("owner")

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

	v.SetEnvPrefix("QUIZGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("quizgen")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/quizgen")
	v.AddConfigPath("/etc/quizgen")
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

func openRepository(ctx context.Context, v *viper.Viper) (store.Repository, error) {
	if url := v.GetString("redis-url"); url != "" {
		return store.OpenRedis(ctx, url, v.GetString("redis-prefix"))
	}
	return store.Open(ctx, v.GetString("db-driver"), v.GetString("db"))
}

func pipelineConfig(v *viper.Viper) model.Config {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.Standard)
	}
	return model.Config{
		PromptVariant:    variant,
		CorrectThreshold: v.GetFloat64("correct-threshold"),
		Concurrency:      v.GetInt("concurrency"),
		MaxAttempts:      v.GetInt("max-attempts"),
		Lang:             v.GetString("lang"),
	}
}

// pipeline holds everything a command needs to generate and grade quizzes.
type pipeline struct {
	llm      *llm.Client
	svc      *service.QuizService
	cfg      model.Config
	repo     store.Repository
	shutdown func(context.Context) error
}

func (p *pipeline) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.shutdown(ctx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
	if err := p.repo.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
}

func newPipeline(ctx context.Context, v *viper.Viper) (*pipeline, error) {
	cfg := pipelineConfig(v)
	if err := appI18n.Init(cfg.Lang); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:     v.GetBool("tracing"),
		ServiceName: "quizgen",
		Version:     version,
		SampleRatio: v.GetFloat64("tracing-sample-ratio"),
	}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	repo, err := openRepository(ctx, v)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}

	policy := llm.DefaultRetryPolicy()
	policy.MaxRetries = v.GetInt("llm-max-retries")
	client := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		llm.WithRetryPolicy(policy),
	)
	var completer llm.Completer = client
	if d := v.GetDuration("llm-timeout"); d > 0 {
		completer = llm.WithTimeout(client, d)
	}

	vocab, err := classify.DefaultVocabulary()
	if err != nil {
		repo.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	synth := quiz.New(completer, classify.New(completer, vocab, slog.Default()),
		quiz.WithMaxAttempts(cfg.MaxAttempts),
	)
	eval := grading.New(completer,
		grading.WithThreshold(cfg.CorrectThreshold),
		grading.WithConcurrency(cfg.Concurrency),
		grading.WithVariant(prompts.Variant(cfg.PromptVariant)),
	)
	return &pipeline{
		llm:      client,
		svc:      service.New(nil, synth, eval, repo, slog.Default()),
		cfg:      cfg,
		repo:     repo,
		shutdown: shutdown,
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, v)
	if err != nil {
		return err
	}
	defer p.Close()

	if !v.GetBool("skip-llm-check") {
		if err := p.llm.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	var tokens []handler.Token
	for _, entry := range v.GetStringSlice("token") {
		t, err := handler.ParseToken(entry)
		if err != nil {
			return fmt.Errorf("parse token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if len(tokens) == 0 {
		slog.Warn("no API tokens configured, the API is open")
	}

	h := handler.New(p.svc, handler.Config{
		Lang:           p.cfg.Lang,
		Tokens:         tokens,
		AllowedOrigins: v.GetStringSlice("cors-origin"),
		MaxUploadBytes: v.GetInt64("max-upload-bytes"),
	}, slog.Default())

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", p.cfg.Lang,
		"prompt_variant", p.cfg.PromptVariant,
		"correct_threshold", p.cfg.CorrectThreshold,
		"concurrency", p.cfg.Concurrency,
		"max_attempts", p.cfg.MaxAttempts,
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	var raw map[string]int
	if err := json.Unmarshal([]byte(v.GetString("distribution")), &raw); err != nil {
		return fmt.Errorf("parse distribution: %w", err)
	}
	dist := make(model.Distribution, len(raw))
	for k, n := range raw {
		c, err := model.ParseCategory(k)
		if err != nil {
			return fmt.Errorf("parse distribution: %w", err)
		}
		dist[c] += n
	}

	p, err := newPipeline(ctx, v)
	if err != nil {
		return err
	}
	defer p.Close()

	var notes []service.Document
	for _, path := range args {
		doc, closeFn, err := openDocument(path)
		if err != nil {
			return err
		}
		defer closeFn()
		notes = append(notes, doc)
	}
	var pastTest *service.Document
	if path := v.GetString("past-test"); path != "" {
		doc, closeFn, err := openDocument(path)
		if err != nil {
			return err
		}
		defer closeFn()
		pastTest = &doc
	}

	q, err := p.svc.GenerateFromDocuments(ctx, notes, pastTest, model.GenerateRequest{
		Grade:        v.GetString("grade"),
		Distribution: dist,
		OwnerID:      v.GetString("owner"),
	})
	if err != nil {
		return fmt.Errorf("generate quiz: %w", err)
	}
	return writeOutput(v.GetString("output"), q)
}

func openDocument(path string) (service.Document, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return service.Document{}, nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return service.Document{}, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return service.Document{Name: path, R: f, Size: info.Size()}, func() { f.Close() }, nil
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	var (
		data []byte
		err  error
	)
	if path := v.GetString("answers"); path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read answers: %w", err)
	}
	var answers map[string]string
	if err := json.Unmarshal(data, &answers); err != nil {
		return fmt.Errorf("parse answers: %w", err)
	}

	p, err := newPipeline(ctx, v)
	if err != nil {
		return err
	}
	defer p.Close()

	res, err := p.svc.Submit(ctx, v.GetString("quiz"), answers)
	if err != nil {
		return fmt.Errorf("evaluate quiz: %w", err)
	}
	return writeOutput(v.GetString("output"), res)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	repo, err := openRepository(ctx, v)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	// Export only reads the store, so no model client is needed.
	svc := service.New(nil, nil, nil, repo, slog.Default())
	export, err := svc.Export(ctx, v.GetString("prompt-variant"))
	if err != nil {
		return fmt.Errorf("export quizzes: %w", err)
	}
	return writeOutput(v.GetString("output"), export)
}

func runToken(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	entry, err := handler.HashToken(v.GetString("owner"), v.GetString("secret"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), entry)
	return err
}

func writeOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
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

	return nil
}
