package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/ndtrung87864/examgate/internal/grading"
	"github.com/ndtrung87864/examgate/internal/handler"
	appI18n "github.com/ndtrung87864/examgate/internal/i18n"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/oracle"
	"github.com/ndtrung87864/examgate/internal/oracle/prompts"
	"github.com/ndtrung87864/examgate/internal/penalty"
	"github.com/ndtrung87864/examgate/internal/regrade"
	"github.com/ndtrung87864/examgate/internal/storage"
	"github.com/ndtrung87864/examgate/internal/store"
	"github.com/ndtrung87864/examgate/internal/submission"
	"github.com/ndtrung87864/examgate/internal/timer"
	"github.com/ndtrung87864/examgate/internal/validate"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examgate",
		Short: "Timed assessment submission, grading and late-penalty server",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), importCmd(), gradePendingCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examgate --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addDBFlags(f *pflag.FlagSet) {
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("db", "examgate.db", "SQLite path or PostgreSQL DSN")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addOracleFlags(f *pflag.FlagSet) {
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for the scoring oracle")
	f.String("llm-model", oracle.DefaultModel, "Model used when an assessment names none")
	f.String("prompt-variant", string(prompts.PromptStandard), "Essay grading prompt variant (strict, standard, lenient)")
	f.StringP("lang", "l", "en", "Default language (en, vi)")
}

func addStorageFlags(f *pflag.FlagSet) {
	f.String("storage", "fs", "Essay file storage backend (fs, s3)")
	f.String("upload-dir", "data/uploads", "Directory for the fs storage backend")
	f.String("s3-bucket", "", "S3 bucket")
	f.String("s3-region", "", "S3 region")
	f.String("s3-endpoint", "", "S3-compatible endpoint URL (optional)")
	f.String("s3-access-key", "", "S3 access key")
	f.String("s3-secret-key", "", "S3 secret key")
	f.String("s3-prefix", "essays", "Key prefix inside the bucket")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addDBFlags(f)
	addOracleFlags(f)
	addStorageFlags(f)
	f.String("timer-file", "data/timers.json", "JSON file holding attempt timers (empty keeps them in memory)")
	f.String("jwt-secret", "", "HMAC secret for identity tokens (required)")
	f.Int("token-ttl-hours", 8, "Lifetime of issued identity tokens")
	f.Int64("max-upload-mb", 20, "Maximum essay upload size in MiB")
	f.StringSlice("cors-origins", nil, "Allowed browser origins (empty allows any)")
	f.String("admin-password", "", "Initial admin password (or set EXAMGATE_ADMIN_PASSWORD)")
	f.Bool("skip-llm-check", false, "Start even if the scoring oracle is unreachable")
	addLogFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addDBFlags(f)
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import assessments from YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	addDBFlags(f)
	f.Bool("force", false, "Re-import files whose content was imported before")
	addLogFlags(f)
	return cmd
}

func gradePendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade-pending",
		Short: "Grade every ungraded essay through the scoring oracle",
		RunE:  runGradePending,
	}
	f := cmd.Flags()
	addDBFlags(f)
	addOracleFlags(f)
	addStorageFlags(f)
	f.Int("limit", 0, "Maximum number of essays to grade (0 = all)")
	addLogFlags(f)
	return cmd
}

func setupLogging(v *viper.Viper) {
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

	v.SetEnvPrefix("EXAMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examgate")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examgate")
	v.AddConfigPath("/etc/examgate")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// setup binds configuration and configures logging for a command.
func setup(cmd *cobra.Command) *viper.Viper {
	v := viperForCmd(cmd)
	setupLogging(v)
	return v
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	driver := store.Driver(strings.ToLower(v.GetString("db-driver")))
	db, err := store.Open(ctx, driver, v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	slog.Info("database ready", "driver", driver)
	return db, nil
}

func newFileStore(v *viper.Viper) (storage.FileStore, error) {
	switch backend := strings.ToLower(v.GetString("storage")); backend {
	case "fs", "":
		return storage.NewFSStore(v.GetString("upload-dir"))
	case "s3":
		return storage.NewS3Store(storage.S3Config{
			Bucket:    v.GetString("s3-bucket"),
			Region:    v.GetString("s3-region"),
			AccessKey: v.GetString("s3-access-key"),
			SecretKey: v.GetString("s3-secret-key"),
			Endpoint:  v.GetString("s3-endpoint"),
			Prefix:    v.GetString("s3-prefix"),
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func promptVariant(v *viper.Viper) prompts.PromptVariant {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		return prompts.PromptStandard
	}
	return prompts.PromptVariant(variant)
}

// gradingStack builds the oracle client and the grading and regrade
// services that share it.
func gradingStack(v *viper.Viper, db *store.Store, files storage.FileStore) (*oracle.Client, *grading.Service, *regrade.Orchestrator, error) {
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return nil, nil, nil, fmt.Errorf("init i18n: %w", err)
	}
	p, err := prompts.Default()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load prompts: %w", err)
	}
	client := oracle.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
	grader := grading.New(db, files, client, p, grading.Config{
		Variant:      promptVariant(v),
		DefaultModel: client.Model(),
		Language:     lang,
	}, nil)
	return client, grader, regrade.New(db, client, p, client.Model(), lang), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := setup(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	// Seed default admin user if no users exist.
	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	files, err := newFileStore(v)
	if err != nil {
		return fmt.Errorf("file storage: %w", err)
	}
	client, grader, regrader, err := gradingStack(v, db, files)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		if !v.GetBool("skip-llm-check") {
			return fmt.Errorf("scoring oracle health check: %w", err)
		}
		slog.Warn("scoring oracle unreachable, grading will fail until it is up", "error", err)
	} else {
		slog.Info("scoring oracle OK", "url", v.GetString("llm-url"), "model", client.Model())
	}

	var timerStore timer.Store = timer.NewMemoryStore()
	if path := v.GetString("timer-file"); path != "" {
		timerStore = timer.NewJSONFileStore(path)
	}

	h, err := handler.New(handler.Deps{
		Store:    db,
		Files:    files,
		Gate:     submission.New(db, files, nil),
		Grader:   grader,
		Regrader: regrader,
		Scores:   penalty.NewService(db, nil),
		Timers:   timer.NewTracker(timerStore),
		Config: model.ServerConfig{
			DefaultModel:   client.Model(),
			PromptVariant:  string(promptVariant(v)),
			JWTSecret:      v.GetString("jwt-secret"),
			TokenTTLHours:  v.GetInt("token-ttl-hours"),
			MaxUploadBytes: v.GetInt64("max-upload-mb") << 20,
			CORSOrigins:    v.GetStringSlice("cors-origins"),
		},
		Lang: v.GetString("lang"),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

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
		"db_driver", v.GetString("db-driver"),
		"storage", v.GetString("storage"),
		"model", client.Model(),
		"llm_url", v.GetString("llm-url"),
		"lang", v.GetString("lang"),
		"prompt_variant", promptVariant(v),
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := setup(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.ExportResults(ctx)
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
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

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	v := setup(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		n, err := importAssessments(ctx, db, path, data, v.GetBool("force"))
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if n < 0 {
			slog.Info("assessment file unchanged, skipping", "path", path)
			continue
		}
		slog.Info("imported assessments", "path", path, "count", n)
	}
	return nil
}

// assessmentFile is the YAML import format.
type assessmentFile struct {
	Assessments []model.Assessment `yaml:"assessments"`
}

// importAssessments upserts every assessment of a YAML document. It returns
// -1 when the same content was imported before and force is false.
func importAssessments(ctx context.Context, db *store.Store, name string, data []byte, force bool) (int, error) {
	var doc assessmentFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse YAML: %w", err)
	}
	for i := range doc.Assessments {
		if err := validate.Struct(doc.Assessments[i]); err != nil {
			return 0, fmt.Errorf("assessment #%d: %w", i+1, err)
		}
	}

	hash := sha256sum(data)
	seen, err := db.IsImported(ctx, hash)
	if err != nil {
		return 0, fmt.Errorf("check import status: %w", err)
	}
	if seen && !force {
		return -1, nil
	}

	for _, a := range doc.Assessments {
		if err := db.UpsertAssessment(ctx, a); err != nil {
			return 0, fmt.Errorf("upsert assessment %s: %w", a.ID, err)
		}
	}
	if _, err := db.MarkImported(ctx, hash, name); err != nil {
		return 0, fmt.Errorf("record import: %w", err)
	}
	return len(doc.Assessments), nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func runGradePending(cmd *cobra.Command, _ []string) error {
	v := setup(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := newFileStore(v)
	if err != nil {
		return fmt.Errorf("file storage: %w", err)
	}
	_, grader, _, err := gradingStack(v, db, files)
	if err != nil {
		return err
	}

	rep, err := grader.GradePending(ctx, v.GetInt("limit"))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "graded %d, refused %d, failed %d\n", rep.Graded, rep.Refused, rep.Failed)
	if rep.Failed > 0 {
		return fmt.Errorf("%d essays could not be graded", rep.Failed)
	}
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or EXAMGATE_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
