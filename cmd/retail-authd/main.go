package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/term"

	auth "github.com/goliatone/go-retail-auth"
	"github.com/goliatone/go-retail-auth/activity/amqpsink"
	"github.com/goliatone/go-retail-auth/middleware/ratelimit"
	"github.com/goliatone/go-retail-auth/repository"
)

const usage = `usage: retail-authd [command] [flags]

commands:
  serve          serve the auth HTTP endpoints (default)
  create-admin   create an administrator account
  prune-tokens   delete expired refresh tokens
`

type App struct {
	config   *Config
	logger   glog.Logger
	provider glog.LoggerProvider
	db       *bun.DB
	store    *repository.Store
	auther   *auth.Auther
	sink     auth.ActivitySink
	srv      router.Server[*fiber.App]
	closers  []func() error
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.provider.GetLogger(name)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func main() {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("retail-authd"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
	)

	if err := run(context.Background(), lgr, lgr, os.Args[1:]); err != nil {
		lgr.Error("retail-authd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger glog.Logger, provider glog.LoggerProvider, args []string) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	if command == "help" {
		fmt.Fprint(os.Stderr, usage)
		return nil
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	app := &App{
		config:   cfg,
		logger:   logger,
		provider: provider,
	}
	defer app.Close()

	if err := WithPersistence(ctx, app); err != nil {
		return err
	}

	switch command {
	case "serve":
		return serve(ctx, app)
	case "create-admin":
		return createAdmin(ctx, app, args)
	case "prune-tokens":
		return pruneTokens(ctx, app)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func serve(ctx context.Context, app *App) error {
	if err := WithActivity(ctx, app); err != nil {
		return err
	}

	if err := WithAuthenticator(ctx, app); err != nil {
		return err
	}

	if err := WithHTTPServer(ctx, app); err != nil {
		return err
	}

	go func() {
		if err := app.srv.Serve(app.config.HTTPAddr); err != nil {
			app.logger.Error("http server stopped", "error", err)
		}
	}()

	app.logger.Info("retail-authd listening", "addr", app.config.HTTPAddr)

	sig := WaitExitSignal()
	app.logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return app.srv.Shutdown(shutdownCtx)
}

func WithPersistence(ctx context.Context, app *App) error {
	cfg := app.config

	var (
		db      *bun.DB
		dialect string
	)

	switch cfg.DBDriver {
	case DriverMySQL:
		mcfg, err := mysql.ParseDSN(cfg.DBDSN)
		if err != nil {
			return err
		}
		// conditional updates report matched rows
		mcfg.ClientFoundRows = true
		mcfg.ParseTime = true

		connector, err := mysql.NewConnector(mcfg)
		if err != nil {
			return err
		}
		db = bun.NewDB(sql.OpenDB(connector), mysqldialect.New())
		dialect = "mysql"
	default:
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DBDSN)
		if err != nil {
			return err
		}
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return err
		}
		dialect = "sqlite3"
	}

	app.closers = append(app.closers, db.Close)

	if err := repository.Migrate(ctx, db, dialect); err != nil {
		return err
	}

	app.db = db
	app.store = repository.NewStore(db)

	app.GetLogger("persistence").Info("database ready", "driver", cfg.DBDriver)

	return nil
}

func WithActivity(_ context.Context, app *App) error {
	if app.config.AMQPURL == "" {
		return nil
	}

	sink, err := amqpsink.Dial(app.config.AMQPURL,
		amqpsink.WithExchange(app.config.AMQPExchange),
		amqpsink.WithLogger(app.GetLogger("activity")),
	)
	if err != nil {
		return fmt.Errorf("activity sink: %w", err)
	}

	app.sink = sink
	app.closers = append(app.closers, sink.Close)

	return nil
}

func WithAuthenticator(_ context.Context, app *App) error {
	opts := []auth.AutherOption{
		auth.WithLoggerProvider(app.provider),
	}
	if app.sink != nil {
		opts = append(opts, auth.WithActivitySink(app.sink))
	}

	auther, err := auth.NewAuthenticator(app.store, app.store, app.config, opts...)
	if err != nil {
		return err
	}

	app.auther = auther
	return nil
}

func WithHTTPServer(_ context.Context, app *App) error {
	cfg := app.config

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:          true,
			StrictRouting:         false,
			DisableStartupMessage: !cfg.Debug,
			EnablePrintRoutes:     cfg.Debug,
		}))
	})

	srv.Router().WithLogger(app.GetLogger("router"))

	errorHandler := auth.NewHTTPErrorHandler(app.GetLogger("auth.http"))

	var counter ratelimit.Counter = ratelimit.NewMemoryCounter()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		app.closers = append(app.closers, rdb.Close)
		counter = ratelimit.NewRedisCounter(rdb)
	}

	limiter := ratelimit.New(ratelimit.Config{
		Max:          cfg.RateLimitMax,
		Window:       cfg.RateLimitWindow,
		Counter:      counter,
		ErrorHandler: errorHandler,
		Logger:       app.GetLogger("ratelimit"),
	})

	controller := auth.RegisterAuthRoutes(srv.Router(),
		auth.WithControllerAuther(app.auther),
		auth.WithControllerConfig(cfg),
		auth.WithControllerErrorHandler(errorHandler),
		auth.WithControllerRateLimiter(limiter),
		auth.WithControllerDebug(cfg.Debug),
	)

	auth.RegisterAdminRoutes(srv.Router(), controller,
		auth.NewUserCommands(app.auther, app.store),
	)

	app.srv = srv

	return nil
}

func createAdmin(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("create-admin", flag.ContinueOnError)
	username := fs.String("username", "admin", "administrator username")
	email := fs.String("email", "", "administrator email (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := WithAuthenticator(ctx, app); err != nil {
		return err
	}

	password := os.Getenv("RETAIL_AUTH_ADMIN_PASSWORD")
	if password == "" {
		var err error
		password, err = readPassword("Password: ")
		if err != nil {
			return err
		}
	}

	commands := auth.NewUserCommands(app.auther, app.store)
	user, err := commands.Register.Register(ctx, auth.RegisterUserMessage{
		Username: *username,
		Email:    *email,
		Role:     string(auth.RoleAdmin),
		Password: password,
	})
	if err != nil {
		return err
	}

	fmt.Println(print.MaybePrettyJSON(user))
	return nil
}

func pruneTokens(ctx context.Context, app *App) error {
	count, err := app.store.PruneExpiredRefreshTokens(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	app.GetLogger("prune").Info("expired refresh tokens pruned", "count", count)
	return nil
}

// readPassword prompts without echo on a terminal and reads one line
// from stdin otherwise.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(raw), err
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
