// Package main is the byokey gateway entry point: an HTTP server exposing
// subscription-backed AI providers through OpenAI, Anthropic, and Gemini
// compatible endpoints, plus the login flows that feed its token store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"

	"github.com/byokey/byokey/internal/api"
	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/auth/oauth"
	"github.com/byokey/byokey/internal/config"
	"github.com/byokey/byokey/internal/logging"
	"github.com/byokey/byokey/internal/util"
)

const (
	exitOK   = 0
	exitUser = 1
	exitAuth = 2
	exitBind = 3
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", config.DefaultConfigPath(), "path to the settings file")
	debug := flag.Bool("debug", false, "enable verbose logging")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "byokey: %v\n", err)
		os.Exit(exitUser)
	}
	if *debug {
		cfg.Debug = true
	}
	logging.Setup(cfg.Debug, cfg.LogFile)

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	os.Exit(run(command, args, *configPath, cfg))
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: byokey [flags] <command>

Commands:
  serve              start the gateway (default)
  login <provider>   run the provider's interactive login flow
  logout <provider>  remove the provider's active account
  status             show stored accounts for every provider
  amp login          open the amp upstream login page

Providers: %s

Flags:
`, strings.Join(auth.Providers, ", "))
	flag.PrintDefaults()
}

func run(command string, args []string, configPath string, cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := auth.OpenSQLite(cfg.TokenDB)
	if err != nil {
		log.WithError(err).Error("failed to open token store")
		return exitUser
	}
	defer func() { _ = tokens.Close() }()

	svc := oauth.NewService(util.NewHTTPClient(cfg, "", 30*time.Second))
	mgr := auth.NewManager(tokens, svc)

	switch command {
	case "serve":
		return serve(ctx, configPath, cfg, mgr)
	case "login":
		return login(ctx, args, svc, mgr)
	case "logout":
		return logout(ctx, args, mgr)
	case "status":
		return status(ctx, mgr)
	case "amp":
		return amp(args, cfg)
	default:
		fmt.Fprintf(os.Stderr, "byokey: unknown command %q\n", command)
		usage()
		return exitUser
	}
}

func serve(ctx context.Context, configPath string, cfg *config.Config, mgr *auth.Manager) int {
	store := config.NewStore(configPath, cfg)
	mgr.SetAPIKeyLookup(func(provider string) string {
		return store.Snapshot().Provider(provider).APIKey
	})
	go func() {
		if err := store.Watch(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("config watcher stopped")
		}
	}()

	if err := api.NewServer(store, mgr).Run(ctx); err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "listen" {
			log.WithError(err).Errorf("cannot bind %s", cfg.Addr())
			return exitBind
		}
		log.WithError(err).Error("server failed")
		return exitUser
	}
	return exitOK
}

func login(ctx context.Context, args []string, svc *oauth.Service, mgr *auth.Manager) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "byokey: login requires exactly one provider")
		return exitUser
	}
	provider := strings.ToLower(args[0])
	if !auth.ValidProvider(provider) {
		fmt.Fprintf(os.Stderr, "byokey: unknown provider %q\n", provider)
		return exitUser
	}
	rec, err := svc.Login(ctx, provider)
	if err != nil {
		log.WithError(err).Errorf("%s login failed", provider)
		return exitAuth
	}
	if err = mgr.SaveLogin(ctx, rec); err != nil {
		log.WithError(err).Error("failed to persist credential")
		return exitAuth
	}
	fmt.Printf("Logged in to %s as %s\n", provider, rec.Label)
	return exitOK
}

func logout(ctx context.Context, args []string, mgr *auth.Manager) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "byokey: logout requires exactly one provider")
		return exitUser
	}
	provider := strings.ToLower(args[0])
	if !auth.ValidProvider(provider) {
		fmt.Fprintf(os.Stderr, "byokey: unknown provider %q\n", provider)
		return exitUser
	}
	if err := mgr.Logout(ctx, provider, ""); err != nil {
		log.WithError(err).Errorf("%s logout failed", provider)
		return exitAuth
	}
	fmt.Printf("Logged out of %s\n", provider)
	return exitOK
}

func status(ctx context.Context, mgr *auth.Manager) int {
	now := time.Now()
	for _, provider := range auth.Providers {
		records, err := mgr.Status(ctx, provider)
		if err != nil {
			log.WithError(err).Errorf("failed to list %s accounts", provider)
			return exitUser
		}
		if len(records) == 0 {
			fmt.Printf("%-12s (not logged in)\n", provider)
			continue
		}
		for _, rec := range records {
			marker := " "
			if rec.IsActive {
				marker = "*"
			}
			fmt.Printf("%-12s %s %-24s %s\n", provider, marker, rec.AccountID, rec.Credential.State(now))
		}
	}
	return exitOK
}

func amp(args []string, cfg *config.Config) int {
	if len(args) != 1 || args[0] != "login" {
		fmt.Fprintln(os.Stderr, "byokey: usage: byokey amp login")
		return exitUser
	}
	upstream := cfg.Amp.UpstreamURL
	if upstream == "" {
		upstream = "https://ampcode.com"
	}
	loginURL := strings.TrimSuffix(upstream, "/") + "/login"
	if err := browser.OpenURL(loginURL); err != nil {
		fmt.Printf("Open the following URL to log in to amp:\n%s\n", loginURL)
	}
	return exitOK
}
