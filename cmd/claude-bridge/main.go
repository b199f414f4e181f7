// Command claude-bridge runs a local proxy that accepts OpenAI Chat
// Completions, OpenAI Responses, and Anthropic Messages requests and relays
// them to the Anthropic API using a Claude subscription's OAuth credentials.
//
// Usage:
//
//	claude-bridge            start the proxy
//	claude-bridge login      obtain OAuth credentials interactively
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"github.com/bridgekit-ai/claude-bridge/internal/admission"
	"github.com/bridgekit-ai/claude-bridge/internal/api"
	"github.com/bridgekit-ai/claude-bridge/internal/auth"
	"github.com/bridgekit-ai/claude-bridge/internal/config"
	"github.com/bridgekit-ai/claude-bridge/internal/logging"
	"github.com/bridgekit-ai/claude-bridge/internal/misc"
	"github.com/bridgekit-ai/claude-bridge/internal/telemetry"
	"github.com/bridgekit-ai/claude-bridge/internal/upstream"
	"github.com/bridgekit-ai/claude-bridge/internal/watcher"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to the configuration file (default: <config dir>/config.json)")
	console := flag.Bool("console", false, "use the console.anthropic.com login page")
	flag.Parse()

	dir, err := config.Dir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "claude-bridge: %v\n", err)
		os.Exit(1)
	}
	if *configPath == "" {
		*configPath = filepath.Join(dir, config.ConfigFileName)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "claude-bridge: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Debug)
	if err = logging.ConfigureFileOutput(dir, cfg.LoggingToFile); err != nil {
		log.Errorf("failed to configure log file output: %v", err)
	}

	store := auth.NewFileStore(filepath.Join(dir, config.AuthFileName))

	if flag.Arg(0) == "login" {
		if err = runLogin(store, cfg.ProxyURL, *console); err != nil {
			log.Errorf("login failed: %v", err)
			os.Exit(1)
		}
		return
	}

	if err = runServe(dir, *configPath, cfg, store); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

// runLogin drives the PKCE authorization flow: open the browser, let the user
// paste the code#state string the callback page shows, exchange it, persist
// the credential triple.
func runLogin(store *auth.FileStore, proxyURL string, console bool) error {
	pkce, err := auth.GeneratePKCECodes()
	if err != nil {
		return err
	}
	oauthClient := auth.NewOAuthClient(proxyURL)
	authURL, err := oauthClient.AuthorizeURL(pkce.CodeVerifier, pkce, console)
	if err != nil {
		return err
	}

	fmt.Println("Opening the authorization page in your browser.")
	fmt.Println("If it does not open, visit this URL:")
	fmt.Println()
	fmt.Println("  " + authURL)
	fmt.Println()
	if errOpen := open.Run(authURL); errOpen != nil {
		log.Debugf("could not open browser: %v", errOpen)
	}

	fmt.Print("Paste the authorization code shown after approval: ")
	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("no authorization code entered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	record, err := oauthClient.ExchangeCode(ctx, code, pkce.CodeVerifier, pkce)
	if err != nil {
		return err
	}
	if err = store.Save(record); err != nil {
		return err
	}
	fmt.Println("Login successful.")
	return nil
}

// runServe wires the proxy and blocks until SIGINT/SIGTERM.
func runServe(dir, configPath string, cfg *config.Config, store *auth.FileStore) error {
	record, err := store.Load()
	if err != nil {
		return err
	}
	if record == nil {
		return auth.ErrNotAuthenticated
	}

	manager := auth.NewManager(store, auth.NewOAuthClient(cfg.ProxyURL))
	client := upstream.NewClient(manager, cfg.ProxyURL)
	controller := admission.NewController()
	collector := telemetry.NewCollector()
	server := api.NewServer(cfg, controller, client, collector)

	apiKeyPath := filepath.Join(dir, config.APIKeyFileName)
	if rec, err := config.LoadAPIKey(apiKeyPath); err != nil {
		log.Errorf("failed to load API key file: %v", err)
	} else if rec != nil {
		server.SetAPIKey(rec.Key)
		log.Infof("local API key enabled (%s)", misc.MaskKey(rec.Key))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go controller.Run(ctx)

	cfgWatcher := watcher.New(filepath.Dir(configPath))
	cfgWatcher.Watch(filepath.Base(configPath), func(path string) {
		newCfg, err := config.Load(path)
		if err != nil {
			log.Errorf("config reload failed: %v", err)
			return
		}
		server.SetConfig(newCfg)
		log.Infof("configuration reloaded from %s", path)
	})

	keyHandler := func(path string) {
		rec, err := config.LoadAPIKey(path)
		if err != nil {
			log.Errorf("API key reload failed: %v", err)
			return
		}
		if rec == nil {
			server.SetAPIKey("")
			log.Info("local API key disabled")
			return
		}
		server.SetAPIKey(rec.Key)
		log.Infof("local API key updated (%s)", misc.MaskKey(rec.Key))
	}
	if filepath.Dir(configPath) == dir {
		cfgWatcher.Watch(config.APIKeyFileName, keyHandler)
	} else {
		keyWatcher := watcher.New(dir)
		keyWatcher.Watch(config.APIKeyFileName, keyHandler)
		go func() {
			if err := keyWatcher.Run(ctx); err != nil {
				log.Errorf("API key watcher stopped: %v", err)
			}
		}()
	}
	go func() {
		if err := cfgWatcher.Run(ctx); err != nil {
			log.Errorf("config watcher stopped: %v", err)
		}
	}()

	return server.Serve(ctx)
}
