package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/atotto/clipboard"
	"github.com/joho/godotenv"
	"github.com/jrsteele09/go-auth-proxy/client"
	"github.com/jrsteele09/go-auth-proxy/identity/insforge"
	"github.com/jrsteele09/go-auth-proxy/internal/config"
	"github.com/jrsteele09/go-auth-proxy/internal/logging"
	"github.com/jrsteele09/go-auth-proxy/secrets"
	"github.com/rs/zerolog/log"
	"github.com/skratchdot/open-golang/open"
)

const (
	passphraseEnvVar  = "AUTH_CLIENT_PASSPHRASE"
	secretsFileEnvVar = "AUTH_CLIENT_SECRETS_FILE"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] login|status|logout\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func main() {
	_ = godotenv.Load()

	var (
		timeout  = flag.Duration("timeout", 5*time.Minute, "how long to wait for the browser login")
		logLevel = flag.String("log-level", "warn", "log level")
		noOpen   = flag.Bool("no-browser", false, "print the login URL instead of opening a browser")
	)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	if err := logging.Setup(logging.Options{Level: *logLevel, Console: true}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p, err := newProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up client")
	}

	switch flag.Arg(0) {
	case "login":
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		opener := openBrowser
		if *noOpen {
			opener = printURL
		}
		info, err := p.Login(ctx, opener)
		if err != nil {
			log.Fatal().Err(err).Msg("login failed")
		}
		fmt.Printf("Signed in as %s\n", info.UserInfo.DisplayName)
	case "status":
		err = status(ctx, p)
	case "logout":
		err = p.SignOut(ctx)
		if err == nil {
			fmt.Println("Signed out")
		}
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg(flag.Arg(0) + " failed")
	}
}

func newProvider() (*client.Provider, error) {
	cfg := config.LoadClient()

	passphrase := os.Getenv(passphraseEnvVar)
	if passphrase == "" {
		return nil, fmt.Errorf("%s must be set", passphraseEnvVar)
	}
	path := os.Getenv(secretsFileEnvVar)
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "go-auth-proxy", "secrets.json")
	}
	store, err := secrets.OpenFileStore(path, passphrase)
	if err != nil {
		return nil, err
	}
	return client.NewProvider(store, insforge.New(cfg.APIBaseURL, ""), cfg)
}

func status(ctx context.Context, p *client.Provider) error {
	info, err := p.RetrieveAuthInfo(ctx)
	switch {
	case client.IsInvalidToken(err):
		fmt.Println("Session expired, run login again")
		return nil
	case err != nil:
		return err
	case info == nil:
		fmt.Println("Not signed in")
		return nil
	}
	fmt.Printf("Signed in as %s <%s>\n", info.UserInfo.DisplayName, info.UserInfo.Email)
	fmt.Printf("Token valid until %s\n", info.ExpiresAtTime().Local().Format(time.RFC1123))
	return nil
}

// openBrowser falls back to the clipboard when no browser can be started.
func openBrowser(loginURL string) error {
	err := open.Run(loginURL)
	if err == nil {
		fmt.Println("Opened your browser to sign in")
		return nil
	}
	log.Debug().Err(err).Msg("failed to open browser")
	if err := clipboard.WriteAll(loginURL); err != nil {
		return printURL(loginURL)
	}
	fmt.Println("Could not open a browser; the login URL is on your clipboard")
	return nil
}

func printURL(loginURL string) error {
	if loginURL == "" {
		return errors.New("empty login URL")
	}
	fmt.Printf("Open this URL to sign in:\n\n  %s\n\n", loginURL)
	return nil
}
