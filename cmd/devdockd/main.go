package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/devdock/devdock/internal/buildinfo"
	"github.com/devdock/devdock/internal/config"
	"github.com/devdock/devdock/internal/daemon"
	"github.com/devdock/devdock/internal/db"
)

func main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		// Journald and container logs stamp lines themselves.
		log.SetFlags(0)
	}

	if len(os.Args) > 1 && os.Args[1] == "create-user" {
		if err := runCreateUser(os.Args[2:]); err != nil {
			log.Fatalf("devdockd: %v", err)
		}
		return
	}

	var showVersion bool
	var configPath string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("devdockd: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg); err != nil {
		log.Fatalf("devdockd: %v", err)
	}
}

// loadConfig reads the YAML config; a missing default file falls back to
// defaults, a missing explicit -config path is an error.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if path == "" && errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
			if verr := cfg.Validate(); verr != nil {
				return cfg, verr
			}
			return cfg, nil
		}
		return cfg, err
	}
	return cfg, nil
}

// runCreateUser handles `devdockd create-user`, the only way accounts
// are provisioned.
func runCreateUser(args []string) error {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "path to config file")
		username   = fs.String("username", "", "login name (required)")
		password   = fs.String("password", "", "password (required)")
		email      = fs.String("email", "", "email address")
		staff      = fs.Bool("staff", false, "mark the account as staff")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *password == "" {
		return errors.New("create-user: -username and -password are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var emailPtr *string
	if *email != "" {
		emailPtr = email
	}
	id, err := store.CreateUser(context.Background(), *username, *password, emailPtr, *staff)
	if err != nil {
		return err
	}
	fmt.Printf("created user %s (id=%d)\n", *username, id)
	return nil
}
