package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chronicle/collab/internal/auth"
	"chronicle/collab/internal/config"
	"chronicle/collab/internal/content"
	"chronicle/collab/internal/presence"
	"chronicle/collab/internal/provider"
	"chronicle/collab/internal/session"
)

const CollabCtlVersion = "0.1.0"

func main() {
	usage := `Collaborative editing control.

The relay endpoint defaults to $COLLAB_ENDPOINT or ws://localhost:8788/sync.

Usage:
    collabctl token --secret=<secret> --user=<id> --name=<name> [--role=<role>...] [--ttl=<ttl>]
    collabctl revoke --redis=<url> --jti=<id> [--ttl=<ttl>]
    collabctl watch [--endpoint=<url>] --token=<jwt> --proposal=<id> --form=<id>
        --user=<id> [--name=<name>] [--role=<role>...]
    collabctl put [--endpoint=<url>] --token=<jwt> --proposal=<id> --form=<id>
        --user=<id> [--name=<name>] [--timeout=<timeout>] <json>
    collabctl -h | --help
    collabctl --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --secret=<secret>      JWT signing secret shared with the relay.
    --user=<id>            User id.
    --name=<name>          Display name.
    --role=<role>          Role held by the user; may repeat.
    --ttl=<ttl>            Token lifetime [default: 1h].
    --redis=<url>          Redis url of the relay's revocation list.
    --jti=<id>             Token id to revoke.
    --endpoint=<url>       Relay sync endpoint.
    --token=<jwt>          Token presented to the relay.
    --proposal=<id>        Proposal whose document is opened.
    --form=<id>            Form inside the document.
    --timeout=<timeout>    How long to wait for the first sync [default: 10s].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	cfg := config.LoadClient()
	logger, err := config.NewLogger(getenvDefault("LOG_LEVEL", "warn"), "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if token_, _ := opts.Bool("token"); token_ {
		err = issueToken(opts)
	} else if revoke_, _ := opts.Bool("revoke"); revoke_ {
		err = revoke(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(opts, cfg, logger)
	} else if put_, _ := opts.Bool("put"); put_ {
		err = put(opts, cfg, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabctl: %v\n", err)
		os.Exit(1)
	}
}

func issueToken(opts docopt.Opts) error {
	secret, _ := opts.String("--secret")
	userID, _ := opts.String("--user")
	name, _ := opts.String("--name")
	ttl, err := durationOpt(opts, "--ttl")
	if err != nil {
		return err
	}

	jti := uuid.NewString()
	signed, err := auth.IssueToken([]byte(secret), auth.NewClaims(userID, name, stringsOpt(opts, "--role"), jti, ttl))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "jti: %s\n", jti)
	fmt.Println(signed)
	return nil
}

func revoke(opts docopt.Opts) error {
	redisURL, _ := opts.String("--redis")
	jti, _ := opts.String("--jti")
	ttl, err := durationOpt(opts, "--ttl")
	if err != nil {
		return err
	}

	revocations, err := auth.NewRedisRevocations(redisURL)
	if err != nil {
		return err
	}
	defer revocations.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return revocations.Revoke(ctx, jti, time.Now().Add(ttl))
}

// watch prints status, user and content changes until interrupted.
func watch(opts docopt.Opts, cfg config.ClientConfig, logger *zap.Logger) error {
	s, err := openSession(opts, cfg, logger, func(status session.Status) {
		fmt.Printf("status connected=%t synced=%t connecting=%t error=%q\n",
			status.Connected, status.Synced, status.Connecting, status.Error)
	})
	if err != nil {
		return err
	}
	defer s.Close()

	s.OnActiveUsers(func(users []presence.User) {
		names := make([]string, 0, len(users))
		for _, user := range users {
			names = append(names, fmt.Sprintf("%s (%s)", user.Name, user.Role))
		}
		fmt.Printf("users [%s]\n", strings.Join(names, ", "))
	})
	s.OnContent(func(change content.Change) {
		data, err := json.Marshal(change.Content)
		if err != nil {
			return
		}
		fmt.Printf("content local=%t %s\n", change.Local, data)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		return nil
	case <-s.Done():
		return errors.New(s.Status().Error)
	}
}

func put(opts docopt.Opts, cfg config.ClientConfig, logger *zap.Logger) error {
	raw, _ := opts.String("<json>")
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("content is not json: %w", err)
	}
	timeout, err := durationOpt(opts, "--timeout")
	if err != nil {
		return err
	}

	synced := make(chan struct{})
	var once sync.Once
	s, err := openSession(opts, cfg, logger, func(status session.Status) {
		if status.Synced {
			once.Do(func() { close(synced) })
		}
	})
	if err != nil {
		return err
	}
	defer s.Close()

	select {
	case <-synced:
	case <-s.Done():
		return errors.New(s.Status().Error)
	case <-time.After(timeout):
		return fmt.Errorf("not synced after %s", timeout)
	}
	if !s.SendUpdate(value) {
		return errors.New("update rejected")
	}
	return nil
}

func openSession(opts docopt.Opts, cfg config.ClientConfig, logger *zap.Logger, onStatus func(session.Status)) (*session.Session, error) {
	endpoint, _ := opts.String("--endpoint")
	if endpoint == "" {
		endpoint = cfg.Endpoint
	}
	token, _ := opts.String("--token")
	proposalID, _ := opts.String("--proposal")
	formID, _ := opts.String("--form")
	userID, _ := opts.String("--user")
	name, _ := opts.String("--name")
	if name == "" {
		name = userID
	}

	return session.Open(context.Background(), session.Config{
		Endpoint:       endpoint,
		Entity:         cfg.Entity,
		ProposalID:     proposalID,
		FormID:         formID,
		User:           session.User{ID: userID, DisplayName: name, Roles: stringsOpt(opts, "--role")},
		Token:          token,
		CursorInterval: cfg.CursorInterval,
		FrameInterval:  cfg.FrameInterval,
		Settings: &provider.Settings{
			HandshakeTimeout: cfg.HandshakeTimeout,
			AuthTimeout:      cfg.AuthTimeout,
			ReconnectMin:     cfg.ReconnectMin,
			ReconnectMax:     cfg.ReconnectMax,
		},
		OnStatus: onStatus,
		Logger:   logger,
	})
}

func durationOpt(opts docopt.Opts, key string) (time.Duration, error) {
	value, _ := opts.String(key)
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func stringsOpt(opts docopt.Opts, key string) []string {
	values, _ := opts[key].([]string)
	return values
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
