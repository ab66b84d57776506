// adminctl is a small console front end for the admin API client. It signs
// in (or resumes the stored session), optionally fetches a resource, and
// demonstrates the session wiring the dashboard uses: durable credential
// storage, transparent refresh, and the expiry watcher.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/perkhub/go-admin-client/credentials"
	"github.com/perkhub/go-admin-client/credentials/filerepo"
	"github.com/perkhub/go-admin-client/internal/config"
	"github.com/perkhub/go-admin-client/pipeline"
	"github.com/perkhub/go-admin-client/session"
	"github.com/perkhub/go-admin-client/watcher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "adminctl: %v\n", err)
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	_ = godotenv.Load()
	c := config.New()

	email := flag.String("email", os.Getenv("ADMIN_EMAIL"), "sign-in email")
	password := flag.String("password", os.Getenv("ADMIN_PASSWORD"), "sign-in password")
	path := flag.String("get", "", "resource path to fetch after signing in")
	logout := flag.Bool("logout", false, "sign out and wipe the stored session")
	watch := flag.Bool("watch", false, "stay running and report session expiry warnings")
	flag.Parse()

	displayAppname(c.GetAppName())

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	repo, err := filerepo.New(c.GetCredentialFile(), c.GetStorageNamespace())
	if err != nil {
		return errors.Wrap(err, "opening credential storage")
	}
	store, err := credentials.NewStore(repo, credentials.WithStoreLogger(log))
	if err != nil {
		return err
	}
	if err := store.Load(); err != nil {
		log.Warn().Err(err).Msg("could not resume stored session")
	}

	httpClient := &http.Client{Timeout: c.GetRequestTimeout()}

	lifecycle, err := session.New(store, c.GetAPIBaseURL(),
		session.WithHTTPClient(httpClient),
		session.WithLogger(log),
		session.WithTokenLifetime(c.GetAccessTokenLifetime()),
		session.WithTransientFailureLimit(c.GetTransientRefreshFailureLimit()),
		session.WithTerminationHook(func(reason error) {
			log.Warn().AnErr("reason", reason).Msg("session expired, please sign in again")
		}),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *logout {
		lifecycle.Logout(ctx)
		return nil
	}

	if lifecycle.State() != session.StateActive {
		if *email == "" || *password == "" {
			return errors.New("no stored session; provide -email and -password (or ADMIN_EMAIL/ADMIN_PASSWORD)")
		}
		cred, err := lifecycle.Login(ctx, *email, *password)
		if err != nil {
			return errors.Wrap(err, "signing in")
		}
		log.Info().Str("user", cred.Identity.Email).Strs("roles", cred.Identity.Roles).Msg("session established")
	} else {
		cred, _ := store.Current()
		log.Info().Str("user", cred.Identity.Email).Time("expiresAt", cred.ExpiresAt).Msg("resumed session")
	}

	pipe, err := pipeline.New(lifecycle, c.GetAPIBaseURL(),
		pipeline.WithHTTPClient(httpClient),
		pipeline.WithLogger(log),
		pipeline.WithMaxRetries(c.GetMaxRetries()),
		pipeline.WithBaseDelay(c.GetBaseRetryDelay()),
	)
	if err != nil {
		return err
	}

	if *path != "" {
		var out json.RawMessage
		if err := pipe.Get(ctx, *path, nil, &out); err != nil {
			return errors.Wrapf(err, "fetching %s", *path)
		}
		fmt.Println(string(out))
	}

	if *watch {
		w, err := watcher.New(store,
			func(remaining time.Duration) {
				log.Warn().Dur("remaining", remaining).Msg("session expiring soon")
			},
			watcher.WithLogger(log),
			watcher.WithInterval(c.GetExpiryCheckInterval()),
			watcher.WithThreshold(c.GetExpiryWarnThreshold()),
		)
		if err != nil {
			return err
		}
		log.Info().Msg("watching session, Ctrl-C to exit")
		w.Run(ctx)
	}

	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
