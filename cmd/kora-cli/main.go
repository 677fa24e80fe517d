// kora-cli is a terminal client for the Kora backend: it restores or
// creates a session, fetches the profile, and streams realtime events for a
// debate room. Mostly useful for poking at a deployment and as a worked
// example of wiring the session object graph.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	retry "github.com/appleboy/go-httpretry"
	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/kora-live/kora-go/auth"
	"github.com/kora-live/kora-go/channel"
	"github.com/kora-live/kora-go/credentials"
	"github.com/kora-live/kora-go/credentials/filekv"
	"github.com/kora-live/kora-go/gateway"
	"github.com/kora-live/kora-go/internal/config"
	"github.com/kora-live/kora-go/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
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

	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	c := config.New()
	displayAppname(c.GetAppName())

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if c.GetEnv() != "DEV" {
		log = log.Level(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, ch, err := buildSessionGraph(c, log)
	if err != nil {
		return err
	}

	if !service.RestoreSession(ctx) {
		email, password := c.GetEmail(), c.GetPassword()
		if email == "" || password == "" {
			return errors.New("no stored session and KORA_EMAIL/KORA_PASSWORD not set")
		}
		user, err := service.Login(ctx, email, password)
		if err != nil {
			return err
		}
		log.Info().Str("user", user.ID).Msg("logged in")
	}

	if err := service.RefreshProfile(ctx); err != nil {
		return err
	}

	ch.Connect(ctx)
	defer ch.Close()

	if roomID := c.GetRoomID(); roomID != "" {
		sub, err := ch.Join(roomID)
		if err != nil {
			return err
		}
		defer sub.Close()
		log.Info().Str("room", roomID).Msg("joined, streaming events (ctrl-c to quit)")

		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-sub.Events():
				if !ok {
					return nil
				}
				log.Info().Str("event", event.Name).RawJSON("data", orEmpty(event.Data)).Msg("room event")
			}
		}
	}

	log.Info().Msg("no KORA_ROOM_ID set, waiting for ctrl-c")
	<-ctx.Done()
	return nil
}

func buildSessionGraph(c config.Config, log zerolog.Logger) (*auth.SessionService, *channel.Channel, error) {
	store, err := credentials.NewStore(filekv.New(c.GetTokenFile()), credentials.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	state := session.NewState()

	httpClient, err := retry.NewBackgroundClient()
	if err != nil {
		return nil, nil, err
	}

	refresher, err := session.NewRefresher(state, store, c.GetBaseURL()+"/auth/refresh",
		session.WithHTTPClient(httpClient),
		session.WithLogger(log),
	)
	if err != nil {
		return nil, nil, err
	}

	gw, err := gateway.New(c.GetBaseURL(), state, store, refresher,
		gateway.WithHTTPClient(httpClient),
		gateway.WithLogger(log),
	)
	if err != nil {
		return nil, nil, err
	}

	ch, err := channel.New(c.GetSocketURL(), state, refresher,
		channel.WithLogger(log),
		channel.WithStatusFunc(func(status channel.Status) {
			log.Info().Stringer("status", status).Msg("channel status")
		}),
	)
	if err != nil {
		return nil, nil, err
	}

	service, err := auth.NewSessionService(auth.Deps{
		Store:   store,
		State:   state,
		Gateway: gw,
		Channel: ch,
	}, auth.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}

	return service, ch, nil
}

func orEmpty(data []byte) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	return data
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
