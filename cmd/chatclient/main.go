// Package main is a terminal client for the portal messaging service.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"

	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/pkg/client"
)

func main() {
	server := flag.String("server", getEnv("PORTAL_SERVER", "http://localhost:8080"), "service base URL")
	token := flag.String("token", os.Getenv("PORTAL_TOKEN"), "bearer token (or PORTAL_TOKEN)")
	open := flag.String("open", "", "conversation to open on start, e.g. group:evaluators")
	flag.Parse()

	if *token == "" {
		printUsage()
		os.Exit(1)
	}

	self, err := subject(*token)
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *server, *token, self, *open); err != nil && !errors.Is(err, context.Canceled) {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: chatclient -token <jwt> [-server URL] [-open conversation]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  /open <conversation>     Switch to dm:<a>:<b> or group:<tag>")
	fmt.Println("  /dm <user> <text>        Send a direct message")
	fmt.Println("  /group <tag> <text>      Send to a group")
	fmt.Println("  /who                     List online users (admin)")
	fmt.Println("  /quit                    Exit")
	fmt.Println("  <text>                   Reply in the open conversation")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  PORTAL_SERVER            Service base URL (default: http://localhost:8080)")
	fmt.Println("  PORTAL_TOKEN             JWT bearer token")
	fmt.Println()
}

// subject reads the user id from the token without verifying it; the server does that.
func subject(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func run(ctx context.Context, server, token, self, initial string) error {
	api := client.NewAPI(server, token)
	rec := client.NewReconciler(self, api, client.WithPoster(api), client.WithHistoryLimit(50))

	cyan := color.New(color.FgCyan)
	rec.OnChange(func(id string, entries []client.Entry) {
		render(self, id, entries)
	})

	wsURL, err := liveURL(server)
	if err != nil {
		return err
	}
	go maintainLive(ctx, wsURL, token, self, rec)

	if initial != "" {
		if err := rec.Open(ctx, initial); err != nil {
			color.Red("  %v\n", err)
		}
	}

	cyan.Printf("Signed in as %s (/quit to exit)\n\n", self)
	return repl(ctx, self, api, rec)
}

// maintainLive keeps a live channel open, resyncing the open conversation
// after every reconnect.
func maintainLive(ctx context.Context, wsURL, token, self string, rec *client.Reconciler) {
	yellow := color.New(color.FgYellow)
	backoff := time.Second

	for first := true; ctx.Err() == nil; first = false {
		conn, err := client.Dial(ctx, wsURL, token)
		if err == nil {
			if _, err = conn.Register(ctx, self); err != nil {
				conn.Close()
			}
		}
		if err != nil {
			yellow.Printf("  live channel unavailable: %v (retrying in %s)\n", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		if !first {
			if err := rec.Resync(ctx); err != nil && !errors.Is(err, client.ErrSuperseded) {
				yellow.Printf("  resync failed: %v\n", err)
			}
		}

		for msg := range conn.Messages() {
			rec.Receive(msg)
			if id := conversationOf(self, msg); id != rec.Active() {
				yellow.Printf("  %d new in %s\n", rec.Pending(id), id)
			}
		}
		conn.Close()
	}
}

func repl(ctx context.Context, self string, api *client.API, rec *client.Reconciler) error {
	green := color.New(color.FgGreen)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024)
	for {
		green.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := dispatch(ctx, self, api, rec, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			color.Red("  %v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

func dispatch(ctx context.Context, self string, api *client.API, rec *client.Reconciler, line string) error {
	if !strings.HasPrefix(line, "/") {
		return reply(ctx, self, rec, line)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return errQuit
	case "/open":
		return rec.Open(ctx, strings.TrimSpace(rest))
	case "/dm", "/group":
		target, text, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || text == "" {
			return fmt.Errorf("usage: %s <target> <text>", cmd)
		}
		kind := model.RecipientUser
		if cmd == "/group" {
			kind = model.RecipientGroup
		}
		_, err := rec.Send(ctx, target, kind, text)
		return err
	case "/who":
		users, err := api.Presence(ctx)
		if err != nil {
			return err
		}
		color.New(color.FgCyan).Printf("  online: %s\n", strings.Join(users, ", "))
		return nil
	}
	return fmt.Errorf("unknown command %s", cmd)
}

func reply(ctx context.Context, self string, rec *client.Reconciler, text string) error {
	active := rec.Active()
	if active == "" {
		return errors.New("no open conversation; use /open")
	}
	ref, err := model.ParseConversationID(active)
	if err != nil {
		return err
	}
	if ref.Kind == model.ConversationGroup {
		_, err = rec.Send(ctx, ref.Group, model.RecipientGroup, text)
		return err
	}
	peer := ref.Participants[0]
	if peer == self {
		peer = ref.Participants[1]
	}
	_, err = rec.Send(ctx, peer, model.RecipientUser, text)
	return err
}

func render(self, id string, entries []client.Entry) {
	cyan := color.New(color.FgCyan)
	dim := color.New(color.Faint)
	mine := color.New(color.FgGreen)

	cyan.Printf("\n-- %s --\n", id)
	for _, e := range entries {
		ts := e.At.Local().Format("15:04:05")
		name := e.SenderName
		if name == "" {
			name = e.SenderID
		}
		switch {
		case e.Failed:
			color.Red("  %s %s: %s (not sent)\n", ts, name, e.Text)
		case e.SenderID == self:
			mine.Printf("  %s %s: %s\n", ts, name, e.Text)
		default:
			fmt.Printf("  %s %s: %s\n", dim.Sprint(ts), name, e.Text)
		}
	}
}

func conversationOf(self string, msg model.DeliveredMessage) string {
	switch {
	case msg.ConversationID != "":
		return msg.ConversationID
	case msg.Group != "":
		return model.GroupConversationID(msg.Group)
	}
	return model.DirectConversationID(msg.From, self)
}

func liveURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
