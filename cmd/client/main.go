package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"shareroom/internal/models"
	"shareroom/internal/roomclient"
	"shareroom/pkg/logger"

	"github.com/spf13/cobra"
)

var opts struct {
	url    string
	room   string
	token  string
	origin string
	pin    string
	user   string
}

var rootCmd = &cobra.Command{
	Use:   "shareroom-client",
	Short: "Join a shared room from the terminal",
	Long: `Connects to a room relay and prints what other participants do.
Every line read from stdin becomes the new room content. The lines
/resume and /quit reconnect after a clean close and exit.`,
	SilenceUsage: true,
	RunE:         runClient,
}

func init() {
	rootCmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws", "relay endpoint")
	rootCmd.Flags().StringVarP(&opts.room, "room", "r", "", "room id")
	rootCmd.Flags().StringVar(&opts.token, "token", "", "room access token")
	rootCmd.Flags().StringVar(&opts.origin, "origin", "http://localhost:3000", "Origin header sent on connect")
	rootCmd.Flags().StringVar(&opts.pin, "pin", "", "PIN presented after connecting")
	rootCmd.Flags().StringVar(&opts.user, "user", "", "label shown to others while editing")
	_ = rootCmd.MarkFlagRequired("room")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	logger.Set(logger.New(os.Getenv("LOG_LEVEL"), "console"))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := roomclient.New(roomclient.Options{
		URL:    opts.url,
		RoomID: opts.room,
		Token:  opts.token,
		Origin: opts.origin,
		PIN:    opts.pin,
		UserID: opts.user,
	}, roomclient.Handlers{
		OnInit:         func(content string) { fmt.Printf("[init] %q\n", content) },
		OnUpdate:       func(content string) { fmt.Printf("[update] %q\n", content) },
		OnLockAcquired: func(userID string) { fmt.Printf("[lock] %s is editing\n", userID) },
		OnLockReleased: func() { fmt.Println("[lock] released") },
		OnLockFailed:   func(reason string) { fmt.Printf("[lock] refused: %s\n", reason) },
		OnAuthResult: func(role models.Role, authorized bool) {
			fmt.Printf("[auth] authorized=%t role=%s\n", authorized, role)
		},
		OnStatus: func(status roomclient.Status) { fmt.Printf("[status] %s\n", status) },
	})

	go readInput(ctx, cancel, session)

	fmt.Printf("Joining room %s as %s\n", opts.room, session.UserID())
	if err := session.Run(ctx); err != nil {
		if errors.Is(err, roomclient.ErrRefused) {
			return fmt.Errorf("cannot join room %s: %w", opts.room, err)
		}
		return err
	}
	return nil
}

func readInput(ctx context.Context, cancel context.CancelFunc, session *roomclient.Session) {
	defer cancel()

	editing := false
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case "/quit":
			session.Flush()
			return
		case "/resume":
			session.Resume()
			editing = false
			continue
		}

		if !editing {
			if err := session.StartEditing(); err != nil {
				fmt.Printf("[edit] %v\n", err)
				continue
			}
			editing = true
		}
		session.Update(line)
	}
	session.Flush()
}
