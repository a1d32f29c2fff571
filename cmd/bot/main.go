// Command bot is a friendchat echo bot. It accepts every friend request it
// receives and echoes private messages back to their sender.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/friendchat/pkg/client"
	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

type options struct {
	url      string
	origin   string
	username string
	password string
	prefix   string
	timeout  time.Duration
	maxDelay time.Duration
}

func main() {
	opts := options{}
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "Server WebSocket URL")
	flag.StringVar(&opts.origin, "origin", "", "Origin header to send")
	flag.StringVar(&opts.username, "username", "echobot", "Bot username")
	flag.StringVar(&opts.password, "password", os.Getenv("FRIENDCHAT_BOT_PASSWORD"), "Bot password (or FRIENDCHAT_BOT_PASSWORD)")
	flag.StringVar(&opts.prefix, "prefix", "echo: ", "Prefix added to echoed messages")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Response timeout")
	flag.DurationVar(&opts.maxDelay, "max-reconnect-delay", 30*time.Second, "Upper bound on reconnect backoff")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if opts.password == "" {
		fmt.Fprintln(os.Stderr, "Error: --password or FRIENDCHAT_BOT_PASSWORD is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"server":   opts.url,
		"username": opts.username,
	}).Info("starting bot")

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Fatal("bot stopped")
	}
	logrus.Info("bot shut down")
}

// run keeps one session alive until ctx is cancelled. The first connection
// registers and logs in; later ones re-attach with Reconnect.
func run(ctx context.Context, opts options) error {
	config := client.Config{URL: opts.url, Origin: opts.origin, ResponseTimeout: opts.timeout}
	backoff := client.Backoff{Initial: time.Second, Max: opts.maxDelay}

	loggedIn := false
	for {
		c, err := client.DialWithRetry(ctx, config, backoff)
		if err != nil {
			return err
		}

		b := &bot{client: c, prefix: opts.prefix, log: logrus.WithField("bot", opts.username)}
		b.install()

		if loggedIn {
			_, err = c.Reconnect(opts.username)
		} else {
			err = b.signIn(opts.username, opts.password)
		}
		if err != nil {
			c.Close()
			return err
		}
		loggedIn = true
		b.log.Info("online")

		// Accept whatever arrived while offline.
		if list, err := c.GetContactList(); err == nil {
			b.acceptPending(list)
		}

		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-c.Done():
			b.log.WithError(c.Err()).Warn("connection lost, reconnecting")
			c.Close()
		}
	}
}

type bot struct {
	client *client.Client
	prefix string
	log    *logrus.Entry
}

func (b *bot) install() {
	b.client.OnContactList(b.acceptPending)
	b.client.OnPrivateMessage(b.echo)
}

// signIn registers the account on first use, then logs in.
func (b *bot) signIn(username, password string) error {
	err := b.client.Register(username, password)
	var serverErr *client.ServerError
	if err != nil && !(errors.As(err, &serverErr) && strings.Contains(serverErr.Message, "already exist")) {
		return fmt.Errorf("register: %w", err)
	}
	if _, err := b.client.Login(username, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

func (b *bot) acceptPending(list protocol.ContactListMessage) {
	for _, from := range list.Pending {
		if _, err := b.client.ActionFriendRequest(from, true); err != nil {
			b.log.WithError(err).WithField("from", from).Warn("failed to accept friend request")
			continue
		}
		b.log.WithField("from", from).Info("accepted friend request")
	}
}

func (b *bot) echo(entry protocol.ChatEntry) {
	if entry.Sender == b.client.Username() {
		return
	}
	b.log.WithField("from", entry.Sender).Debug("echoing message")

	if _, err := b.client.SendPrivateMessage(entry.Sender, b.prefix+entry.Message); err != nil {
		b.log.WithError(err).WithField("to", entry.Sender).Warn("failed to echo")
	}
}
