// Command loadtest drives a friendchat server with pairs of befriended clients
// that exchange private messages, and reports throughput and latency.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/friendchat/pkg/client"
	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	// Failure breakdown
	serverErrors   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64

	// Setup failure breakdown
	setupDialFailed     atomic.Int64
	setupRegisterFailed atomic.Int64
	setupLoginFailed    atomic.Int64
	setupFriendFailed   atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesSent.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordFailure(err error) {
	s.messagesFailed.Add(1)

	var serverErr *client.ServerError
	switch {
	case errors.As(err, &serverErr):
		s.serverErrors.Add(1)
	case errors.Is(err, client.ErrClosed):
		s.disconnections.Add(1)
	case strings.Contains(err.Error(), "timeout"):
		s.timeouts.Add(1)
	}
}

func (s *Stats) snapshot() (sent, received, failed, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	received = s.messagesReceived.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()
	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}
	return
}

// pair is two befriended users talking to each other.
type pair struct {
	id    int
	a, b  *client.Client
	stats *Stats
}

func username(run string, pairID int, side string) string {
	return fmt.Sprintf("lt%s%d%s", run, pairID, side)
}

func connectUser(ctx context.Context, config client.Config, name string, stats *Stats) (*client.Client, error) {
	c, err := client.Dial(ctx, config)
	if err != nil {
		stats.setupDialFailed.Add(1)
		return nil, err
	}
	password := "loadtest-" + name
	if err := c.Register(name, password); err != nil {
		stats.setupRegisterFailed.Add(1)
		c.Close()
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	if _, err := c.Login(name, password); err != nil {
		stats.setupLoginFailed.Add(1)
		c.Close()
		return nil, fmt.Errorf("login %s: %w", name, err)
	}
	return c, nil
}

func newPair(ctx context.Context, id int, run string, config client.Config, stats *Stats) (*pair, error) {
	a, err := connectUser(ctx, config, username(run, id, "a"), stats)
	if err != nil {
		return nil, err
	}
	b, err := connectUser(ctx, config, username(run, id, "b"), stats)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.SendFriendRequest(b.Username()); err != nil {
		stats.setupFriendFailed.Add(1)
		a.Close()
		b.Close()
		return nil, fmt.Errorf("friend request: %w", err)
	}
	if _, err := b.ActionFriendRequest(a.Username(), true); err != nil {
		stats.setupFriendFailed.Add(1)
		a.Close()
		b.Close()
		return nil, fmt.Errorf("accept: %w", err)
	}

	p := &pair{id: id, a: a, b: b, stats: stats}
	for _, c := range []*client.Client{a, b} {
		me := c.Username()
		c.OnPrivateMessage(func(entry protocol.ChatEntry) {
			if entry.Sender != me {
				stats.messagesReceived.Add(1)
			}
		})
	}
	return p, nil
}

func randomMessage() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// talk has one side of the pair type and send until ctx ends.
func (p *pair) talk(ctx context.Context, from, to *client.Client, minDelay, maxDelay time.Duration) {
	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
			return
		case <-from.Done():
			p.stats.disconnections.Add(1)
			return
		case <-time.After(delay):
		}

		from.StartTyping(to.Username())

		start := time.Now()
		if _, err := from.SendPrivateMessage(to.Username(), randomMessage()); err != nil {
			p.stats.recordFailure(err)
			logrus.WithFields(logrus.Fields{"pair": p.id, "from": from.Username()}).
				WithError(err).Debug("send failed")
			continue
		}
		p.stats.recordSuccess(time.Since(start).Microseconds())
	}
}

func (p *pair) run(ctx context.Context, minDelay, maxDelay time.Duration) {
	defer p.a.Close()
	defer p.b.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.talk(ctx, p.a, p.b, minDelay, maxDelay)
	}()
	go func() {
		defer wg.Done()
		p.talk(ctx, p.b, p.a, minDelay, maxDelay)
	}()
	wg.Wait()
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Server WebSocket URL")
	origin := flag.String("origin", "", "Origin header to send")
	numPairs := flag.Int("pairs", 10, "Number of concurrent client pairs")
	duration := flag.Duration("duration", time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", time.Second, "Maximum delay between messages")
	timeout := flag.Duration("timeout", 10*time.Second, "Response timeout")
	debug := flag.Bool("debug", false, "Log individual failures")
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *numPairs < 1 {
		fmt.Fprintln(os.Stderr, "Error: --pairs must be at least 1")
		os.Exit(1)
	}

	// Usernames are unique per run so the test can be repeated against a
	// persistent database.
	run := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	config := client.Config{URL: *url, Origin: *origin, ResponseTimeout: *timeout}

	// Ramp up over 25% of the test duration
	rampUp := *duration / 4
	stagger := rampUp / time.Duration(*numPairs)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	logrus.WithFields(logrus.Fields{
		"server":   *url,
		"pairs":    *numPairs,
		"duration": *duration,
		"ramp_up":  rampUp,
		"delay":    fmt.Sprintf("%v-%v", *minDelay, *maxDelay),
		"run":      run,
	}).Info("starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	testCtx, cancel := context.WithTimeout(ctx, *duration+rampUp)
	defer cancel()

	stats := &Stats{}
	startTime := time.Now()

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, received, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				logrus.Infof("Stats: %d sent (%.1f/s), %d received, %d failed, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, received, failed, connErrors, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numPairs; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p, err := newPair(testCtx, id, run, config, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				logrus.WithField("pair", id).WithError(err).Warn("setup failed")
				return
			}
			stats.successfulClients.Add(2)
			if id%100 == 0 {
				logrus.WithField("pair", id).Info("connected")
			}
			p.run(testCtx, *minDelay, *maxDelay)
		}(i)

		select {
		case <-testCtx.Done():
			break spawn
		case <-time.After(stagger):
		}
	}

	wg.Wait()
	close(stopStats)

	sent, received, failed, connErrors, avgUs := stats.snapshot()
	elapsed := time.Since(startTime)
	clients := stats.successfulClients.Load()

	logrus.Info("=== Final Results ===")
	logrus.Infof("Clients: %d attempted, %d successful", *numPairs*2, clients)
	logrus.Infof("Duration: %v", elapsed.Round(time.Second))
	logrus.Infof("Messages sent: %d (%.1f/s), received: %d", sent, float64(sent)/elapsed.Seconds(), received)
	logrus.Infof("Messages failed: %d (server errors %d, timeouts %d, disconnections %d)",
		failed, stats.serverErrors.Load(), stats.timeouts.Load(), stats.disconnections.Load())
	logrus.Infof("Connection errors: %d", connErrors)
	if connErrors > 0 {
		logrus.Infof("  dial %d, register %d, login %d, befriend %d",
			stats.setupDialFailed.Load(), stats.setupRegisterFailed.Load(),
			stats.setupLoginFailed.Load(), stats.setupFriendFailed.Load())
	}
	logrus.Infof("Average response time: %.2fms", avgUs/1000.0)
	if sent+failed > 0 {
		logrus.Infof("Success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
}
