// relayprobe connects a set of synthetic peers to a relay and reports the
// frames they receive.
// Usage: go run ./cmd/relayprobe --url ws://localhost:8080/ws --peers 3
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/wsrelay/internal/connection"
)

// probeFrame is the payload every probe peer sends.
type probeFrame struct {
	From   string    `json:"from"`
	Seq    int       `json:"seq"`
	SentAt time.Time `json:"sent_at"`
}

func main() {
	relayURL := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	peers := flag.Int("peers", 3, "number of probe peers")
	prefix := flag.String("prefix", "probe", "peer id prefix")
	interval := flag.Duration("interval", time.Second, "send interval per peer")
	duration := flag.Duration("duration", 0, "stop after this long (0 = until interrupted)")
	verbose := flag.Bool("verbose", false, "print every received frame")
	flag.Parse()

	// Setup logger
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	handle, events := connection.New(logger.With("component", "connection_manager"))
	defer handle.Close()

	wsCfg := connection.DefaultWebSocketConfig()
	wsCfg.Binary = false

	ids := make([]connection.ID, 0, *peers)
	for i := 0; i < *peers; i++ {
		id := connection.ID(fmt.Sprintf("%s-%d", *prefix, i))

		target, err := peerURL(*relayURL, string(id))
		if err != nil {
			logger.Error("invalid relay url", "url", *relayURL, "error", err)
			os.Exit(1)
		}

		transport, err := connection.DialWebSocket(ctx, target, nil, wsCfg, logger.With("peer", id))
		if err != nil {
			logger.Error("failed to connect probe peer", "peer", id, "error", err)
			os.Exit(1)
		}

		session, err := handle.Connect(id, transport)
		if err != nil {
			logger.Error("connection manager refused peer", "peer", id, "error", err)
			os.Exit(1)
		}
		ids = append(ids, id)
		logger.Info("probe peer connected", "peer", id, "session", session)
	}

	go sendLoop(ctx, handle, ids, *interval)

	received, disconnected := receiveLoop(ctx, events, *verbose, logger)

	stats := handle.Stats()
	logger.Info("probe finished",
		"frames_sent", stats.FramesSent,
		"frames_received", received,
		"disconnects", disconnected,
	)
}

// peerURL adds the peer query parameter to base.
func peerURL(base, peer string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("peer", peer)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sendLoop(ctx context.Context, handle *connection.Handle, ids []connection.ID, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			for _, id := range ids {
				data, _ := json.Marshal(probeFrame{From: string(id), Seq: seq, SentAt: time.Now()})
				handle.SendData(id, data)
			}
		}
	}
}

// receiveLoop prints events until ctx is done or the manager stops.
func receiveLoop(ctx context.Context, events *connection.Events, verbose bool, logger *slog.Logger) (received, disconnected int) {
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	for {
		evt, err := events.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("event stream ended", "error", err)
			}
			return received, disconnected
		}

		switch evt.Kind {
		case connection.EventReceiveData:
			received++

			var frame probeFrame
			if err := json.Unmarshal(evt.Frame, &frame); err != nil {
				fmt.Printf("[FRAME] to=%s raw=%q\n", evt.ID, evt.Frame)
				continue
			}
			if verbose {
				fmt.Printf("[FRAME] to=%s from=%s seq=%d latency=%s\n",
					evt.ID, frame.From, frame.Seq, evt.ReceivedAt.Sub(frame.SentAt))
			}

		case connection.EventDisconnect:
			disconnected++
			logger.Warn("probe peer disconnected", "peer", evt.ID, "error", evt.Err)
		}

		select {
		case <-statsTicker.C:
			logger.Info("stats", "received", received, "disconnected", disconnected)
		default:
		}
	}
}
