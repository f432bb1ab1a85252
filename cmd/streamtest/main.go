// streamtest connects a Connection Manager to a streamd endpoint and prints
// what it observes: inbound messages, state changes, liveness probes.
// Usage: go run ./cmd/streamtest --url ws://localhost:8080/ws
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livecalc/streamlink/internal/connection"
	"github.com/livecalc/streamlink/internal/wire"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "streaming endpoint URL")
	probeEvery := flag.Duration("probe", 15*time.Second, "health check / latency probe period")
	sendEvery := flag.Duration("send", 5*time.Second, "test message period (0 disables)")
	batch := flag.Bool("batch", false, "enable 100ms batch coalescing")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg := connection.DefaultConfig(connection.WebSocketURL(*url))
	if *batch {
		cfg.BatchWindow = 100 * time.Millisecond
	}

	mgr := connection.NewManager(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := mgr.Connect(ctx); err != nil {
		// The manager keeps retrying with backoff; just report the first try.
		logger.Warn("initial connect failed, will retry", "error", err)
	}

	probeTicker := time.NewTicker(*probeEvery)
	defer probeTicker.Stop()

	var sendTicker *time.Ticker
	var sendCh <-chan time.Time
	if *sendEvery > 0 {
		sendTicker = time.NewTicker(*sendEvery)
		defer sendTicker.Stop()
		sendCh = sendTicker.C
	}

	seq := 0
	for {
		select {
		case <-ctx.Done():
			mgr.Disconnect()
			stats := mgr.Stats()
			logger.Info("final stats",
				"sent", stats.MessagesSent,
				"received", stats.MessagesReceived,
				"queue_dropped", stats.QueueDropped,
				"parse_errors", stats.ParseErrors,
			)
			return

		case env := <-mgr.Messages():
			logger.Info("message", "type", env.Type, "data", string(env.Data))

		case connected := <-mgr.StateChanges():
			logger.Info("state change", "connected", connected)

		case err := <-mgr.Errors():
			logger.Warn("connection error", "error", err)

		case <-probeTicker.C:
			go func() {
				if err := <-mgr.HealthCheck(3 * time.Second); err != nil {
					logger.Warn("health check failed", "error", err)
					return
				}
				res := <-mgr.MeasureLatency(3 * time.Second)
				if res.Err != nil {
					logger.Warn("latency probe failed", "error", res.Err)
					return
				}
				logger.Info("latency", "rtt", res.Elapsed)
			}()

		case <-sendCh:
			seq++
			env, err := wire.NewData("echo", map[string]int{"seq": seq})
			if err != nil {
				continue
			}
			go func(env wire.Envelope) {
				res := <-mgr.SendWithAck(env, 5*time.Second)
				if res.Err != nil {
					logger.Warn("ack failed", "seq", seq, "error", res.Err)
					return
				}
				logger.Debug("acked", "messageId", res.Reply.MessageID)
			}(env)
		}
	}
}
