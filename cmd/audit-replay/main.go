// Command audit-replay folds a bridge audit log into a summary and checks
// that it is consistent.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/weichain/galactic-bridge-icp/internal/audit"
	"github.com/weichain/galactic-bridge-icp/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("audit-replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverStdio, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	queueGroup := fs.String("queue-group", "audit-replay", "kafka consumer group")
	topic := fs.String("topic", audit.DefaultTopic, "audit topic")
	input := fs.String("input", "", "read events from this file instead of stdin (stdio driver)")
	maxEvents := fs.Int("max-events", 0, "stop after this many events (0 = until input ends or a signal)")
	strict := fs.Bool("strict", true, "fail on the first undecodable or inconsistent event")
	logLevel := fs.String("log-level", "warn", "log level (debug|info|warn|error)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *maxEvents < 0 {
		return errors.New("--max-events must be >= 0")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(*logLevel))); err != nil {
		return fmt.Errorf("invalid --log-level %q", *logLevel)
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Group:   *queueGroup,
		Topics:  []string{*topic},
		Reader:  stdin,
		Path:    strings.TrimSpace(*input),
	})
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	summary, err := replay(ctx, consumer, *maxEvents, *strict, log)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// replay applies events until the consumer drains, ctx ends, or limit
// events have been applied. Rejected events are skipped unless strict is set.
func replay(ctx context.Context, consumer queue.Consumer, limit int, strict bool, log *slog.Logger) (*audit.Summary, error) {
	summary := audit.NewSummary()
	applied, rejected := 0, 0

	msgs := consumer.Messages()
	errs := consumer.Errors()
	for msgs != nil || errs != nil {
		select {
		case <-ctx.Done():
			log.Info("replay interrupted", "applied", applied, "rejected", rejected)
			return summary, nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return nil, fmt.Errorf("consume: %w", err)
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			e, err := audit.Decode(msg.Value)
			if err == nil {
				err = summary.Apply(e)
			}
			if err != nil {
				if strict {
					return nil, fmt.Errorf("event %d: %w", applied+rejected+1, err)
				}
				rejected++
				log.Warn("skipping audit event", "err", err)
				continue
			}
			applied++
			if err := msg.Ack(ctx); err != nil {
				log.Warn("ack audit event", "err", err)
			}
			if limit > 0 && applied >= limit {
				return summary, nil
			}
		}
	}
	log.Info("replay finished", "applied", applied, "rejected", rejected)
	return summary, nil
}
