package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/trustedstake/stake-engine/internal/chain"
	"github.com/trustedstake/stake-engine/internal/config"
	"github.com/trustedstake/stake-engine/internal/feed"
	"github.com/trustedstake/stake-engine/internal/logging"
)

var (
	nodeURL     string
	feedURL     string
	timeout     time.Duration
	concurrency int
	logLevel    string
)

const defaultTimeout = 2 * time.Minute

func jsonOutput(in any) error {
	j, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(j))
	return nil
}

// withTimeout bounds the command's context by the --timeout flag.
func withTimeout(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, timeout)
}

func dialChain(ctx context.Context) (*chain.Subtensor, func(), error) {
	rpc, err := chain.Dial(ctx, nodeURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", nodeURL, err)
	}
	return chain.NewSubtensor(rpc), func() { rpc.Close() }, nil
}

func feedClient() *feed.Client {
	return feed.NewClient(feed.Config{BaseURL: feedURL})
}

func main() {
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Name = "stakectl"
	app.Usage = "inspect Bittensor stake balances, PnL and subnet statistics"
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "node",
			Value:       config.DefaultChainURL,
			Usage:       "Subtensor node WebSocket endpoint",
			EnvVars:     []string{"SUBTENSOR_URL"},
			Destination: &nodeURL,
		},
		&cli.StringFlag{
			Name:        "feed",
			Value:       feed.DefaultBaseURL,
			Usage:       "staking history and statistics API",
			EnvVars:     []string{"FEED_BASE_URL"},
			Destination: &feedURL,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Value:       defaultTimeout,
			Usage:       "overall timeout for a command",
			Destination: &timeout,
		},
		&cli.IntFlag{
			Name:        "concurrency",
			Value:       8,
			Usage:       "maximum concurrent chain reads",
			EnvVars:     []string{"FETCH_CONCURRENCY"},
			Destination: &concurrency,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Value:       "warn",
			Usage:       "debug|info|warn|error, logs go to stderr",
			EnvVars:     []string{"LOG_LEVEL"},
			Destination: &logLevel,
		},
	}
	app.Before = func(c *cli.Context) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	}
	app.Commands = []*cli.Command{
		decodeCommand,
		balancesCommand,
		pnlCommand,
		statsCommand,
		quoteCommand,
		priceCommand,
		stakeMetricsCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
