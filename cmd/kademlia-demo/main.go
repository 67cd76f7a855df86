// Package main provides a command-line smoke demo for the Kademlia
// core: it spins up a small swarm of in-memory nodes, bootstraps them
// off a seed node, and runs a store/fetch round trip to confirm the
// swarm actually replicates values before exiting.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/opd-ai/kademlia-core/config"
	"github.com/opd-ai/kademlia-core/dht"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/opd-ai/kademlia-core/transport"
	"github.com/sirupsen/logrus"
)

// CLIConfig holds command-line configuration for the demo swarm.
type CLIConfig struct {
	swarmSize  uint
	configPath string
	logLevel   string
	timeout    time.Duration
	help       bool
}

func parseCLIFlags() *CLIConfig {
	c := &CLIConfig{}

	flag.UintVar(&c.swarmSize, "swarm-size", 8, "Number of in-memory nodes to spawn")
	flag.StringVar(&c.configPath, "config", "", "Path to a YAML options file (optional)")
	flag.StringVar(&c.logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.DurationVar(&c.timeout, "timeout", 30*time.Second, "Overall demo timeout")
	flag.BoolVar(&c.help, "help", false, "Show help message")

	flag.Parse()
	return c
}

func configureLogging(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithError(err).Warn("unrecognized log level, defaulting to info")
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}

func loadOptions(path string) dht.Options {
	if path == "" {
		return dht.DefaultOptions()
	}
	file, err := config.Load(path)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config file")
	}
	return file.Options()
}

func spawnSwarm(ctx context.Context, size uint, opts dht.Options) ([]*dht.Node, error) {
	net := transport.NewNetwork()

	seedEndpoint := transport.Endpoint("node-0")
	seedRPC := net.NewTransport(seedEndpoint)
	seed, err := dht.Spawn(ctx, seedRPC, seedEndpoint, nil, opts)
	if err != nil {
		return nil, fmt.Errorf("spawning seed node: %w", err)
	}
	nodes := []*dht.Node{seed}
	contacts := []routing.Contact{routing.NewContact(seed.LocalID(), seedEndpoint)}

	for i := uint(1); i < size; i++ {
		endpoint := transport.Endpoint(fmt.Sprintf("node-%d", i))
		rpc := net.NewTransport(endpoint)
		n, err := dht.Spawn(ctx, rpc, endpoint, contacts, opts)
		if err != nil {
			return nil, fmt.Errorf("spawning %s: %w", endpoint, err)
		}
		nodes = append(nodes, n)
		contacts = append(contacts, routing.NewContact(n.LocalID(), endpoint))
	}
	return nodes, nil
}

func runDemo(ctx context.Context, cfg *CLIConfig) error {
	opts := loadOptions(cfg.configPath)

	nodes, err := spawnSwarm(ctx, cfg.swarmSize, opts)
	if err != nil {
		return err
	}
	defer func() {
		for _, n := range nodes {
			n.Close()
		}
	}()

	logrus.WithField("swarm_size", len(nodes)).Info("swarm bootstrapped")

	key := dht.KeyFromString("demo-key")
	publisher := nodes[0]
	if err := publisher.Set(ctx, key, []byte("hello, kademlia")); err != nil {
		return fmt.Errorf("set: %w", err)
	}

	reader := nodes[len(nodes)-1]
	value, ok, err := reader.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if !ok {
		return fmt.Errorf("value not found after replication")
	}

	logrus.WithFields(logrus.Fields{
		"key":   key.DefaultSubkey(),
		"value": string(value),
	}).Info("demo round trip succeeded")
	return nil
}

func main() {
	cfg := parseCLIFlags()
	if cfg.help {
		flag.Usage()
		return
	}
	configureLogging(cfg.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	if err := runDemo(ctx, cfg); err != nil {
		logrus.WithError(err).Fatal("demo failed")
	}
}
