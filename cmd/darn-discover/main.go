// cmd/darn-discover/main.go - standalone candidate discovery CLI
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"darn/internal/config"
	"darn/internal/discovery"
	"darn/internal/store"
)

// CandidateFile is the YAML document darn-discover emits; the daemon's
// /api/refresh accepts the same IP list.
type CandidateFile struct {
	GeneratedAt time.Time `yaml:"generated_at"`
	Query       string    `yaml:"query"`
	Candidates  []string  `yaml:"candidates"`
}

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	query := flag.String("query", "", "Override the configured search query")
	limit := flag.Int("limit", 0, "Override the configured candidate cap")
	output := flag.String("output", "-", "Output YAML file, or - for stdout")
	seed := flag.Bool("seed", false, "Seed candidates into the configured database instead of writing YAML")
	timeout := flag.Duration("timeout", 60*time.Second, "Overall discovery timeout")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Default()
	if _, err := os.Stat(*configFile); err == nil {
		loaded, err := config.Load(*configFile)
		if err != nil {
			logrus.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	if *query != "" {
		cfg.Discovery.Query = *query
	}
	if *limit > 0 {
		cfg.Discovery.Limit = *limit
	}

	apiKey := os.Getenv(cfg.Discovery.APIKeyEnv)
	if apiKey == "" {
		logrus.Fatalf("Missing discovery API key; set %s", cfg.Discovery.APIKeyEnv)
	}

	client := discovery.NewShodanClient(apiKey, cfg.Discovery.Query, cfg.Discovery.Limit)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	candidates, err := client.Discover(ctx)
	if err != nil {
		logrus.Fatalf("Discovery failed: %v", err)
	}
	if len(candidates) == 0 {
		logrus.Warn("No candidate endpoints found")
		return
	}

	if *seed {
		seedStore(cfg.Database.Path, candidates)
		return
	}

	doc := CandidateFile{
		GeneratedAt: time.Now().UTC(),
		Query:       cfg.Discovery.Query,
		Candidates:  candidates,
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		logrus.Fatalf("Failed to marshal candidates: %v", err)
	}

	if *output == "-" {
		fmt.Print(string(data))
		return
	}
	if err := os.WriteFile(*output, data, 0644); err != nil {
		logrus.Fatalf("Failed to write %s: %v", *output, err)
	}
	logrus.WithFields(logrus.Fields{
		"file":       *output,
		"candidates": len(candidates),
	}).Info("Wrote candidate file")
}

func seedStore(path string, candidates []string) {
	st, err := store.NewBoltStore(path)
	if err != nil {
		logrus.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	seeded := 0
	for _, ip := range candidates {
		// Creates the row when unknown; existing knowledge is untouched.
		if _, err := st.MutateEndpoint(ctx, ip, func(*store.Endpoint) error { return nil }); err != nil {
			logrus.WithError(err).WithField("ip", ip).Error("Failed to seed endpoint")
			continue
		}
		seeded++
	}

	logrus.WithField("seeded", seeded).Info("Seeded candidate endpoints")
}
