package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/proofpay-indexer/internal/config"
	"github.com/stellarlinkco/proofpay-indexer/internal/indexer"
)

var rootCmd = &cobra.Command{
	Use:   "proofpay-indexer",
	Short: "Off-chain event indexer for the ProofPay escrow contract",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the indexer (listener + timer + health server)",
	RunE:  runIndexer,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running indexer's status endpoint",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(runCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runIndexer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		// Invalid config is the one intentional process exit before
		// serving traffic.
		log.Fatalf("[main] %v", err)
	}

	log.Printf("[main] starting proofpay-indexer %s (contract %s)", indexer.Version, cfg.Chain.ContractAddress)

	ix, err := indexer.New(cfg)
	if err != nil {
		log.Fatalf("[main] startup failed: %v", err)
	}

	return ix.Run(context.Background())
}

func runStatus(cmd *cobra.Command, args []string) error {
	port := config.DefaultHealthPort
	if cfg, err := config.Load(); err == nil {
		port = cfg.Gateway.HealthPort
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/status", port))
	if err != nil {
		return fmt.Errorf("indexer not reachable on :%d: %w", port, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}
