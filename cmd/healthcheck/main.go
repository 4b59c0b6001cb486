// healthcheck probes the metrics listener of a running backup. Exit 0 when the
// listener answers, 1 otherwise; meant for container health checks on
// long-running archive jobs.
package main

import (
	"context"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := os.Getenv("TUBEVAULT_METRICS_ADDR")
	if addr == "" {
		addr = "localhost:9090"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
