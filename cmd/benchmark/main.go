package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	retryRate   float64
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Same key still in flight elsewhere
	fail422       uint64 // Rejected by the ledger
	fail503       uint64 // Ledger unavailable
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.Float64Var(&retryRate, "retry-rate", 0.2, "Fraction of requests that resend the previous idempotency key")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark | Workers: %d | Duration: %s | Retry rate: %.2f", concurrency, duration, retryRate)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	donor := fmt.Sprintf("bench-donor-%d", id)

	var lastKey string
	var lastBody []byte
	for time.Since(start) < duration {
		key, body := lastKey, lastBody
		// Simulate a client retry by resending the previous request verbatim.
		if key == "" || rand.Float64() >= retryRate {
			key = "bench-" + uuid.NewString()
			payload := map[string]any{
				"donor_id":     donor,
				"recipient_id": fmt.Sprintf("charity-%d", rand.Intn(7)),
				"amount":       "1.00",
			}
			body, _ = json.Marshal(payload)
		}
		lastKey, lastBody = key, body

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/donations", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		case 503:
			atomic.AddUint64(&fail503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)

	results := map[string]any{
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_tps":     float64(total) / d.Seconds(),
		"success_created":    atomic.LoadUint64(&success201),
		"success_replay":     atomic.LoadUint64(&success200),
		"conflicts":          atomic.LoadUint64(&fail409),
		"ledger_rejected":    atomic.LoadUint64(&fail422),
		"ledger_unavailable": atomic.LoadUint64(&fail503),
		"errors":             atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	file, err := os.Create("results_donations.json")
	if err != nil {
		log.Printf("Unable to save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
