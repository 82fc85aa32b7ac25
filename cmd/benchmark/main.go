// Benchmark tool that drives a running Menza server with crowd reports.
//
// Usage:
//
//	go run cmd/benchmark/main.go -url http://localhost:8080 -reports 5000
//	go run cmd/benchmark/main.go -csv reports.csv
//
// Reports are either read from a CSV file with the columns restaurant_id,
// user_id, level, or generated: each user reports the published baseline level
// of a random restaurant, and a burst of "high" reports is mixed in to exercise
// spike detection. The tool prints latency, throughput and how many
// submissions opened an anomaly window.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Report is one submission to send.
type Report struct {
	RestaurantID string
	UserID       string
	Level        string
}

// RestaurantView is the subset of the crowd view the tool reads.
type RestaurantView struct {
	RestaurantID string `json:"restaurantId"`
	Name         string `json:"name"`
	Level        string `json:"effectiveCrowdLevel"`
	Baseline     string `json:"baselineLevel"`
	Anomaly      bool   `json:"anomalyActive"`
}

// SubmitResponse is the subset of the submission response the tool reads.
type SubmitResponse struct {
	View      RestaurantView `json:"view"`
	Detection struct {
		Triggered bool     `json:"triggered"`
		Reasons   []string `json:"reasons"`
	} `json:"detection"`
}

// Metrics tracks benchmark results
type Metrics struct {
	Accepted  int64
	Throttled int64
	Rejected  int64
	Errors    int64
	Spikes    int64

	mu        sync.Mutex
	latencies []time.Duration
	reasons   map[string]int
}

func (m *Metrics) observe(d time.Duration, reasons []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, d)
	for _, r := range reasons {
		m.reasons[r]++
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to a CSV file of reports (optional)")
	baseURL := flag.String("url", "http://localhost:8080", "Menza base URL")
	city := flag.String("city", "", "Only target restaurants in this city")
	count := flag.Int("reports", 2000, "Reports to generate when no CSV is given")
	users := flag.Int("users", 500, "Distinct users to generate")
	burst := flag.Float64("burst", 0.1, "Share of generated reports that are high-level bursts (0.0-1.0)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	perSecond := flag.Float64("rate", 0, "Maximum reports per second across all workers (0 = unlimited)")
	verbose := flag.Bool("verbose", false, "Print each submission result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              MENZA BENCHMARK - Crowd Reports                  ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nMenza URL:   %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Rate:        %.0f/s\n", *perSecond)
	fmt.Println()

	client := &http.Client{Timeout: 10 * time.Second}

	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Menza not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Menza is running:")
		fmt.Println("  go run cmd/menza/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Menza is healthy")

	var reports []Report
	var err error
	if *csvPath != "" {
		reports, err = readReportsCSV(*csvPath)
	} else {
		var board []RestaurantView
		board, err = fetchBoard(client, *baseURL, *city)
		if err == nil {
			reports, err = generateReports(board, *count, *users, *burst)
		}
	}
	if err != nil {
		fmt.Printf("ERROR: failed to prepare reports: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Prepared %d reports\n", len(reports))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	limiter := rate.NewLimiter(rate.Inf, 1)
	if *perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(*perSecond), 1)
	}
	metrics := runBenchmark(client, limiter, reports, *baseURL, *workers, *verbose)
	duration := time.Since(start)

	printResults(metrics, duration)

	if board, err := fetchBoard(client, *baseURL, *city); err == nil {
		printBoard(board)
	}
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func fetchBoard(client *http.Client, baseURL, city string) ([]RestaurantView, error) {
	url := baseURL + "/restaurants"
	if city != "" {
		url += "?city=" + city
	}

	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		Restaurants []RestaurantView `json:"restaurants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Restaurants) == 0 {
		return nil, fmt.Errorf("no restaurants found")
	}
	return body.Restaurants, nil
}

func readReportsCSV(path string) ([]Report, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"restaurant_id", "user_id", "level"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var reports []Report
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		reports = append(reports, Report{
			RestaurantID: record[colIndex["restaurant_id"]],
			UserID:       record[colIndex["user_id"]],
			Level:        strings.ToLower(record[colIndex["level"]]),
		})
	}
	return reports, nil
}

func generateReports(board []RestaurantView, count, users int, burst float64) ([]Report, error) {
	if users <= 0 {
		return nil, fmt.Errorf("users must be positive")
	}

	reports := make([]Report, 0, count)
	for i := 0; i < count; i++ {
		r := board[rand.Intn(len(board))]
		level := r.Baseline
		if rand.Float64() < burst {
			level = "high"
		}
		reports = append(reports, Report{
			RestaurantID: r.RestaurantID,
			UserID:       fmt.Sprintf("bench-user-%d", rand.Intn(users)),
			Level:        level,
		})
	}
	return reports, nil
}

func runBenchmark(client *http.Client, limiter *rate.Limiter, reports []Report, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{reasons: make(map[string]int)}

	work := make(chan Report, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for rep := range work {
				if err := limiter.Wait(context.Background()); err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					continue
				}

				start := time.Now()
				result, status, err := submitReport(client, baseURL, rep)
				elapsed := time.Since(start)

				switch {
				case err != nil:
					atomic.AddInt64(&metrics.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s/%s -> %v\n", rep.RestaurantID, rep.UserID, err)
					}
					continue
				case status == http.StatusTooManyRequests:
					atomic.AddInt64(&metrics.Throttled, 1)
					continue
				case status != http.StatusCreated:
					atomic.AddInt64(&metrics.Rejected, 1)
					continue
				}

				atomic.AddInt64(&metrics.Accepted, 1)
				if result.Detection.Triggered {
					atomic.AddInt64(&metrics.Spikes, 1)
				}
				metrics.observe(elapsed, result.Detection.Reasons)

				if verbose {
					marker := " "
					if result.Detection.Triggered {
						marker = "!"
					}
					fmt.Printf("%s %-6s | %-16s | reported: %-6s | effective: %-6s | %v\n",
						marker,
						rep.RestaurantID,
						rep.UserID,
						rep.Level,
						result.View.Level,
						elapsed.Round(time.Microsecond),
					)
				}
			}
		}()
	}

	for _, rep := range reports {
		work <- rep
	}
	close(work)

	wg.Wait()

	return metrics
}

func submitReport(client *http.Client, baseURL string, rep Report) (*SubmitResponse, int, error) {
	body, err := json.Marshal(map[string]string{"level": rep.Level})
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/restaurants/"+rep.RestaurantID+"/reports", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-ID", rep.UserID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	var result SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, err
	}
	return &result, resp.StatusCode, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	total := m.Accepted + m.Throttled + m.Rejected + m.Errors

	fmt.Printf("\nSUBMISSIONS\n")
	fmt.Printf("   Total:      %d\n", total)
	fmt.Printf("   Accepted:   %d\n", m.Accepted)
	fmt.Printf("   Throttled:  %d\n", m.Throttled)
	fmt.Printf("   Rejected:   %d\n", m.Rejected)
	fmt.Printf("   Errors:     %d\n", m.Errors)

	fmt.Printf("\nSPIKE DETECTION\n")
	fmt.Printf("   Anomaly windows opened or extended: %d\n", m.Spikes)
	reasons := make([]string, 0, len(m.reasons))
	for r := range m.reasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Printf("   - %-20s %d\n", r, m.reasons[r])
	}

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if total > 0 {
		fmt.Printf("   Throughput:       %.2f reports/sec\n", float64(total)/duration.Seconds())
	}
	fmt.Printf("   p50 Latency:      %v\n", percentile(m.latencies, 0.50).Round(time.Microsecond))
	fmt.Printf("   p95 Latency:      %v\n", percentile(m.latencies, 0.95).Round(time.Microsecond))
	fmt.Printf("   p99 Latency:      %v\n", percentile(m.latencies, 0.99).Round(time.Microsecond))
	fmt.Println()
}

func printBoard(board []RestaurantView) {
	fmt.Println("CROWD BOARD")
	for _, v := range board {
		anomaly := ""
		if v.Anomaly {
			anomaly = "  (spike)"
		}
		fmt.Printf("   %-6s %-32s %-6s (baseline %s)%s\n", v.RestaurantID, v.Name, v.Level, v.Baseline, anomaly)
	}
	fmt.Println()
}
