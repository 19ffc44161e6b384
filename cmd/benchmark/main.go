// Benchmark tool for replaying PaySim fraud data through Kite.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/paysim.csv -url http://localhost:8080
//
// This tool:
//   1. Reads PaySim transaction data (with fraud labels)
//   2. Replays each transaction through the Kite ledger
//   3. Compares Kite's verdict (FAILED = blocked) with actual fraud labels
//   4. Calculates precision, recall, F1-score, and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PaySimTransaction represents a row from the PaySim dataset
type PaySimTransaction struct {
	Step     int
	Type     string
	Amount   float64
	NameOrig string
	NameDest string
	IsFraud  bool
}

// TransactionRequest is the Kite API request format
type TransactionRequest struct {
	UserID      string  `json:"userId"`
	Type        string  `json:"type"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description,omitempty"`
	Tier        string  `json:"tier,omitempty"`
}

// TransferRequest is the Kite transfer request format
type TransferRequest struct {
	FromUserID string  `json:"fromUserId"`
	ToUserID   string  `json:"toUserId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Tier       string  `json:"tier,omitempty"`
}

// TransactionResponse is the subset of the Kite response we inspect
type TransactionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// TransferResponse mirrors the Kite transfer response
type TransferResponse struct {
	Status string               `json:"status"`
	Debit  *TransactionResponse `json:"debit"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud blocked
	FalsePositives int64 // Non-fraud blocked
	TrueNegatives  int64 // Non-fraud completed
	FalseNegatives int64 // Fraud completed (missed!)

	TotalProcessed int64
	TotalErrors    int64
	TotalRejected  int64 // 4xx rejections (validation, funds)

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kite base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seedAmount := flag.Float64("seed", 1_000_000, "Deposit made to each originating wallet before replay")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            KITE BENCHMARK - PaySim Fraud Replay               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:   %s\n", *csvPath)
	fmt.Printf("Kite URL:   %s\n", *baseURL)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Limit:      %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kite not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kite is running:")
		fmt.Println("  cd kite && go run cmd/kite/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kite is healthy")

	fmt.Printf("\nReading PaySim data from %s...\n", *csvPath)
	transactions, err := readPaySimCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(transactions))

	fmt.Println("\nSeeding originating wallets...")
	seeded := seedWallets(*baseURL, transactions, *seedAmount, *workers)
	fmt.Printf("✓ Seeded %d wallets\n", seeded)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(transactions, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readPaySimCSV(path string, limit int) ([]PaySimTransaction, error) {
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
		colIndex[strings.ToLower(col)] = i
	}

	var transactions []PaySimTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		step, _ := strconv.Atoi(record[colIndex["step"]])
		amount, _ := strconv.ParseFloat(record[colIndex["amount"]], 64)

		transactions = append(transactions, PaySimTransaction{
			Step:     step,
			Type:     record[colIndex["type"]],
			Amount:   amount,
			NameOrig: record[colIndex["nameorig"]],
			NameDest: record[colIndex["namedest"]],
			IsFraud:  record[colIndex["isfraud"]] == "1",
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

// seedWallets deposits into every distinct originating wallet so the
// replay isn't dominated by insufficient-funds rejections.
func seedWallets(baseURL string, transactions []PaySimTransaction, amount float64, numWorkers int) int {
	users := make(map[string]bool)
	for _, tx := range transactions {
		users[tx.NameOrig] = true
	}

	work := make(chan string, 100)
	var seeded int64
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			for userID := range work {
				req := TransactionRequest{
					UserID:      userID,
					Type:        "DEPOSIT",
					Amount:      amount,
					Currency:    "MAD",
					Description: "benchmark seed",
					Tier:        "ADMIN",
				}
				if _, _, err := postJSON(client, baseURL+"/transactions", req); err == nil {
					atomic.AddInt64(&seeded, 1)
				}
			}
		}()
	}

	for userID := range users {
		work <- userID
	}
	close(work)
	wg.Wait()

	return int(seeded)
}

func runBenchmark(transactions []PaySimTransaction, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan PaySimTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				blocked, rejected, err := replayTransaction(client, baseURL, tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.NameOrig, err)
					}
					continue
				}
				if rejected {
					atomic.AddInt64(&metrics.TotalRejected, 1)
					continue
				}

				switch {
				case blocked && tx.IsFraud:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case blocked && !tx.IsFraud:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !blocked && !tx.IsFraud:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if blocked != tx.IsFraud {
						status = "✗"
					}
					fmt.Printf("%s %-10s | Type: %-8s | Amount: %12.2f | Fraud: %-5v | Blocked: %v\n",
						status, tx.NameOrig, tx.Type, tx.Amount, tx.IsFraud, blocked)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)
	wg.Wait()

	return metrics
}

// replayTransaction maps a PaySim row onto the Kite API. CASH_IN
// becomes a deposit, CASH_OUT and DEBIT become withdrawals, TRANSFER
// and PAYMENT become transfers. Amounts above the ledger maximum are
// clamped so the replay exercises risk scoring instead of validation.
func replayTransaction(client *http.Client, baseURL string, tx PaySimTransaction) (blocked, rejected bool, err error) {
	amount := tx.Amount
	if amount > 999_999 {
		amount = 999_999
	}
	if amount < 0.01 {
		amount = 0.01
	}

	switch tx.Type {
	case "TRANSFER", "PAYMENT":
		req := TransferRequest{
			FromUserID: tx.NameOrig,
			ToUserID:   tx.NameDest,
			Amount:     amount,
			Currency:   "MAD",
		}
		body, status, err := postJSON(client, baseURL+"/transfers", req)
		if err != nil {
			return false, false, err
		}
		if status >= 400 && status < 500 {
			return false, true, nil
		}
		if status != http.StatusCreated {
			return false, false, fmt.Errorf("status %d", status)
		}
		var resp TransferResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return false, false, err
		}
		return resp.Status == "FAILED", false, nil

	default:
		txType := "WITHDRAWAL"
		if tx.Type == "CASH_IN" {
			txType = "DEPOSIT"
		}
		req := TransactionRequest{
			UserID:   tx.NameOrig,
			Type:     txType,
			Amount:   amount,
			Currency: "MAD",
		}
		body, status, err := postJSON(client, baseURL+"/transactions", req)
		if err != nil {
			return false, false, err
		}
		if status >= 400 && status < 500 {
			return false, true, nil
		}
		if status != http.StatusCreated {
			return false, false, fmt.Errorf("status %d", status)
		}
		var resp TransactionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return false, false, err
		}
		return resp.Status == "FAILED", false, nil
	}
}

func postJSON(client *http.Client, url string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Rejected (4xx):   %d\n", m.TotalRejected)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  BLOCKED     PASSED")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of blocked, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we block)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
