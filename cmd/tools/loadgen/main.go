package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// snapshotInfo mirrors the fields of the broker's /snapshots response.
type snapshotInfo struct {
	ID         string
	LowerBound int64
	UpperBound int64
}

func main() {
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	broker := flag.String("broker", "http://localhost:9001", "Broker URL")
	family := flag.String("cf", "variables", "Column family to write")
	writes := flag.Float64("writes", 0.5, "Share of writes in the workload")
	flag.Parse()

	target := strings.TrimSuffix(*broker, "/")
	fmt.Printf("Starting load: %d workers, %v duration, target %s\n", *concurrency, *duration, target)

	var ops, errs int64
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				key := fmt.Sprintf("key%d", rand.IntN(10000))

				var sql string
				if rand.Float64() < *writes {
					sql = fmt.Sprintf("INSERT INTO %s (k, v) VALUES ('%s', 'val%d')", *family, key, rand.IntN(1000))
				} else {
					sql = fmt.Sprintf("SELECT * FROM %s WHERE k = '%s'", *family, key)
				}

				resp, err := client.Get(target + "/query?sql=" + url.QueryEscape(sql))
				if err != nil || resp.StatusCode >= 400 {
					if n := atomic.AddInt64(&errs, 1); n <= 5 {
						if err == nil {
							err = fmt.Errorf("status %s", resp.Status)
						}
						fmt.Printf("Error: %v\n", err)
					}
					if resp != nil {
						resp.Body.Close()
					}
					continue
				}
				atomic.AddInt64(&ops, 1)
				resp.Body.Close()
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("Load finished.")
	fmt.Printf("Total Ops: %d\n", ops)
	fmt.Printf("Errors: %d\n", errs)
	fmt.Printf("Duration: %v\n", elapsed)
	fmt.Printf("RPS: %.2f\n", float64(ops)/elapsed.Seconds())

	resp, err := client.Get(target + "/snapshots")
	if err != nil {
		fmt.Printf("Snapshots: %v\n", err)
		return
	}
	defer resp.Body.Close()
	var snaps []snapshotInfo
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		fmt.Printf("Snapshots: %v\n", err)
		return
	}
	for _, s := range snaps {
		fmt.Printf("Snapshot %s (processed up to %d, written up to %d)\n", s.ID, s.LowerBound, s.UpperBound)
	}
}
