// Fires a burst of sample webhooks at a hookwatch server.
//
// Usage:
//   go run scripts/send-events/main.go
//   go run scripts/send-events/main.go -n 500 -concurrency 16 -path /github
//
// Start listening first (hookwatch start), otherwise every POST gets a 403.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "hookwatch server URL")
	n := flag.Int("n", 100, "number of events to send")
	path := flag.String("path", "/webhook", "path to POST to")
	concurrency := flag.Int("concurrency", 4, "number of concurrent senders")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	jobs := make(chan int)
	var ok, rejected, failed atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				body := fmt.Sprintf(`{"seq":%d,"sent_at":%q}`, i, time.Now().Format(time.RFC3339Nano))
				resp, err := client.Post(*url+*path, "application/json", bytes.NewBufferString(body))
				if err != nil {
					failed.Add(1)
					continue
				}
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					ok.Add(1)
				} else {
					rejected.Add(1)
				}
			}
		}()
	}

	start := time.Now()
	for i := 1; i <= *n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	fmt.Printf("sent %d events in %s: %d accepted, %d rejected, %d failed\n",
		*n, time.Since(start).Round(time.Millisecond), ok.Load(), rejected.Load(), failed.Load())
}
