// Command s2sctl polls a running s2sd's admin surface and renders route
// queue drain progress, grounded on the teacher's cmd/amass_client/main.go
// (poll loop against a remote status endpoint, interrupt-driven exit).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	pb "github.com/cheggaaa/pb/v3"

	"github.com/jabberd-go/s2s/dispatch"
)

func main() {
	var addr string
	var interval time.Duration
	flag.StringVar(&addr, "admin", "http://127.0.0.1:5270", "base URL of the admin status surface")
	flag.DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	flag.Parse()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	status, err := fetchStatus(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "s2sctl: %v\n", err)
		os.Exit(1)
	}

	total := totalQueued(status)
	fmt.Println("Route queue drain progress:")
	progress := pb.Start64(int64(total))
	defer progress.Finish()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status, err := fetchStatus(addr)
			if err != nil {
				continue
			}
			remaining := totalQueued(status)
			if remaining > total {
				total = remaining
			}
			progress.SetTotal(int64(total))
			progress.SetCurrent(int64(total - remaining))
			if remaining == 0 {
				return
			}
		case <-interrupt:
			return
		}
	}
}

func fetchStatus(addr string) (dispatch.Status, error) {
	var status dispatch.Status

	resp, err := http.Get(addr + "/status")
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

func totalQueued(status dispatch.Status) int {
	var total int
	for _, q := range status.Queues {
		total += q.Depth
	}
	return total
}
