// Diagnostic tool for the realtime sync channel.
// Connects, dumps every frame, and reports reconnect behavior.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dialkit/dialer-go-sdk/dialersdk"
	"github.com/dialkit/dialer-go-sdk/realtime"
)

func main() {
	token := os.Getenv("DIALKIT_ACCESS_TOKEN")
	if token == "" {
		fmt.Println("DIALKIT_ACCESS_TOKEN env var required")
		os.Exit(1)
	}
	syncURL := os.Getenv("DIALKIT_SYNC_URL")
	if syncURL == "" {
		fmt.Println("DIALKIT_SYNC_URL env var required")
		os.Exit(1)
	}

	fmt.Println("[1/3] Creating API client...")
	core, err := dialersdk.NewClient(dialersdk.StaticToken(token), nil)
	if err != nil {
		fmt.Printf("ERROR creating client: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("[2/3] Checking telephony status...")
	status, err := core.GetTelephonyStatus(context.Background())
	if err != nil {
		fmt.Printf("  WARNING: status check failed: %v\n", err)
	} else {
		fmt.Printf("  Configured: %v, number: %s\n", status.Configured, status.PhoneNumber)
	}

	channel := realtime.New(core, &realtime.Config{URL: syncURL})

	frameCount := 0
	channel.On("*", func(frame *realtime.Frame) {
		if frame.Type == realtime.EventPong {
			return
		}
		frameCount++
		fmt.Printf("\n=== FRAME #%d ===\n", frameCount)
		fmt.Printf("  Type: %s\n", frame.Type)
		fmt.Printf("  TrackingID: %s\n", frame.TrackingID)
		if len(frame.Data) > 0 {
			var pretty map[string]interface{}
			if err := json.Unmarshal(frame.Data, &pretty); err == nil {
				for k, v := range pretty {
					fmt.Printf("    %s: %v\n", k, truncate(fmt.Sprintf("%v", v), 80))
				}
			}
		}
		fmt.Println("================")
	})

	fmt.Println("[3/3] Connecting to sync channel...")
	if err := channel.Connect(); err != nil {
		fmt.Printf("ERROR connecting: %v (reconnect attempt %d)\n", err, channel.ReconnectAttempt())
	} else {
		fmt.Println("Connected! Listening for 120s.")
	}
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nStopping...")
	case <-time.After(120 * time.Second):
		fmt.Printf("\nTimeout. Received %d frame(s), state %s.\n", frameCount, channel.State())
	}

	channel.Disconnect()
	fmt.Println("Disconnected.")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
