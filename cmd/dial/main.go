package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <phone-number>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s +15551234567\n", os.Args[0])
		os.Exit(1)
	}
	to := os.Args[1]

	_ = godotenv.Load()

	logger := log.New(os.Stdout, "dial: ", log.LstdFlags)

	baseURL := strings.TrimRight(getenv("DIAL_BASE_URL", "http://localhost:5050"), "/")
	serverCmd := getenv("DIAL_SERVER_CMD", "voicebridge-server")

	child, err := startServer(serverCmd)
	if err != nil {
		logger.Fatalf("start server (%s): %v", serverCmd, err)
	}

	client := &http.Client{Timeout: 5 * time.Second}

	if err := waitForHealthy(client, baseURL+"/healthz", 40, 250*time.Millisecond); err != nil {
		logger.Printf("server never became ready: %v", err)
		stopServer(logger, child)
		os.Exit(1)
	}

	placeCall(logger, client, baseURL, to)

	logger.Printf("press Ctrl+C to stop the server")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	stopServer(logger, child)
}

func startServer(command string) (*exec.Cmd, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty server command")
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// waitForHealthy polls the health endpoint until it answers 200 or the
// attempts run out.
func waitForHealthy(client *http.Client, healthURL string, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		resp, err := client.Get(healthURL)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(delay)
	}
	return fmt.Errorf("no healthy response from %s after %d attempts", healthURL, attempts)
}

type callResponse struct {
	Message string `json:"message"`
	CallSid string `json:"call_sid"`
	Detail  string `json:"detail"`
	Err     string `json:"error"`
}

// placeCall posts the outbound-call request and logs the outcome. A failed
// call is reported, never fatal; the server keeps running either way.
func placeCall(logger *log.Logger, client *http.Client, baseURL, to string) {
	endpoint := baseURL + "/make-outgoing-call?to_number=" + url.QueryEscape(to)

	resp, err := client.Post(endpoint, "application/x-www-form-urlencoded", nil)
	if err != nil {
		logger.Printf("call request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out callResponse
	if err := json.Unmarshal(body, &out); err != nil {
		logger.Printf("unexpected response (%d): %s: %v", resp.StatusCode, strings.TrimSpace(string(body)), err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		if out.Err != "" {
			logger.Printf("call not initiated (%d): %s: %s", resp.StatusCode, out.Detail, out.Err)
		} else {
			logger.Printf("call not initiated (%d): %s", resp.StatusCode, out.Detail)
		}
		return
	}
	logger.Printf("%s (sid %s)", out.Message, out.CallSid)
}

// stopServer signals the child and kills it if it keeps running.
func stopServer(logger *log.Logger, cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Printf("server did not exit, killing")
		_ = cmd.Process.Kill()
		<-done
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
