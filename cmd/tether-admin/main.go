// ABOUTME: Admin CLI for tether-gateway over its HTTP API
// ABOUTME: Create, list, inspect, reconnect, and delete agent sessions

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	gray   = color.New(color.FgHiBlack)
)

func usage() {
	fmt.Println("Usage: tether-admin [flags] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  create --agent ID [--name NAME] [--user ID] [--api-key KEY]")
	fmt.Println("                         Provision a session and print its pairing QR")
	fmt.Println("  list                   List sessions")
	fmt.Println("  status --agent ID      Show one session's status")
	fmt.Println("  qr --agent ID [--out FILE]")
	fmt.Println("                         Fetch the current pairing QR as PNG")
	fmt.Println("  reconnect --agent ID [--force-qr]")
	fmt.Println("                         Reconnect a session")
	fmt.Println("  delete --agent ID      Destroy a session")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --gateway URL          Gateway base URL (or TETHER_GATEWAY_URL, default http://127.0.0.1:8080)")
	fmt.Println("  --key KEY              Session api key for per-agent commands (or TETHER_API_KEY)")
	os.Exit(1)
}

type cli struct {
	gateway string
	apiKey  string
	http    *http.Client
}

func main() {
	gateway := flag.String("gateway", "", "gateway base URL")
	apiKey := flag.String("key", "", "session api key")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}

	base := *gateway
	if base == "" {
		base = os.Getenv("TETHER_GATEWAY_URL")
	}
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	key := *apiKey
	if key == "" {
		key = os.Getenv("TETHER_API_KEY")
	}

	c := &cli{
		gateway: strings.TrimRight(base, "/"),
		apiKey:  key,
		http:    &http.Client{Timeout: 3 * time.Minute},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := flag.Args()
	var err error
	switch args[0] {
	case "create":
		err = c.runCreate(ctx, args[1:])
	case "list":
		err = c.runList(ctx)
	case "status":
		err = c.runStatus(ctx, args[1:])
	case "qr":
		err = c.runQR(ctx, args[1:])
	case "reconnect":
		err = c.runReconnect(ctx, args[1:])
	case "delete":
		err = c.runDelete(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		usage()
	}

	if err != nil {
		red.Fprint(os.Stderr, "✗ ")
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// request performs one API call and decodes the JSON response into out.
func (c *cli) request(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.gateway+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Code != "" {
				return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func agentFlag(fs *flag.FlagSet) *string {
	return fs.String("agent", "", "agent id")
}

func requireAgent(agent string) error {
	if agent == "" {
		return fmt.Errorf("--agent is required")
	}
	return nil
}

func (c *cli) runCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	agent := agentFlag(fs)
	name := fs.String("name", "", "session display name")
	user := fs.String("user", "", "owning user id")
	key := fs.String("api-key", "", "api key for the session (generated if empty)")
	out := fs.String("out", "", "write pairing QR PNG to this file")
	_ = fs.Parse(args)
	if err := requireAgent(*agent); err != nil {
		return err
	}

	var resp struct {
		AgentID     string     `json:"agent_id"`
		Ready       bool       `json:"ready"`
		EndpointURL string     `json:"endpoint_url"`
		QR          string     `json:"qr"`
		QRExpiresAt *time.Time `json:"qr_expires_at"`
	}
	err := c.request(ctx, http.MethodPost, "/api/v1/sessions", map[string]string{
		"agent_id":     *agent,
		"user_id":      *user,
		"api_key":      *key,
		"session_name": *name,
	}, &resp)
	if err != nil {
		return err
	}

	green.Print("✓ ")
	fmt.Printf("Session created for %s\n", resp.AgentID)
	fmt.Printf("  endpoint: %s\n", resp.EndpointURL)
	if resp.Ready {
		green.Println("  already paired and connected")
		return nil
	}
	if resp.QRExpiresAt != nil {
		gray.Printf("  pairing expires at %s\n", resp.QRExpiresAt.Format(time.RFC3339))
	}
	return writeQR(resp.QR, *out)
}

// writeQR decodes a data-URL QR image and writes it to a file.
func writeQR(dataURL, out string) error {
	if dataURL == "" {
		return nil
	}
	if out == "" {
		out = "pairing.png"
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(dataURL, prefix) {
		return fmt.Errorf("unexpected QR encoding")
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, prefix))
	if err != nil {
		return fmt.Errorf("decoding QR image: %w", err)
	}
	if err := os.WriteFile(out, png, 0o600); err != nil {
		return fmt.Errorf("writing QR image: %w", err)
	}
	fmt.Printf("  pairing QR written to %s\n", out)
	return nil
}

func (c *cli) runList(ctx context.Context) error {
	var resp struct {
		Sessions []struct {
			AgentID         string     `json:"agent_id"`
			SessionName     string     `json:"session_name"`
			Status          string     `json:"status"`
			LastConnectedAt *time.Time `json:"last_connected_at"`
		} `json:"sessions"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/sessions", nil, &resp); err != nil {
		return err
	}

	if len(resp.Sessions) == 0 {
		gray.Println("no sessions")
		return nil
	}
	for _, s := range resp.Sessions {
		printStatusDot(s.Status)
		fmt.Printf("%-24s %-14s", s.AgentID, s.Status)
		if s.SessionName != "" {
			fmt.Printf(" %s", s.SessionName)
		}
		if s.LastConnectedAt != nil {
			gray.Printf("  (last connected %s)", s.LastConnectedAt.Format(time.RFC3339))
		}
		fmt.Println()
	}
	return nil
}

func printStatusDot(status string) {
	switch status {
	case "connected":
		green.Print("● ")
	case "awaiting_qr", "reconnecting":
		yellow.Print("● ")
	default:
		red.Print("● ")
	}
}

func (c *cli) runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	agent := agentFlag(fs)
	_ = fs.Parse(args)
	if err := requireAgent(*agent); err != nil {
		return err
	}

	var status struct {
		AgentID            string     `json:"agent_id"`
		Status             string     `json:"status"`
		Live               bool       `json:"live"`
		SessionName        string     `json:"session_name"`
		EndpointURL        string     `json:"endpoint_url"`
		LastConnectedAt    *time.Time `json:"last_connected_at"`
		LastDisconnectedAt *time.Time `json:"last_disconnected_at"`
		QRAvailable        bool       `json:"qr_available"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/sessions/"+*agent+"/", nil, &status); err != nil {
		return err
	}

	printStatusDot(status.Status)
	fmt.Printf("%s: %s\n", status.AgentID, status.Status)
	if status.SessionName != "" {
		fmt.Printf("  name:     %s\n", status.SessionName)
	}
	fmt.Printf("  live:     %t\n", status.Live)
	if status.EndpointURL != "" {
		fmt.Printf("  endpoint: %s\n", status.EndpointURL)
	}
	if status.LastConnectedAt != nil {
		fmt.Printf("  last connected:    %s\n", status.LastConnectedAt.Format(time.RFC3339))
	}
	if status.LastDisconnectedAt != nil {
		fmt.Printf("  last disconnected: %s\n", status.LastDisconnectedAt.Format(time.RFC3339))
	}
	if status.QRAvailable {
		yellow.Println("  pairing QR available (tether-admin qr)")
	}
	return nil
}

func (c *cli) runQR(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("qr", flag.ExitOnError)
	agent := agentFlag(fs)
	out := fs.String("out", "pairing.png", "output PNG path")
	_ = fs.Parse(args)
	if err := requireAgent(*agent); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gateway+"/api/v1/sessions/"+*agent+"/qr", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("no pairing QR available (status %d)", resp.StatusCode)
	}
	png, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := os.WriteFile(*out, png, 0o600); err != nil {
		return fmt.Errorf("writing QR image: %w", err)
	}

	green.Print("✓ ")
	fmt.Printf("Pairing QR written to %s\n", *out)
	return nil
}

func (c *cli) runReconnect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reconnect", flag.ExitOnError)
	agent := agentFlag(fs)
	forceQR := fs.Bool("force-qr", false, "discard credentials and demand a fresh pairing")
	out := fs.String("out", "pairing.png", "output PNG path if pairing is needed")
	_ = fs.Parse(args)
	if err := requireAgent(*agent); err != nil {
		return err
	}

	path := "/api/v1/sessions/" + *agent + "/reconnect"
	if *forceQR {
		path += "?force_qr=true"
	}

	var resp struct {
		Ready       bool       `json:"ready"`
		QR          string     `json:"qr"`
		QRExpiresAt *time.Time `json:"qr_expires_at"`
	}
	if err := c.request(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return err
	}

	if resp.Ready {
		green.Print("✓ ")
		fmt.Println("Session reconnected")
		return nil
	}
	yellow.Print("● ")
	fmt.Println("Pairing required")
	if resp.QRExpiresAt != nil {
		gray.Printf("  pairing expires at %s\n", resp.QRExpiresAt.Format(time.RFC3339))
	}
	return writeQR(resp.QR, *out)
}

func (c *cli) runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	agent := agentFlag(fs)
	_ = fs.Parse(args)
	if err := requireAgent(*agent); err != nil {
		return err
	}

	if err := c.request(ctx, http.MethodDelete, "/api/v1/sessions/"+*agent+"/", nil, nil); err != nil {
		return err
	}
	green.Print("✓ ")
	fmt.Printf("Session %s deleted\n", *agent)
	return nil
}
