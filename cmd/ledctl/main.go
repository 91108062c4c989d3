package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

// ============================================================================
// ledctl - Command-line client for the audioleds daemon
// ============================================================================
// Reads and writes device resources over the daemon's IPC socket and follows
// state changes over the observe websocket.
//
// Usage:
//   ledctl get color
//   ledctl set color ff8800
//   ledctl set mode audio_freq
//   ledctl set thresholds 350,1650,300,500,1100,3500
//   ledctl reset room
//   ledctl watch color,mode
// ============================================================================

// IPC wire types (duplicated from the daemon for a standalone binary).

type IPCRequest struct {
	Method   string `json:"method"`
	Resource string `json:"resource"`
	Payload  []byte `json:"payload,omitempty"`
}

type IPCResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

func main() {
	fs := flag.NewFlagSet("ledctl", flag.ContinueOnError)
	socketPath := fs.String("socket", "/tmp/audioleds.sock", "Unix domain socket path")
	wsURL := fs.String("url", "ws://127.0.0.1:8080/ws", "Observe websocket URL (watch)")
	fs.Usage = printUsage

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := fs.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "get":
		err = runGet(*socketPath, args[1:])
	case "set", "put":
		err = runSet(*socketPath, args[1:])
	case "reset", "delete":
		err = runReset(*socketPath, args[1:])
	case "watch":
		filter := ""
		if len(args) > 1 {
			filter = args[1]
		}
		err = runWatch(*wsURL, filter)
	case "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runGet(socketPath string, args []string) error {
	if len(args) != 1 {
		return errors.New("get needs a resource")
	}
	res := strings.ToLower(args[0])
	resp, err := roundTrip(socketPath, IPCRequest{Method: "GET", Resource: res})
	if err != nil {
		return err
	}
	s, err := formatPayload(res, resp.Payload)
	if err != nil {
		return err
	}
	fmt.Println(s)
	return nil
}

func runSet(socketPath string, args []string) error {
	if len(args) < 2 {
		return errors.New("set needs a resource and a value")
	}
	res := strings.ToLower(args[0])
	payload, err := encodePayload(res, args[1:])
	if err != nil {
		return err
	}
	resp, err := roundTrip(socketPath, IPCRequest{Method: "PUT", Resource: res, Payload: payload})
	if err != nil {
		return err
	}
	fmt.Printf("ok (%s)\n", resp.Code)
	return nil
}

func runReset(socketPath string, args []string) error {
	if len(args) != 1 {
		return errors.New("reset needs a resource")
	}
	resp, err := roundTrip(socketPath, IPCRequest{Method: "DELETE", Resource: strings.ToLower(args[0])})
	if err != nil {
		return err
	}
	fmt.Printf("ok (%s)\n", resp.Code)
	return nil
}

// roundTrip sends one request and turns a rejected one into an error.
func roundTrip(socketPath string, req IPCRequest) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	data, err := json.Marshal(req)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return resp, fmt.Errorf("daemon error %s: %s", resp.Code, resp.Error)
	}
	return resp, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ledctl - Control the audioleds daemon

Usage:
  ledctl [options] <command> [args]

Options:
  --socket PATH   Unix domain socket path (default: /tmp/audioleds.sock)
  --url URL       Observe websocket URL (default: ws://127.0.0.1:8080/ws)

Commands:
  get <resource>               Print room, color, mode or thresholds
  set room <name>              Set the room name (max 29 bytes)
  set color <rrggbb>           Set the manual color (manual/audio_intensity only)
  set mode <name|index>        manual, audio_intensity, audio_freq, audio, off, audio_hold
  set thresholds <6 values>    amp_min,amp_max,blue_start,blue_end,green_end,red_end
  reset <resource>             Restore a resource default (DELETE)
  watch [resource,...]         Follow state changes until Ctrl+C
  help                         Show this help message

Examples:
  ledctl set color '#ff8800'
  ledctl --socket /run/audioleds.sock set mode off
  ledctl watch color
`)
}
