package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// watchEvent is the observe envelope.
type watchEvent struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// watchURL adds the resource filter to the observe URL.
func watchURL(raw, filter string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid websocket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid websocket URL scheme %q", u.Scheme)
	}
	if filter != "" {
		q := u.Query()
		q.Set("resource", filter)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// formatEvent renders one observe frame as a single line.
func formatEvent(msg []byte) string {
	var ev watchEvent
	if err := json.Unmarshal(msg, &ev); err != nil || ev.Type == "" {
		return fmt.Sprintf("[TEXT] %s", msg)
	}
	ts := ""
	if ev.Ts != nil {
		ts = ev.Ts.Local().Format("15:04:05.000") + " "
	}
	return fmt.Sprintf("%s[%s] %s", ts, ev.Type, ev.Data)
}

func runWatch(rawURL, filter string) error {
	target, err := watchURL(rawURL, filter)
	if err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	log.Printf("connecting to %s...", target)
	conn, _, err := d.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	log.Printf("connected (press Ctrl+C to exit)")

	var writeMu sync.Mutex

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	// The daemon pings too; answering resets the deadline as well.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if mt == websocket.TextMessage {
				fmt.Println(formatEvent(msg))
			}
		}
	}()

	for {
		select {
		case <-pingTicker.C:
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}

		case <-sigc:
			writeMu.Lock()
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMu.Unlock()
			if err != nil {
				log.Printf("error closing connection: %v", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil

		case <-done:
			log.Printf("connection closed")
			return nil
		}
	}
}
