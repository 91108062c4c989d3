// Package announce advertises the device's room and mode as retained MQTT
// messages so controllers on the network can discover it.
package announce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"audioleds/internal/control"
	"audioleds/internal/state"
)

const (
	DefaultTopicPrefix = "audioleds"
	DefaultHostPrefix  = "audioleds"

	opTimeout = 5 * time.Second
)

type Config struct {
	Broker      string
	TopicPrefix string
	Hostname    string
	Username    string
	Password    string
	QoS         byte
}

// Topic builds "<prefix>/<host>/<leaf>".
func Topic(prefix, host, leaf string) string {
	return strings.Trim(prefix, "/") + "/" + host + "/" + leaf
}

// Hostname returns "<prefix>-<last three MAC bytes in hex>" using the first
// non-loopback interface with a hardware address, or a random suffix when
// there is none.
func Hostname(prefix string) string {
	ifaces, err := net.Interfaces()
	if err == nil {
		if suffix, ok := macSuffix(ifaces); ok {
			return prefix + "-" + suffix
		}
	}
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func macSuffix(ifaces []net.Interface) (string, bool) {
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) < 3 {
			continue
		}
		mac := ifc.HardwareAddr
		return fmt.Sprintf("%02x%02x%02x", mac[len(mac)-3], mac[len(mac)-2], mac[len(mac)-1]), true
	}
	return "", false
}

// Announcer keeps the retained room and mode topics current.
type Announcer struct {
	cfg    Config
	dev    *state.Device
	logger *slog.Logger
	client pahomqtt.Client

	kick chan struct{}
}

func New(cfg Config, dev *state.Device, logger *slog.Logger) (*Announcer, error) {
	if cfg.Broker == "" {
		return nil, errors.New("announce: broker is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Hostname == "" {
		cfg.Hostname = Hostname(DefaultHostPrefix)
	}

	a := &Announcer{
		cfg:    cfg,
		dev:    dev,
		logger: logger.With("component", "announce"),
		kick:   make(chan struct{}, 1),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.Hostname + "-" + uuid.NewString()[:8]).
		SetConnectTimeout(opTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(func(pahomqtt.Client) {
			// Retained messages are republished after every (re)connect.
			a.wake()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			a.logger.Warn("mqtt connection lost", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	a.client = pahomqtt.NewClient(opts)
	return a, nil
}

func (a *Announcer) Hostname() string { return a.cfg.Hostname }

// Publish implements control.Publisher. Only room and mode changes trigger a
// republish.
func (a *Announcer) Publish(c control.Change) {
	if c.Resource != control.ResourceRoom && c.Resource != control.ResourceMode {
		return
	}
	a.wake()
}

func (a *Announcer) wake() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run connects and keeps the room and mode topics current until ctx is
// canceled. The connection is retried in the background; nothing is
// published while it is down.
func (a *Announcer) Run(ctx context.Context) error {
	a.logger.Info("announcing", "broker", a.cfg.Broker, "hostname", a.cfg.Hostname)
	a.client.Connect()
	defer a.client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.kick:
			if !a.client.IsConnectionOpen() {
				continue
			}
			a.announce()
		}
	}
}

func (a *Announcer) announce() {
	snap := a.dev.Snapshot()
	for leaf, value := range map[string]string{
		"room": snap.Room,
		"mode": snap.Mode.String(),
	} {
		if err := a.publish(Topic(a.cfg.TopicPrefix, a.cfg.Hostname, leaf), value); err != nil {
			a.logger.Warn("announce failed", "topic", leaf, "error", err)
		}
	}
}

func (a *Announcer) publish(topic, value string) error {
	tok := a.client.Publish(topic, a.cfg.QoS, true, value)
	if !tok.WaitTimeout(opTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
