// Package mqtt publishes the planner's state to an MQTT broker as retained
// messages so home automation can follow what the battery is doing.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/agilerudder/pkg/log"
	"github.com/raterudder/agilerudder/pkg/types"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// client is the part of the paho client the Publisher uses.
type client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	Disconnect(quiesce uint)
}

// Publisher writes the current slot and battery level under a topic prefix.
type Publisher struct {
	client  client
	prefix  string
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	connected bool
}

// Configured registers the MQTT flags. The returned Publisher is disabled
// unless a broker is set.
func Configured() *Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL such as tcp://localhost:1883, empty disables publishing")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "", "MQTT client id, defaults to agilerudder-<hostname>")
	prefix := lflag.String("mqtt-topic-prefix", "agilerudder", "Prefix for every published topic")
	timeout := lflag.Duration("mqtt-timeout", 10*time.Second, "Timeout for MQTT operations")

	p := &Publisher{now: time.Now}
	lflag.Do(func() {
		p.prefix = *prefix
		p.timeout = *timeout
		if *broker == "" {
			return
		}
		id := *clientID
		if id == "" {
			host, _ := os.Hostname()
			id = "agilerudder-" + host
		}
		p.client = paho.NewClient(p.options(*broker, id, *username, *password))
	})
	return p
}

// New returns a Publisher using c.
func New(c client, prefix string, timeout time.Duration) *Publisher {
	return &Publisher{
		client:  c,
		prefix:  prefix,
		timeout: timeout,
		now:     time.Now,
	}
}

func (p *Publisher) options(broker, clientID, username, password string) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetWill(p.topic("status"), payloadOffline, 1, true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		// reconnects don't go through Connect so announce from here
		c.Publish(p.topic("status"), 1, true, payloadOnline)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		ctx := context.Background()
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	})
	return opts
}

// Enabled reports whether a broker was configured.
func (p *Publisher) Enabled() bool {
	return p != nil && p.client != nil
}

func (p *Publisher) topic(name string) string {
	return p.prefix + "/" + name
}

// Connect connects to the broker and marks the planner online.
func (p *Publisher) Connect(ctx context.Context) error {
	if !p.Enabled() {
		return errors.New("mqtt broker not configured")
	}
	if err := p.wait(ctx, p.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	if err := p.publish(ctx, "status", payloadOnline); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("prefix", p.prefix))
	return nil
}

// Publish writes the battery level and the slot in effect now. Only the
// battery level is written when no slot covers the current time.
func (p *Publisher) Publish(ctx context.Context, state types.PlannerState) error {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return errors.New("mqtt publisher not connected")
	}

	errs := []error{
		p.publish(ctx, "soc", strconv.Itoa(state.Battery.BatterySOC)),
	}

	slot := state.CurrentSlot(p.now())
	if slot != nil {
		b, err := json.Marshal(slot)
		if err != nil {
			return fmt.Errorf("failed to encode slot: %w", err)
		}
		errs = append(errs,
			p.publish(ctx, "action", slot.ActionToExecute().String()),
			p.publish(ctx, "price", strconv.FormatFloat(slot.PriceIncVAT, 'f', 2, 64)),
			p.publish(ctx, "reason", slot.ActionReason),
			p.publish(ctx, "state", b),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to publish state: %w", err)
	}
	return nil
}

// Close marks the planner offline and disconnects.
func (p *Publisher) Close(ctx context.Context) {
	p.mu.Lock()
	connected := p.connected
	p.connected = false
	p.mu.Unlock()
	if !connected {
		return
	}
	if err := p.publish(ctx, "status", payloadOffline); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish offline status", slog.Any("error", err))
	}
	p.client.Disconnect(250)
}

func (p *Publisher) publish(ctx context.Context, name string, payload any) error {
	if err := p.wait(ctx, p.client.Publish(p.topic(name), 1, true, payload)); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (p *Publisher) wait(ctx context.Context, token paho.Token) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("mqtt operation timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
