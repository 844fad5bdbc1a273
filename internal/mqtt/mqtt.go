package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Client struct {
	client mqtt.Client
}

type Message struct {
	mqtt.Message
}

func (m Message) Retained() bool { return m.Message.Retained() }

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	// InsecureTLS skips certificate checks on mqtts:// and ssl:// brokers.
	InsecureTLS bool
}

// BrokerAddress rewrites mqtt:// and mqtts:// URLs into the schemes paho understands and
// strips any userinfo, which is returned separately.
func BrokerAddress(raw string) (addr, user, pass string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", "", fmt.Errorf("empty broker url")
	}
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "mqtt":
		u.Scheme = "tcp"
	case "mqtts":
		u.Scheme = "ssl"
	case "tcp", "ssl", "tls", "ws", "wss":
	default:
		return "", "", "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
		u.User = nil
	}
	if u.Port() == "" && (u.Scheme == "tcp" || u.Scheme == "ssl" || u.Scheme == "tls") {
		port := "1883"
		if u.Scheme != "tcp" {
			port = "8883"
		}
		u.Host = u.Hostname() + ":" + port
	}
	return u.String(), user, pass, nil
}

func Connect(o Options) (*Client, error) {
	addr, user, pass, err := BrokerAddress(o.BrokerURL)
	if err != nil {
		return nil, err
	}
	if o.Username != "" {
		user, pass = o.Username, o.Password
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(addr)
	clientID := strings.TrimSpace(o.ClientID)
	if clientID == "" {
		clientID = "sensor-service-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	if user != "" {
		opts.SetUsername(user)
		opts.SetPassword(pass)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// Keep the subscription across reconnects.
	opts.SetCleanSession(false)
	if o.InsecureTLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", addr)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect to %s timed out", addr)
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

func (c *Client) Subscribe(topic string, qos byte, handler func(Message)) error {
	tok := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Message{Message: msg})
	})
	tok.Wait()
	return tok.Error()
}

// Connected reports whether the client currently holds a broker connection.
func (c *Client) Connected() bool {
	return c != nil && c.client != nil && c.client.IsConnectionOpen()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
