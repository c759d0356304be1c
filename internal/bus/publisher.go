package bus

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const connectTimeout = 5 * time.Second

// Publisher mirrors avatar events onto NATS subjects of the form
// <subject>.<event type> and accepts commands on <subject>.cmd.<name>.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

func Connect(url, subject string) (*Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("no NATS url configured")
	}
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		return nil, errors.New("no NATS subject configured")
	}

	conn, err := nats.Connect(url,
		nats.Name("lea-avatar"),
		nats.Timeout(connectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Printf("connected to NATS at %s, publishing on %s.>", url, subject)
	return &Publisher{conn: conn, subject: subject}, nil
}

// Forward publishes an already encoded event.
func (p *Publisher) Forward(eventType string, payload []byte) error {
	if err := p.conn.Publish(p.subject+"."+eventType, payload); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// HandleCommand invokes fn with the payload of every message sent to
// <subject>.cmd.<name>. A non-empty reply subject receives fn's response.
func (p *Publisher) HandleCommand(name string, fn func(payload []byte) []byte) (*nats.Subscription, error) {
	sub, err := p.conn.Subscribe(p.subject+".cmd."+name, func(msg *nats.Msg) {
		reply := fn(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.Printf("warning: respond to %s command: %v", name, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s command: %w", name, err)
	}
	return sub, nil
}

func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	log.Printf("closing NATS connection")
	_ = p.conn.Drain()
	p.conn.Close()
}

func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}
