package fcm

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/openfmd/findmygo/internal/mcs"
	"github.com/openfmd/findmygo/pkg/netutil"
)

// Config holds the transport tuning. Zero values are replaced by defaults
// in New.
type Config struct {
	// Host and Port locate the MCS endpoint.
	Host string
	Port int

	// HeartbeatInterval is the client-side ping cadence.
	HeartbeatInterval time.Duration

	// ConnectAttempts bounds the TLS connect retry loop for one transport
	// instance.
	ConnectAttempts int

	// ConnectBackoff seeds the connect retry schedule; each attempt doubles
	// it, capped at ConnectBackoffMax, with 10-20% jitter on top.
	ConnectBackoff    time.Duration
	ConnectBackoffMax time.Duration

	// ErrorThreshold is how many consecutive same-kind errors the transport
	// tolerates before shutting itself down.
	ErrorThreshold int

	// WriterCloseTimeout bounds the graceful writer close during Stop
	// before the connection is hard-aborted.
	WriterCloseTimeout time.Duration

	// Dial opens the MCS connection. The default dials TLS through the
	// cached DNS resolver; tests substitute a pipe.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Host:               mcs.Host,
		Port:               mcs.Port,
		HeartbeatInterval:  20 * time.Second,
		ConnectAttempts:    5,
		ConnectBackoff:     500 * time.Millisecond,
		ConnectBackoffMax:  60 * time.Second,
		ErrorThreshold:     3,
		WriterCloseTimeout: 2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = def.ConnectAttempts
	}
	if c.ConnectBackoff == 0 {
		c.ConnectBackoff = def.ConnectBackoff
	}
	if c.ConnectBackoffMax == 0 {
		c.ConnectBackoffMax = def.ConnectBackoffMax
	}
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = def.ErrorThreshold
	}
	if c.WriterCloseTimeout == 0 {
		c.WriterCloseTimeout = def.WriterCloseTimeout
	}
	if c.Dial == nil {
		c.Dial = netutil.DialTLS
	}
}

func (c *Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
