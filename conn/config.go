package conn

import "time"

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultKeepAliveInterval = 90 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultSenderBufferSize  = 32
	defaultReceiverBufferSize = 32
	defaultBlockRequestTimeout = 30 * time.Second
	defaultUploadServeTimeout  = 5 * time.Second
	statsEwmaHalfLife         = 20 * time.Second
)

// Config controls a Conn's timeouts and channel buffering.
type Config struct {
	ConnectTimeout      time.Duration
	KeepAliveInterval   time.Duration
	IdleTimeout         time.Duration
	BlockRequestTimeout time.Duration
	UploadServeTimeout  time.Duration
	SenderBufferSize    int
	ReceiverBufferSize  int
}

func (c Config) applyDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.BlockRequestTimeout == 0 {
		c.BlockRequestTimeout = defaultBlockRequestTimeout
	}
	if c.UploadServeTimeout == 0 {
		c.UploadServeTimeout = defaultUploadServeTimeout
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = defaultSenderBufferSize
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = defaultReceiverBufferSize
	}
	return c
}
