package hl7v2

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MLLP Frame Characters (Minimal Lower Layer Protocol)
const (
	MLLPStartBlock = 0x0B // Vertical Tab (VT)
	MLLPEndBlock   = 0x1C // File Separator (FS)
	MLLPCarriageR  = 0x0D // Carriage Return (CR)
)

// Client represents an HL7 v2.x MLLP client. A single connection is shared
// and calls are serialized; the limiter throttles outbound traffic to the
// MPI.
type Client struct {
	mu           sync.Mutex
	host         string
	port         int
	conn         net.Conn
	connected    bool
	timeout      time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	limiter      *rate.Limiter
}

// ClientConfig holds client configuration
type ClientConfig struct {
	Host              string
	Port              int
	Timeout           time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RequestsPerSecond float64
}

// NewClient creates a new HL7 v2.x client
func NewClient(config *ClientConfig) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	readTimeout := config.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	writeTimeout := config.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}

	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}

	return &Client{
		host:         config.Host,
		port:         config.Port,
		timeout:      timeout,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Connect establishes connection to the HL7 server
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	if c.connected {
		return nil
	}

	address := fmt.Sprintf("%s:%d", c.host, c.port)
	dialer := &net.Dialer{Timeout: c.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	c.connected = true

	return nil
}

// Disconnect closes the connection
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.connected = false

	return err
}

// Send sends raw HL7 message bytes and returns the unframed response. The
// connection is established on first use and dropped on any I/O error so
// the next call redials.
func (c *Client) Send(ctx context.Context, data []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	// Wrap in MLLP frame
	frame := wrapMLLP(data)

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.writeTimeout {
		c.conn.SetWriteDeadline(deadline)
	} else if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return nil, fmt.Errorf("failed to set write deadline: %w", err)
	}

	if _, err := c.conn.Write(frame); err != nil {
		c.drop()
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.readTimeout {
		c.conn.SetReadDeadline(deadline)
	} else if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	response, err := c.readMLLPMessage()
	if err != nil {
		c.drop()
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return response, nil
}

func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.connected = false
}

// wrapMLLP wraps a message in MLLP frame
func wrapMLLP(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageR)
	return frame
}

// readMLLPMessage reads an MLLP-framed message
func (c *Client) readMLLPMessage() ([]byte, error) {
	buf := make([]byte, 65536) // 64KB buffer
	var message []byte
	inMessage := false

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		for i := 0; i < n; i++ {
			b := buf[i]

			if b == MLLPStartBlock {
				inMessage = true
				message = message[:0]
				continue
			}

			if b == MLLPEndBlock {
				// Check for trailing CR
				if i+1 < n && buf[i+1] == MLLPCarriageR {
					i++
				}
				return message, nil
			}

			if inMessage {
				message = append(message, b)
			}
		}
	}

	if len(message) > 0 {
		return message, nil
	}

	return nil, fmt.Errorf("no complete message received")
}
