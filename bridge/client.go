// Package bridge tunnels half-duplex SPI transactions over a byte stream,
// so a master and a slave can run in different processes or talk through a
// serial adapter.
//
// Every transaction is one request frame from the [Client] and one response
// frame from the [Server]. A request carries a flag byte and the bytes the
// master clocks out, a response carries a status byte and, for reading
// transactions, the bytes the slave clocked back.
package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/spihd/util"
	"tinygo.org/x/drivers"
)

const (
	flagRead byte = 1 << 0
)

// Client is a [drivers.SPI] whose transactions run on a remote [Server].
type Client struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser

	frames metrics.Counter
}

var _ drivers.SPI = (*Client)(nil)

// NewClient returns a client speaking over conn.
func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{
		conn:   conn,
		frames: metrics.GetOrRegisterCounter("bridge.client.frames", nil),
	}
}

// Dial connects to a server listening on addr.
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// Tx implements [drivers.SPI].
func (c *Client) Tx(w, r []byte) error {
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("%w: read buffer of %d bytes for a %d byte transaction", util.ErrInvalidArg, len(r), len(w))
	}

	req := make([]byte, 1+len(w))
	if r != nil {
		req[0] |= flagRead
	}
	copy(req[1:], w)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteFrame(c.conn, req); err != nil {
		return fmt.Errorf("bridge request: %w", err)
	}
	resp, err := ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("bridge response: %w", err)
	}
	c.frames.Inc(1)

	if len(resp) == 0 {
		return fmt.Errorf("bridge response: empty frame")
	}
	if st := util.Status(resp[0]); st != util.StatusOK {
		return remoteError(st, string(resp[1:]))
	}
	if r != nil {
		if len(resp)-1 != len(r) {
			return fmt.Errorf("bridge response: %d bytes for a %d byte read", len(resp)-1, len(r))
		}
		copy(r, resp[1:])
	}
	return nil
}

// Transfer implements [drivers.SPI]. Single bytes carry no transaction
// framing over the bridge.
func (c *Client) Transfer(b byte) (byte, error) {
	return 0, fmt.Errorf("%w: unframed byte transfer", util.ErrNotSupported)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// remoteError rebuilds an error the server reported so callers can still
// match the sentinel.
func remoteError(st util.Status, msg string) error {
	if sentinel := util.ErrorOf(st); sentinel != nil {
		return fmt.Errorf("remote: %w: %s", sentinel, msg)
	}
	return fmt.Errorf("remote: %s", msg)
}
