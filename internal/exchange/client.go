package exchange

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ssd-technologies/umbra/internal/blob"
)

// ClientConfig configures outbound blob fetches. Zero values get
// defaults.
type ClientConfig struct {
	// ConnectTimeout bounds the TCP dial. Default 10s.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds each response read, header or body. Default 30s.
	ResponseTimeout time.Duration

	// PaymentRate is the transfer rate offered to servers, in
	// credits/MB. Zero is a valid offer.
	PaymentRate float64
}

func (c *ClientConfig) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 30 * time.Second
	}
}

// Client fetches blobs from remote exchange servers. One fetch is one
// connection: dial, negotiate the rate and request the blob in a single
// message, read the header and body, hang up.
type Client struct {
	cfg ClientConfig
}

// NewClient builds a blob exchange client.
func NewClient(cfg ClientConfig) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg}
}

// FetchBlob retrieves one blob's ciphertext from the server at addr and
// verifies its digest before returning it.
func (c *Client) FetchBlob(ctx context.Context, addr string, h blob.Hash) ([]byte, error) {
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	// Cancellation mid-read surfaces as a closed connection.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w := newWire(conn)
	rate := c.cfg.PaymentRate
	req := Request{PaymentRate: &rate, RequestedBlob: h.Hex()}
	if err := w.writeJSON(req, c.cfg.ResponseTimeout); err != nil {
		return nil, fmt.Errorf("send request to %s: %w", addr, err)
	}

	var resp Response
	if err := w.readJSON(&resp, c.cfg.ResponseTimeout); err != nil {
		return nil, fmt.Errorf("read response from %s: %w", addr, err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if resp.RateReply == RateTooLow {
		return nil, fmt.Errorf("%s rejected rate offer of %g", addr, rate)
	}
	if resp.Error != "" {
		if resp.Error == ErrorBlobUnavailable {
			return nil, fmt.Errorf("%s: %w", addr, blob.ErrNotFound)
		}
		return nil, fmt.Errorf("%s refused blob: %s", addr, resp.Error)
	}
	if resp.IncomingBlob == nil {
		return nil, fmt.Errorf("%w: %s sent neither blob nor error", ErrProtocol, addr)
	}
	hdr := resp.IncomingBlob
	if hdr.BlobHash != h.Hex() {
		return nil, fmt.Errorf("%w: %s offered blob %s, wanted %s", ErrProtocol, addr, hdr.BlobHash, h.Hex())
	}
	if hdr.Length <= 0 || hdr.Length > blob.MaxBlobSize {
		return nil, fmt.Errorf("%w: %s announced blob length %d", ErrProtocol, addr, hdr.Length)
	}

	body, err := w.readBody(hdr.Length, c.cfg.ResponseTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read blob from %s: %w", addr, err)
	}
	if blob.Sum(body) != h {
		return nil, fmt.Errorf("%s: %w", addr, blob.ErrCorrupt)
	}
	return body, nil
}

// CheckAvailability asks the server at addr which of the given blobs it
// holds.
func (c *Client) CheckAvailability(ctx context.Context, addr string, hashes []blob.Hash) ([]string, error) {
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	hexes := make([]string, len(hashes))
	for i, h := range hashes {
		hexes[i] = h.Hex()
	}
	w := newWire(conn)
	if err := w.writeJSON(Request{RequestedBlobs: hexes}, c.cfg.ResponseTimeout); err != nil {
		return nil, fmt.Errorf("send request to %s: %w", addr, err)
	}
	var resp Response
	if err := w.readJSON(&resp, c.cfg.ResponseTimeout); err != nil {
		return nil, fmt.Errorf("read response from %s: %w", addr, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s: %s", addr, resp.Error)
	}
	return resp.AvailableBlobs, nil
}
