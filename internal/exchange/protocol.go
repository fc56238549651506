// Package exchange implements the blob transfer protocol: a TCP
// request/response exchange where each message is a JSON object, and a
// granted blob response is followed by exactly the announced number of
// raw ciphertext bytes on the same connection. The same listener also
// speaks the reflector protocol for sd-first stream uploads.
package exchange

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Rate negotiation replies. A client must have its offered transfer rate
// accepted before blob requests are honored.
const (
	RateAccepted = "RATE_ACCEPTED"
	RateTooLow   = "RATE_TOO_LOW"
)

// Error vocabulary carried in the response error field.
const (
	ErrorBlobUnavailable = "BLOB_UNAVAILABLE"
	ErrorRateUnset       = "RATE_UNSET"
	ErrorRateLimited     = "RATE_LIMITED"
)

// Request is a client message. Fields combine freely: one request may
// query availability, offer a rate, and ask for a blob at once.
type Request struct {
	// RequestedBlobs asks which of these hashes the server holds.
	RequestedBlobs []string `json:"requested_blobs,omitempty"`

	// PaymentRate offers a transfer rate in credits/MB. Zero is a valid
	// offer; nil means no offer in this message.
	PaymentRate *float64 `json:"blob_data_payment_rate,omitempty"`

	// RequestedBlob asks for the full content of one blob.
	RequestedBlob string `json:"requested_blob,omitempty"`
}

// BlobHeader announces an incoming blob body: exactly Length raw bytes
// follow the response JSON on the wire.
type BlobHeader struct {
	BlobHash string `json:"blob_hash"`
	Length   int    `json:"length"`
}

// Response is a server message, answering whichever request fields were
// present.
type Response struct {
	AvailableBlobs []string    `json:"available_blobs,omitempty"`
	RateReply      string      `json:"blob_data_payment_rate,omitempty"`
	IncomingBlob   *BlobHeader `json:"incoming_blob,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// ErrProtocol marks malformed traffic from the remote side. Servers
// blocklist the sender; clients give up on the peer.
var ErrProtocol = errors.New("blob protocol violation")

// wire wraps a connection with buffered JSON decode and a way to read a
// raw blob body that may already be partially buffered behind the last
// decoded JSON object.
type wire struct {
	conn net.Conn
	br   *bufio.Reader
	dec  *json.Decoder
}

func newWire(conn net.Conn) *wire {
	br := bufio.NewReader(conn)
	return &wire{conn: conn, br: br, dec: json.NewDecoder(br)}
}

// readJSON decodes the next JSON object into v, failing after timeout.
func (w *wire) readJSON(v interface{}, timeout time.Duration) error {
	w.conn.SetReadDeadline(time.Now().Add(timeout))
	if err := w.dec.Decode(v); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// readBody reads exactly n raw bytes following the last decoded JSON
// object, draining the decoder's readahead first.
func (w *wire) readBody(n int, timeout time.Duration) ([]byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, n)
	r := io.MultiReader(w.dec.Buffered(), w.br)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read blob body: %w", err)
	}
	// The decoder's readahead was consumed out from under it; start a
	// fresh one for whatever follows the body.
	w.dec = json.NewDecoder(w.br)
	return buf, nil
}

// writeJSON sends one JSON object.
func (w *wire) writeJSON(v interface{}, timeout time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err = w.conn.Write(data)
	return err
}

// writeBody sends raw blob bytes.
func (w *wire) writeBody(data []byte, timeout time.Duration) error {
	w.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := w.conn.Write(data)
	return err
}
