package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// wireHeader precedes every block payload on the socket.
type wireHeader struct {
	DescriptorID string `json:"descriptor_id"`
	BlockID      string `json:"block_id"`
	Size         int64  `json:"size"`
}

const (
	ackOK     = 0x00
	ackFailed = 0x01
)

// tcpBackend streams a payload to the destination node and waits for the
// peer's ack. Zero-copy mode writes the payload in one vectored call;
// buffered mode goes through a bufio writer in chunks, the last-resort path.
type tcpBackend struct {
	kind     Kind
	dialFunc func(ctx context.Context, addr string) (net.Conn, error)
}

func newTCPBackend(kind Kind) *tcpBackend {
	return &tcpBackend{
		kind: kind,
		dialFunc: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

func (b *tcpBackend) Kind() Kind { return b.kind }

func (b *tcpBackend) Send(ctx context.Context, desc *Descriptor, payload []byte, deliver func([]byte) error) error {
	conn, err := b.dialFunc(ctx, desc.Dst.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", desc.Dst.Addr, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	hdr, err := json.Marshal(wireHeader{DescriptorID: desc.ID, BlockID: desc.BlockID, Size: int64(len(payload))})
	if err != nil {
		return err
	}
	var hlen [4]byte
	binary.BigEndian.PutUint32(hlen[:], uint32(len(hdr)))

	if b.kind == KindZeroCopyTCP {
		// Vectored write: header and payload leave in one syscall without an
		// intermediate copy into a userspace buffer.
		bufs := net.Buffers{hlen[:], hdr, payload}
		if _, err := bufs.WriteTo(conn); err != nil {
			return wrapNetErr(ctx, err)
		}
	} else {
		w := bufio.NewWriterSize(conn, 32<<10)
		if _, err := w.Write(hlen[:]); err != nil {
			return wrapNetErr(ctx, err)
		}
		if _, err := w.Write(hdr); err != nil {
			return wrapNetErr(ctx, err)
		}
		if _, err := w.Write(payload); err != nil {
			return wrapNetErr(ctx, err)
		}
		if err := w.Flush(); err != nil {
			return wrapNetErr(ctx, err)
		}
	}

	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return wrapNetErr(ctx, err)
	}
	if ack[0] != ackOK {
		return fmt.Errorf("peer rejected block %s", desc.BlockID)
	}
	return nil
}

// wrapNetErr maps socket deadline errors onto the context error so the
// factory's timeout fallback triggers uniformly.
func wrapNetErr(ctx context.Context, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return context.DeadlineExceeded
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Server receives block payloads pushed by peers and hands them to the
// configured sink (the memory manager's remote-ingest path).
type Server struct {
	ln   net.Listener
	sink func(blockID string, payload []byte) error
	log  zerolog.Logger
}

// NewServer listens on addr. sink is invoked once per fully received block.
func NewServer(addr string, sink func(blockID string, payload []byte) error, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, sink: sink, log: log}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// Close stops the listener.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Minute))

	var hlen [4]byte
	if _, err := io.ReadFull(conn, hlen[:]); err != nil {
		return
	}
	n := binary.BigEndian.Uint32(hlen[:])
	if n > 1<<16 {
		s.log.Warn().Uint32("header_len", n).Msg("oversized transfer header, dropping connection")
		return
	}
	hdrBuf := make([]byte, n)
	if _, err := io.ReadFull(conn, hdrBuf); err != nil {
		return
	}
	var hdr wireHeader
	if err := json.Unmarshal(hdrBuf, &hdr); err != nil {
		s.log.Warn().Err(err).Msg("malformed transfer header")
		return
	}

	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		s.log.Warn().Str("block", hdr.BlockID).Err(err).Msg("truncated block payload")
		return
	}

	ack := byte(ackOK)
	if err := s.sink(hdr.BlockID, payload); err != nil {
		s.log.Error().Str("block", hdr.BlockID).Err(err).Msg("block ingest failed")
		ack = ackFailed
	}
	_, _ = conn.Write([]byte{ack})
}
