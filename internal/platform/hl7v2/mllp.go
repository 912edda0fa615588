package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpReadTimeout is the read deadline applied to each connection.
	mllpReadTimeout = 30 * time.Second
)

// ACK codes written to MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// MessageHandler is called for each framed payload received over MLLP.
// It gets the raw bytes so unparseable input can still be recorded, and
// returns the ACK to send back. Return nil to send no response.
type MessageHandler func(ctx context.Context, raw []byte) *Message

// MLLPServer listens for HL7v2 messages over MLLP/TCP.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	listener net.Listener
	limiter  *rate.Limiter
	logger   zerolog.Logger
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	received atomic.Int64
}

// MLLPOption configures an MLLPServer.
type MLLPOption func(*MLLPServer)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) MLLPOption {
	return func(s *MLLPServer) { s.logger = l }
}

// WithRateLimit throttles message dispatch across all connections. A zero
// or negative perSecond disables throttling.
func WithRateLimit(perSecond float64, burst int) MLLPOption {
	return func(s *MLLPServer) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewMLLPServer creates a new MLLP server that will listen on the given
// address and dispatch received payloads to handler.
func NewMLLPServer(addr string, handler MessageHandler, opts ...MLLPOption) *MLLPServer {
	s := &MLLPServer{
		addr:    addr,
		handler: handler,
		logger:  zerolog.Nop(),
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine. Handlers receive a context derived from
// ctx that is cancelled on Stop.
func (s *MLLPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("mllp listener started")
	return nil
}

// Stop gracefully shuts down the server. It closes the listener, then closes
// all tracked connections, and waits for all goroutines to finish.
func (s *MLLPServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Received returns the number of framed payloads dispatched so far.
func (s *MLLPServer) Received() int64 {
	return s.received.Load()
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("mllp accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads MLLP-framed messages from conn, dispatches them
// to the handler in arrival order, and writes back any response.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > mllpMaxMessageSize {
				log.Warn().Int("bytes", len(buf)).Msg("mllp message exceeds max size, closing connection")
				return
			}

			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest

				if !s.processMessage(conn, msgBytes, log) {
					return
				}
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if len(buf) == 0 {
					return
				}
				continue
			}
			return
		}
	}
}

// processMessage calls the handler and writes the response (if any) back
// to conn. It reports false when the connection should be dropped.
func (s *MLLPServer) processMessage(conn net.Conn, raw []byte, log zerolog.Logger) bool {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return false
		}
	}
	s.received.Add(1)

	resp := s.handler(s.ctx, raw)
	if resp == nil {
		return true
	}

	framed := FrameMessage(SerializeMessage(resp))
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(framed); err != nil {
		log.Error().Err(err).Msg("mllp write failed")
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// MLLP framing helpers
// ---------------------------------------------------------------------------

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It looks for the
// first start block byte, then reads until end block + CR. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx+1:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	message = data[startIdx+1 : endIdx]
	rest = data[endIdx+2:]
	found = true
	return
}

// ---------------------------------------------------------------------------
// ACK generation
// ---------------------------------------------------------------------------

// GenerateACK creates an HL7v2 ACK message for the given incoming message.
// ackCode should be AckAccept, AckError or AckReject. text, when set, goes
// to MSA-3. incoming may be nil when the payload could not be parsed; the
// ACK then carries no control id reference.
//
// The ACK swaps the sending and receiving application/facility from the
// original message and references the original control ID in MSA-2.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	if incoming == nil {
		incoming = &Message{Version: "2.5.1"}
	}

	now := time.Now().UTC()
	ack := &Message{
		Type:         "ACK^" + incoming.Event,
		Code:         "ACK",
		Event:        incoming.Event,
		ControlID:    fmt.Sprintf("ACK%s", now.Format("20060102150405.000")),
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
		Delimiters:   DefaultDelimiters(),
	}

	msh := NewSegment("MSH").
		Set(3, ack.SendingApp).
		Set(4, ack.SendingFac).
		Set(5, ack.ReceivingApp).
		Set(6, ack.ReceivingFac).
		Set(7, FormatTimestamp(now)).
		Set(9, "ACK", incoming.Event).
		Set(10, ack.ControlID).
		Set(11, "P").
		Set(12, ack.Version)
	msa := NewSegment("MSA").
		Set(1, ackCode).
		Set(2, incoming.ControlID)
	if text != "" {
		msa.Set(3, text)
	}

	ack.Segments = []Segment{msh.Segment(), msa.Segment()}
	return ack
}

// AckCode returns MSA-1 of an acknowledgement, or "".
func (m *Message) AckCode() string {
	if msa := m.GetSegment("MSA"); msa != nil {
		return msa.GetField(1)
	}
	return ""
}

// ---------------------------------------------------------------------------
// Message serialization
// ---------------------------------------------------------------------------

// SerializeMessage converts a Message struct back into raw HL7v2 bytes
// with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	var segments []string
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

// serializeSegment converts a Segment back into its HL7v2 string form.
func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		sep := seg.Fields[0].Value
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH" + sep + strings.Join(parts, sep)
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}

// DefaultHandler returns a MessageHandler that ACKs every parseable
// payload with AA and rejects the rest with AE.
func DefaultHandler() MessageHandler {
	return func(_ context.Context, raw []byte) *Message {
		msg, err := Parse(raw)
		if err != nil {
			return GenerateACK(nil, AckError, err.Error())
		}
		return GenerateACK(msg, AckAccept, "")
	}
}
