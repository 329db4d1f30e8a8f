package pipeline

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Built-in frame tags. Only these two advance an endpoint's byte counter;
// custom tags are free for out-of-band, stage-defined messages.
const (
	TagData      = "DATA"
	TagDataFinal = "DATA_FINAL"
)

// Frame is a single tagged, atomically transmitted record on the byte
// channel.
type Frame struct {
	Tag     string
	Payload []byte
}

// maxTagLen guards against a corrupt stream turning a bad length prefix
// into a multi-gigabyte allocation.
const maxTagLen = 1 << 8
const maxPayloadLen = 1 << 30

// Producer is the write end of a framed byte channel. os.Pipe (like any
// OS pipe) is a byte stream, not a message-mode transport, so every frame
// is sent with an explicit length prefix per tag and payload.
type Producer struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	closed bool
	count  int64
	log    *logrus.Entry
}

// Consumer is the read end of a framed byte channel.
type Consumer struct {
	mu    sync.Mutex
	file  *os.File
	r     *bufio.Reader
	eof   bool
	count int64
	log   *logrus.Entry
}

// NewChannelPair returns a (producer, consumer) pair backed by a real OS
// pipe. The pair is live for the joint duration of the two paired stages
// that hold its endpoints.
func NewChannelPair(log *logrus.Entry) (*Producer, *Consumer, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, xerrors.Errorf("pipeline: creating channel pipe: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Producer{file: w, w: bufio.NewWriter(w), log: log.WithField("channel_role", "producer")}
	c := &Consumer{file: r, r: bufio.NewReader(r), log: log.WithField("channel_role", "consumer")}
	return p, c, nil
}

func writeFrame(w *bufio.Writer, f Frame) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Tag)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.WriteString(f.Tag); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, ErrPeerClosed
		}
		return Frame{}, xerrors.Errorf("pipeline: reading frame tag length: %w", err)
	}
	tagLen := binary.BigEndian.Uint32(lenBuf[:])
	if tagLen > maxTagLen {
		return Frame{}, xerrors.Errorf("pipeline: tag length %d exceeds limit: %w", tagLen, ErrMalformedFrame)
	}
	tagBuf := make([]byte, tagLen)
	if _, err := io.ReadFull(r, tagBuf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, ErrPeerClosed
		}
		return Frame{}, xerrors.Errorf("pipeline: reading frame tag: %w", ErrMalformedFrame)
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, ErrPeerClosed
		}
		return Frame{}, xerrors.Errorf("pipeline: reading frame payload length: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen > maxPayloadLen {
		return Frame{}, xerrors.Errorf("pipeline: payload length %d exceeds limit: %w", payloadLen, ErrMalformedFrame)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return Frame{}, ErrPeerClosed
			}
			return Frame{}, xerrors.Errorf("pipeline: reading frame payload: %w", ErrMalformedFrame)
		}
	}
	return Frame{Tag: string(tagBuf), Payload: payload}, nil
}

// SendFrame transmits an arbitrary tagged frame. Only TagData and
// TagDataFinal advance the byte counter; TagDataFinal also latches
// end-of-stream.
func (p *Producer) SendFrame(tag string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrAlreadyClosed
	}
	if err := writeFrame(p.w, Frame{Tag: tag, Payload: payload}); err != nil {
		p.log.WithError(err).Error("failed to send frame")
		return xerrors.Errorf("pipeline: sending frame: %w", err)
	}
	if tag == TagData || tag == TagDataFinal {
		p.count += int64(len(payload))
	}
	if tag == TagDataFinal {
		p.closed = true
	}
	return nil
}

// Write sends a DATA frame. Zero-length writes are a no-op, matching the
// io.Writer convention that stream writers sometimes emit empty buffers.
func (p *Producer) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if err := p.SendFrame(TagData, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// WriteEOF sends a DATA_FINAL frame carrying the (possibly empty) final
// payload and latches end-of-stream.
func (p *Producer) WriteEOF(b []byte) error {
	return p.SendFrame(TagDataFinal, b)
}

// Tell returns the running byte counter.
func (p *Producer) Tell() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// ResetCounter zeroes the byte counter, e.g. after a handshake phase that
// precedes the data phase.
func (p *Producer) ResetCounter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count = 0
}

// Close releases the underlying pipe file descriptor. It is owned by the
// controller, not by stage workers: Pipeline keeps each endpoint in the
// execContext of its execution and closes it when that execution settles.
func (p *Producer) Close() error {
	return p.file.Close()
}

// ReceiveFrame blocks for the next frame. A peer disconnect surfaces as
// ErrPeerClosed; a malformed record surfaces as ErrMalformedFrame.
func (c *Consumer) ReceiveFrame() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := readFrame(c.r)
	if err != nil {
		if xerrors.Is(err, ErrPeerClosed) {
			return Frame{}, ErrPeerClosed
		}
		c.log.WithError(err).Error("failed to receive frame")
		return Frame{}, err
	}
	if f.Tag == TagData || f.Tag == TagDataFinal {
		c.count += int64(len(f.Payload))
	}
	if f.Tag == TagDataFinal {
		c.eof = true
	}
	return f, nil
}

// Read returns the payload of the next DATA or DATA_FINAL frame. Once
// end-of-stream is latched it returns an empty buffer forever; a size
// argument is deliberately not accepted since the producer frames the
// stream. A peer disconnect while waiting is reported as an empty read,
// not an error, so callers that only care about end-of-stream don't need
// to special-case it.
func (c *Consumer) Read() ([]byte, error) {
	c.mu.Lock()
	if c.eof {
		c.mu.Unlock()
		return nil, nil
	}
	c.mu.Unlock()

	f, err := c.ReceiveFrame()
	if err != nil {
		if xerrors.Is(err, ErrPeerClosed) {
			return nil, nil
		}
		return nil, err
	}
	return f.Payload, nil
}

// Tell returns the running byte counter.
func (c *Consumer) Tell() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// ResetCounter zeroes the byte counter.
func (c *Consumer) ResetCounter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = 0
}

// Close releases the underlying pipe file descriptor.
func (c *Consumer) Close() error {
	return c.file.Close()
}
