package cbor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxMessageSize is the maximum encoded message size.
const maxMessageSize = 16 * 1024 * 1024 // 16 MiB

var (
	// ErrMessageTooLarge is the error returned when a message exceeds the
	// maximum message size.
	ErrMessageTooLarge = errors.New("codec: message too large")
	// ErrMessageMalformed is the error returned when a message cannot be
	// decoded.
	ErrMessageMalformed = errors.New("codec: message is malformed")
)

// MessageReader is a reader wrapper that decodes CBOR-encoded Message structures.
type MessageReader struct {
	reader io.Reader
}

// Read deserializes a single CBOR-encoded Message from the underlying reader.
func (c *MessageReader) Read(msg interface{}) error {
	// Read 32-bit length prefix.
	rawLength := make([]byte, 4)
	if _, err := io.ReadAtLeast(c.reader, rawLength, 4); err != nil {
		return err
	}

	length := binary.BigEndian.Uint32(rawLength)
	if length > maxMessageSize {
		return ErrMessageTooLarge
	}

	// Decode message bytes.
	r := io.LimitReader(c.reader, int64(length))
	rawMessage := make([]byte, length)
	switch n, err := io.ReadAtLeast(r, rawMessage, int(length)); err {
	case nil:
	case io.ErrUnexpectedEOF:
		if n < int(length) {
			return ErrMessageMalformed
		}
	default:
		return err
	}

	if err := Unmarshal(rawMessage, msg); err != nil {
		return fmt.Errorf("%w: %s", ErrMessageMalformed, err)
	}
	return nil
}

// MessageWriter is a writer wrapper that encodes Messages structures to CBOR.
type MessageWriter struct {
	sync.Mutex

	writer io.Writer
}

// Write serializes a single Message to CBOR and writes it to the underlying writer.
func (c *MessageWriter) Write(msg interface{}) error {
	// Encode into CBOR.
	data, err := MarshalErr(msg)
	if err != nil {
		return err
	}
	length := len(data)
	if length > maxMessageSize {
		return ErrMessageTooLarge
	}

	// Prepare 32-bit length prefix.
	rawLength := make([]byte, 4)
	binary.BigEndian.PutUint32(rawLength, uint32(length))

	c.Lock()
	defer c.Unlock()

	// Write length prefix followed by the message.
	if _, err = c.writer.Write(append(rawLength, data...)); err != nil {
		return err
	}
	return nil
}

// MessageCodec is a length-prefixed Message encoder/decoder.
type MessageCodec struct {
	MessageReader
	MessageWriter
}

// NewMessageCodec constructs a new Message encoder/decoder.
func NewMessageCodec(rw io.ReadWriter) *MessageCodec {
	return &MessageCodec{
		MessageReader: MessageReader{reader: rw},
		MessageWriter: MessageWriter{writer: rw},
	}
}
