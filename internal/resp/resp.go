// Package resp implements the subset of the Redis serialization protocol the
// authorisation proxy needs: client command frames, server replies and
// server-originated pub/sub message frames.
//
// The proxy must stay byte-transparent for traffic it does not understand, so
// parse failures are reported together with the raw bytes consumed; callers
// forward those bytes upstream unchanged.
package resp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformed reports a frame that could not be parsed as a RESP array
// command. The accompanying Command still carries the raw bytes consumed.
var ErrMalformed = errors.New("resp: malformed frame")

// Pub/sub command words recognised by the proxy.
const (
	CmdPublish      = "PUBLISH"
	CmdSubscribe    = "SUBSCRIBE"
	CmdPSubscribe   = "PSUBSCRIBE"
	CmdUnsubscribe  = "UNSUBSCRIBE"
	CmdPUnsubscribe = "PUNSUBSCRIBE"
)

// Command is one parsed client frame.
type Command struct {
	// Name is the uppercased command word, empty when parsing failed.
	Name string
	// Args are the command arguments in wire order.
	Args []string
	// Raw holds the exact bytes consumed from the client, suitable for
	// verbatim forwarding.
	Raw []byte
}

// IsPubSub reports whether the command takes part in pub/sub mediation.
func (c *Command) IsPubSub() bool {
	switch c.Name {
	case CmdPublish, CmdSubscribe, CmdPSubscribe, CmdUnsubscribe, CmdPUnsubscribe:
		return true
	}
	return false
}

// Channels returns the channel arguments for subscription commands and the
// single channel for PUBLISH.
func (c *Command) Channels() []string {
	switch c.Name {
	case CmdPublish:
		if len(c.Args) >= 1 {
			return c.Args[:1]
		}
	case CmdSubscribe, CmdPSubscribe, CmdUnsubscribe, CmdPUnsubscribe:
		return c.Args
	}
	return nil
}

// Reader is a streaming parser over a client connection.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r in a buffered RESP command reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadCommand reads one client frame. Array frames are parsed into name and
// arguments; anything else is treated as an inline command. When the frame
// cannot be parsed, the returned Command carries the raw bytes consumed and
// the error wraps ErrMalformed.
func (r *Reader) ReadCommand() (*Command, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}

	if len(line) == 0 || line[0] != '*' {
		// Inline command, e.g. "PING\r\n". Forwarded as-is after word split.
		fields := strings.Fields(string(line))
		cmd := &Command{Raw: appendCRLF(line)}
		if len(fields) > 0 {
			cmd.Name = strings.ToUpper(fields[0])
			cmd.Args = fields[1:]
		}
		return cmd, nil
	}

	raw := bytes.NewBuffer(appendCRLF(line))
	n, err := strconv.Atoi(string(line[1:]))
	if err != nil || n < 0 {
		return &Command{Raw: raw.Bytes()}, fmt.Errorf("%w: bad array header %q", ErrMalformed, line)
	}

	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		elem, err := r.readLine()
		if err != nil {
			return &Command{Raw: raw.Bytes()}, err
		}
		raw.Write(appendCRLF(elem))
		if len(elem) == 0 || elem[0] != '$' {
			return &Command{Raw: raw.Bytes()}, fmt.Errorf("%w: expected bulk string, got %q", ErrMalformed, elem)
		}
		size, err := strconv.Atoi(string(elem[1:]))
		if err != nil || size < 0 {
			return &Command{Raw: raw.Bytes()}, fmt.Errorf("%w: bad bulk length %q", ErrMalformed, elem)
		}
		body := make([]byte, size+2)
		if _, err := io.ReadFull(r.br, body); err != nil {
			return &Command{Raw: raw.Bytes()}, err
		}
		raw.Write(body)
		if body[size] != '\r' || body[size+1] != '\n' {
			return &Command{Raw: raw.Bytes()}, fmt.Errorf("%w: bulk string missing terminator", ErrMalformed)
		}
		parts = append(parts, string(body[:size]))
	}

	cmd := &Command{Raw: raw.Bytes()}
	if len(parts) > 0 {
		cmd.Name = strings.ToUpper(parts[0])
		cmd.Args = parts[1:]
	}
	return cmd, nil
}

// ReadReply consumes one complete server reply and returns its raw bytes.
// Arrays are read recursively so pipelined fan-out writes never interleave
// with a half-read reply.
func (r *Reader) ReadReply() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.readReplyInto(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Reader) readReplyInto(buf *bytes.Buffer) error {
	line, err := r.readLine()
	if err != nil {
		return err
	}
	buf.Write(appendCRLF(line))
	if len(line) == 0 {
		return fmt.Errorf("%w: empty reply line", ErrMalformed)
	}

	switch line[0] {
	case '+', '-', ':':
		return nil
	case '$':
		size, err := strconv.Atoi(string(line[1:]))
		if err != nil {
			return fmt.Errorf("%w: bad bulk length %q", ErrMalformed, line)
		}
		if size < 0 { // null bulk string
			return nil
		}
		body := make([]byte, size+2)
		if _, err := io.ReadFull(r.br, body); err != nil {
			return err
		}
		buf.Write(body)
		return nil
	case '*':
		n, err := strconv.Atoi(string(line[1:]))
		if err != nil {
			return fmt.Errorf("%w: bad array length %q", ErrMalformed, line)
		}
		for i := 0; i < n; i++ {
			if err := r.readReplyInto(buf); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown reply type %q", ErrMalformed, line[0])
	}
}

func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func appendCRLF(line []byte) []byte {
	out := make([]byte, 0, len(line)+2)
	out = append(out, line...)
	return append(out, '\r', '\n')
}

// EncodeCommand serialises a command as a RESP array of bulk strings, the
// form the proxy uses to re-emit rewritten PUBLISH frames.
func EncodeCommand(args ...string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&buf, "$%d\r\n%s\r\n", len(a), a)
	}
	return buf.Bytes()
}

// EncodeMessage serialises the server-originated pub/sub frame delivered to
// subscribers. Byte-identical to what a native store emits.
func EncodeMessage(channel string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("*3\r\n$7\r\nmessage\r\n")
	fmt.Fprintf(&buf, "$%d\r\n%s\r\n", len(channel), channel)
	fmt.Fprintf(&buf, "$%d\r\n", len(payload))
	buf.Write(payload)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EncodeError serialises a wire-level error reply.
func EncodeError(msg string) []byte {
	return []byte("-" + msg + "\r\n")
}

// EncodeInteger serialises an integer reply.
func EncodeInteger(n int64) []byte {
	return []byte(fmt.Sprintf(":%d\r\n", n))
}

// EncodeSubscribeReply serialises the confirmation frame for a subscription
// command. kind is the lowercase command word ("subscribe", "punsubscribe",
// ...), count the client's subscription count after the operation.
func EncodeSubscribeReply(kind, channel string, count int) []byte {
	var buf bytes.Buffer
	buf.WriteString("*3\r\n")
	fmt.Fprintf(&buf, "$%d\r\n%s\r\n", len(kind), kind)
	fmt.Fprintf(&buf, "$%d\r\n%s\r\n", len(channel), channel)
	fmt.Fprintf(&buf, ":%d\r\n", count)
	return buf.Bytes()
}
