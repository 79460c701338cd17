// Package acp bridges the daemon to a child ACP agent: JSON-RPC 2.0 over the
// agent's stdio, a typed WebSocket surface for prompting and session
// lifecycle, tool-call permission round-trips, durable session and thread
// persistence, and transparent session recovery.
package acp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxFrameSize bounds one framed message (base64 image blocks included).
const maxFrameSize = 32 << 20

// Framer delimits successive JSON messages on a byte stream. The framing is
// chosen once per child and fixed for its lifetime.
type Framer interface {
	// Name identifies the framing for logs.
	Name() string
	// WriteMessage frames and writes one JSON message.
	WriteMessage(w io.Writer, payload []byte) error
	// ReadMessage reads and unframes the next JSON message.
	ReadMessage(r *bufio.Reader) ([]byte, error)
}

// DetectFraming picks the framer for an agent command line. The Claude Code
// ACP adapter speaks newline-delimited JSON; everything else gets LSP-style
// Content-Length framing.
func DetectFraming(agentCmd string, args []string) Framer {
	probe := commandProbe(agentCmd, args)
	if strings.Contains(probe, "claude-code-acp") || strings.Contains(probe, "--acp") {
		return NDJSONFramer{}
	}
	return LSPFramer{}
}

// DetectAdapter names the adapter for parameter-casing decisions: "claude"
// expects camelCase params, "generic" gets snake_case where the two differ.
func DetectAdapter(agentCmd string, args []string) string {
	if strings.Contains(commandProbe(agentCmd, args), "claude") {
		return "claude"
	}
	return "generic"
}

func commandProbe(agentCmd string, args []string) string {
	probe := strings.ToLower(agentCmd)
	for _, a := range args {
		probe += " " + strings.ToLower(a)
	}
	return probe
}

// NDJSONFramer writes one JSON object per line.
type NDJSONFramer struct{}

func (NDJSONFramer) Name() string { return "ndjson" }

func (NDJSONFramer) WriteMessage(w io.Writer, payload []byte) error {
	if bytes.IndexByte(payload, '\n') >= 0 {
		// The payload is compact JSON; an embedded newline means the caller
		// handed us something else.
		return fmt.Errorf("ndjson: payload contains newline")
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write([]byte{'\n'})
	return err
}

func (NDJSONFramer) ReadMessage(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadSlice('\n')
		buf.Write(line)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if buf.Len() > maxFrameSize {
				return nil, fmt.Errorf("ndjson: message exceeds %d bytes", maxFrameSize)
			}
			continue
		}
		if err == io.EOF && buf.Len() > 0 {
			break
		}
		return nil, err
	}
	msg := bytes.TrimRight(buf.Bytes(), "\r\n")
	out := make([]byte, len(msg))
	copy(out, msg)
	return out, nil
}

// LSPFramer writes Content-Length headers followed by the JSON body.
type LSPFramer struct{}

func (LSPFramer) Name() string { return "lsp" }

func (LSPFramer) WriteMessage(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (LSPFramer) ReadMessage(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("lsp: malformed header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("lsp: bad Content-Length %q", value)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("lsp: missing Content-Length header")
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("lsp: message exceeds %d bytes", maxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
