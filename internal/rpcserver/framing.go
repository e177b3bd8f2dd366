package rpcserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

type frameMode int

const (
	modeUnset frameMode = iota
	modeFramed
	modeJSONLine
)

func (m frameMode) String() string {
	switch m {
	case modeFramed:
		return "framed"
	case modeJSONLine:
		return "jsonline"
	default:
		return "unset"
	}
}

// readFrame returns the next message and the framing it arrived in. Both
// Content-Length framed messages and bare JSON documents, one or more lines
// long, are accepted.
func readFrame(r *bufio.Reader) ([]byte, frameMode, error) {
	if err := skipBlank(r); err != nil {
		return nil, modeUnset, err
	}

	next, err := r.Peek(1)
	if err != nil {
		return nil, modeUnset, err
	}
	if next[0] == '{' || next[0] == '[' {
		payload, err := readJSONLines(r)
		return payload, modeJSONLine, err
	}

	header, err := textproto.NewReader(r).ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, modeUnset, io.ErrUnexpectedEOF
		}
		return nil, modeUnset, fmt.Errorf("read frame header: %w", err)
	}

	raw := strings.TrimSpace(header.Get("Content-Length"))
	if raw == "" {
		return nil, modeUnset, errors.New("missing Content-Length header")
	}
	length, err := strconv.Atoi(raw)
	if err != nil || length < 0 {
		return nil, modeUnset, fmt.Errorf("invalid Content-Length %q", raw)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, modeUnset, err
	}
	return payload, modeFramed, nil
}

func skipBlank(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return r.UnreadByte()
	}
}

func readJSONLines(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		buf.Write(line)
		if doc := bytes.TrimSpace(buf.Bytes()); json.Valid(doc) {
			return doc, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && buf.Len() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func writeFrame(w *bufio.Writer, mode frameMode, payload []byte) error {
	if mode == modeJSONLine {
		if _, err := w.Write(payload); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
		return w.Flush()
	}

	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}
