package ctlserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// readMessage reads one JSON document from the stream. Documents are
// newline-delimited but may span lines; reading accumulates until the
// buffer parses.
func readMessage(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && strings.TrimSpace(buf.String()+line) == "" {
				return nil, io.EOF
			}
			if err == io.EOF {
				buf.WriteString(line)
				return bytes.TrimSpace(buf.Bytes()), nil
			}
			return nil, err
		}

		if buf.Len() == 0 && strings.TrimSpace(line) == "" {
			continue
		}
		buf.WriteString(line)
		if json.Valid(bytes.TrimSpace(buf.Bytes())) {
			return bytes.TrimSpace(buf.Bytes()), nil
		}
	}
}

func writeMessage(w *bufio.Writer, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
