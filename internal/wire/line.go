// Package wire implements the cloudbox control protocol: newline-framed text
// lines carrying pipe-delimited commands and responses, with raw payload bytes
// following DATA and UPLOAD lines on the same stream.
package wire

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineLength bounds a single control line. Paths never come close.
const MaxLineLength = 64 << 10

var (
	// ErrConnectionClosed is returned by ReadLine when the stream ends before
	// any byte of a new line was read.
	ErrConnectionClosed = errors.New("connection closed")
	ErrLineTooLong      = errors.New("line too long")
)

// ReadLine reads one '\n'-terminated line byte by byte, so nothing past the
// terminator is consumed from r. Trailing carriage returns are dropped and
// invalid UTF-8 is replaced. A stream that ends mid-line yields what was read.
func ReadLine(r io.ByteReader) (string, error) {
	buf := make([]byte, 0, 128)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(buf) == 0 {
					return "", ErrConnectionClosed
				}
				break
			}
			return "", err
		}
		if b == '\n' {
			break
		}
		if len(buf) >= MaxLineLength {
			return "", ErrLineTooLong
		}
		buf = append(buf, b)
	}
	line := strings.TrimRight(string(buf), "\r")
	return strings.ToValidUTF8(line, "�"), nil
}

// CheckLine reports whether text can be sent as a single line.
func CheckLine(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("%w: line break inside %q", ErrMalformed, text)
	}
	return nil
}

// WriteLine writes text plus a single '\n' in one Write call.
func WriteLine(w io.Writer, text string) error {
	if err := CheckLine(text); err != nil {
		return err
	}
	_, err := io.WriteString(w, text+"\n")
	return err
}
