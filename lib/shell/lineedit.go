// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"bufio"
	"io"
)

// maxLineLength caps the line buffer. Bytes beyond the cap are
// silently dropped.
const maxLineLength = 80

// allowedPunctuation is the punctuation accepted into the line buffer,
// alongside letters and digits. It covers command names, AS numbers,
// base64 WireGuard keys, hostnames, and IPv6 literals; everything else
// an interactive terminal can emit is dropped.
const allowedPunctuation = "=:?[]_ .+/-"

func allowedByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	for i := 0; i < len(allowedPunctuation); i++ {
		if b == allowedPunctuation[i] {
			return true
		}
	}
	return false
}

// lineReader is the byte-at-a-time line editor shared by the prompt
// loop and every sub-prompt. It echoes accepted printable bytes back
// to the client, erases on backspace, and ignores everything outside
// the allow-list.
type lineReader struct {
	input  *bufio.Reader
	output io.Writer
}

func newLineReader(input io.Reader, output io.Writer) *lineReader {
	return &lineReader{
		input:  bufio.NewReader(input),
		output: output,
	}
}

// asciiBackspace is the DEL byte terminals send for the backspace key.
const asciiBackspace = 0x7f

// ReadLine reads one line, echoing as it goes. CR or LF submits the
// line. Backspace on an empty buffer is a no-op. A read error (EOF on
// client disconnect included) is returned as-is; echo write errors are
// returned so a dead channel stops the session promptly.
func (r *lineReader) ReadLine() (string, error) {
	var buffer []byte
	for {
		b, err := r.input.ReadByte()
		if err != nil {
			return "", err
		}

		switch {
		case b == '\r' || b == '\n':
			if _, err := io.WriteString(r.output, "\r\n"); err != nil {
				return "", err
			}
			return string(buffer), nil

		case b == asciiBackspace:
			if len(buffer) == 0 {
				continue
			}
			buffer = buffer[:len(buffer)-1]
			if _, err := io.WriteString(r.output, "\b \b"); err != nil {
				return "", err
			}

		case b == '\t':
			// Dropped; there is no completion.

		case allowedByte(b) && len(buffer) < maxLineLength:
			buffer = append(buffer, b)
			if _, err := r.output.Write([]byte{b}); err != nil {
				return "", err
			}

		default:
			// Outside the allow-list, or the buffer is full: not
			// echoed, not buffered.
		}
	}
}
