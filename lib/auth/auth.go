// Package auth implements the client side of the D-Bus authentication
// handshake that precedes the message stream.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// lineMaxSize bounds a single line of the handshake.
const lineMaxSize = 16 * 1024

var ErrRejected = errors.New("server rejected every authentication mechanism")

// Client performs the handshake. The zero value authenticates as the
// current user with EXTERNAL and falls back to ANONYMOUS.
type Client struct {
	// UID overrides the uid presented to EXTERNAL.
	UID string
}

// Handshake authenticates on rw and returns the server GUID. On success the
// stream is positioned at the first byte of the message stream. The reader
// is consumed byte by byte so no message data is buffered away.
func (c *Client) Handshake(rw io.ReadWriter) (guid string, err error) {
	if _, err = rw.Write([]byte{0}); err != nil {
		return
	}
	uid := c.UID
	if uid == "" {
		uid = strconv.Itoa(os.Getuid())
	}
	guid, err = c.attempt(rw, "EXTERNAL "+hex.EncodeToString([]byte(uid)))
	if err == nil || !errors.Is(err, ErrRejected) {
		return
	}
	return c.attempt(rw, "ANONYMOUS")
}

func (c *Client) attempt(rw io.ReadWriter, auth string) (guid string, err error) {
	if err = writeLine(rw, "AUTH "+auth); err != nil {
		return
	}
	for {
		var line string
		line, err = readLine(rw)
		if err != nil {
			return
		}
		command, argument := splitCommand(line)
		switch command {
		case "OK":
			guid = argument
			if !validGUID(guid) {
				err = fmt.Errorf("server sent invalid guid %q", guid)
				return
			}
			err = writeLine(rw, "BEGIN")
			return
		case "REJECTED":
			err = fmt.Errorf("%w: server offers %s", ErrRejected, argument)
			return
		case "DATA":
			// No mechanism used here has a data phase.
			if err = writeLine(rw, "CANCEL"); err != nil {
				return
			}
		case "ERROR":
			if err = writeLine(rw, "CANCEL"); err != nil {
				return
			}
		default:
			err = fmt.Errorf("unexpected server command %q", command)
			return
		}
	}
}

func splitCommand(line string) (command, argument string) {
	command = line
	if space := strings.IndexByte(line, ' '); space >= 0 {
		command, argument = line[:space], line[space+1:]
	}
	return
}

func validGUID(guid string) bool {
	if len(guid) != 32 {
		return false
	}
	_, err := hex.DecodeString(guid)
	return err == nil
}

func writeLine(w io.Writer, line string) error {
	_, err := w.Write([]byte(line + "\r\n"))
	return err
}

// readLine reads one \r\n-terminated line one byte at a time, so nothing
// past the handshake is consumed from the stream.
func readLine(r io.Reader) (string, error) {
	var b strings.Builder
	var prev byte
	var one [1]byte
	for b.Len() < lineMaxSize {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return "", err
		}
		if prev == '\r' && one[0] == '\n' {
			line := b.String()
			return line[:len(line)-1], nil
		}
		b.WriteByte(one[0])
		prev = one[0]
	}
	return "", errors.New("authentication line too long")
}
