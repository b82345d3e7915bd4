package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matst80/remotecam/internal/proto"
)

// Command is a parsed request line.
type Command int

const (
	Unknown Command = iota
	TakePicture
	Handshake
	Preview
)

func (c Command) String() string {
	switch c {
	case TakePicture:
		return "take_picture"
	case Handshake:
		return "handshake"
	case Preview:
		return "preview"
	default:
		return "unknown"
	}
}

// ErrUnknownCommand is returned by Parse for empty or unrecognised lines.
var ErrUnknownCommand = errors.New("server: unknown command")

// Parse maps one request line to a Command. Surrounding whitespace,
// including a trailing "\r\n", is ignored.
func Parse(line string) (Command, error) {
	switch tok := strings.TrimSpace(line); tok {
	case proto.CmdTakePicture:
		return TakePicture, nil
	case proto.CmdHandshake:
		return Handshake, nil
	case proto.CmdPreview:
		return Preview, nil
	case "":
		return Unknown, fmt.Errorf("%w: empty line", ErrUnknownCommand)
	default:
		return Unknown, fmt.Errorf("%w: %q", ErrUnknownCommand, truncate(tok, 64))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
