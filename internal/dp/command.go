package dp

import "fmt"

// Command is the code carried with a channel message.
type Command uint32

// Controller to subprocess.
const (
	CmdNone Command = iota
	CmdSend
	CmdSetMulticast
	CmdSetPromiscuous
	CmdShutdown
)

// Subprocess to controller.
const (
	CmdInit Command = iota + 16
	CmdReceive
)

func (c Command) String() string {
	switch c {
	case CmdNone:
		return "none"
	case CmdSend:
		return "send"
	case CmdSetMulticast:
		return "set-multicast"
	case CmdSetPromiscuous:
		return "set-promiscuous"
	case CmdShutdown:
		return "shutdown"
	case CmdInit:
		return "init"
	case CmdReceive:
		return "receive"
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}
