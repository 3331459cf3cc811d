package types

import "fmt"

// AlertLevel severity of an alert package
type AlertLevel int

const (
	AlertDebug AlertLevel = iota
	AlertInfo
	AlertWarning
	AlertError
)

func (l AlertLevel) String() string {
	switch l {
	case AlertDebug:
		return "DEBUG"
	case AlertInfo:
		return "INFO"
	case AlertWarning:
		return "WARNING"
	case AlertError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Package is a user-facing event produced by connection goroutines and consumed by the UI.
type Package interface {
	isPackage()
}

// MessagePackage chat payload received from a peer
type MessagePackage struct {
	From    PeerAddr
	Payload []byte
}

// AlertPackage leveled, human-readable status line
type AlertPackage struct {
	Level AlertLevel
	Msg   string
}

func (MessagePackage) isPackage() {}
func (AlertPackage) isPackage()   {}

// Command is an internal request consumed by the discovery loop.
type Command interface {
	isCommand()
}

// ClientConnect asks for an outbound connection to Target. Source is the connected
// peer that reported Target, SourcePing its measured latency to Target.
type ClientConnect struct {
	Source     PeerAddr
	SourcePing uint16
	Target     PeerAddr
}

func (ClientConnect) isCommand() {}
