package replicator

import (
	"fmt"
	"strings"
)

type ActivityLevel int

const (
	Stopped ActivityLevel = iota
	Offline
	Connecting
	Idle
	Busy
)

func (v ActivityLevel) String() string {
	switch v {
	case Stopped:
		return "stopped"
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	default:
		return fmt.Sprintf("invalid activity level %d", int(v))
	}
}

func (v ActivityLevel) validateTransitionTo(next ActivityLevel) error {
	switch v {
	case Stopped:
		// A replicator started while suspended goes Offline directly.
		switch next {
		case Connecting, Offline:
			return nil
		}
	case Connecting:
		switch next {
		case Idle, Busy, Offline, Stopped:
			return nil
		}
	case Idle:
		switch next {
		case Busy, Offline, Stopped:
			return nil
		}
	case Busy:
		switch next {
		case Idle, Offline, Stopped:
			return nil
		}
	case Offline:
		switch next {
		// Offline to Offline records a new error or a suspension.
		case Connecting, Offline, Stopped:
			return nil
		}
	}
	return fmt.Errorf("invalid replicator transition from %v to %v", v, next)
}

type Progress struct {
	Completed     uint64
	Total         uint64
	DocumentCount uint64
}

// Fraction returns Completed/Total, or 1 when there is nothing to do.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Completed) / float64(p.Total)
}

type Status struct {
	Activity ActivityLevel
	Progress Progress
	Error    error
}

func (s Status) String() string {
	var buf strings.Builder
	buf.WriteString(s.Activity.String())
	fmt.Fprintf(&buf, " %d/%d docs=%d", s.Progress.Completed, s.Progress.Total, s.Progress.DocumentCount)
	if s.Error != nil {
		buf.WriteString(" error=")
		buf.WriteString(s.Error.Error())
	}
	return buf.String()
}

type Direction int

const (
	Pulled Direction = iota
	Pushed
)

func (v Direction) String() string {
	switch v {
	case Pulled:
		return "pulled"
	case Pushed:
		return "pushed"
	default:
		return fmt.Sprintf("invalid direction %d", int(v))
	}
}

type DocumentFlags uint8

const (
	Deleted DocumentFlags = 1 << iota
	AccessRemoved
)

func (f DocumentFlags) Contains(v DocumentFlags) bool {
	return (f & v) == v
}

func (f DocumentFlags) String() string {
	var parts []string
	if f.Contains(Deleted) {
		parts = append(parts, "deleted")
	}
	if f.Contains(AccessRemoved) {
		parts = append(parts, "access-removed")
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// ReplicatedDocument reports one transferred document. Error is set when
// the document failed to replicate; the session carries on regardless.
type ReplicatedDocument struct {
	ID         string
	RevID      string
	Scope      string
	Collection string
	Flags      DocumentFlags
	Error      error
}
