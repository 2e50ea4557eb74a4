package link

import (
	"strconv"
	"strings"
)

// FrameKind is the closed set of reply shapes the reader emits.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameUID
	FrameError
	FrameStatus
	FrameWrote
	FrameHistoryCleared
	FrameOK
	FrameHistoryStart
	FrameHistoryBlock
	FrameHistoryEnd
)

func (k FrameKind) String() string {
	switch k {
	case FrameUID:
		return "UID"
	case FrameError:
		return "ERROR"
	case FrameStatus:
		return "STATUS"
	case FrameWrote:
		return "OK:WROTE"
	case FrameHistoryCleared:
		return "OK:HISTORY_CLEARED"
	case FrameOK:
		return "OK"
	case FrameHistoryStart:
		return "HISTORY_START"
	case FrameHistoryBlock:
		return "HISTORY_BLOCK"
	case FrameHistoryEnd:
		return "HISTORY_END"
	default:
		return "UNKNOWN"
	}
}

// Frame is one parsed reply line. Which fields are set depends on Kind:
//
//	FrameUID            Data = "<uid>[:<content>]"
//	FrameError/Status   Msg
//	FrameWrote          UID, Data
//	FrameHistoryCleared UID
//	FrameOK             Msg
//	FrameHistoryStart   UID
//	FrameHistoryBlock   Block, Data
type Frame struct {
	Kind  FrameKind
	UID   string
	Data  string
	Msg   string
	Block int
	Raw   string
}

// ParseFrame classifies a trimmed reply line. Lines that do not match any
// known shape come back as FrameUnknown and are ignored by waiters.
func ParseFrame(line string) Frame {
	f := Frame{Kind: FrameUnknown, Raw: line}

	switch {
	case line == "HISTORY_END":
		f.Kind = FrameHistoryEnd
	case strings.HasPrefix(line, "UID:"):
		f.Kind = FrameUID
		f.Data = line[len("UID:"):]
	case strings.HasPrefix(line, "ERROR:"):
		f.Kind = FrameError
		f.Msg = line[len("ERROR:"):]
	case strings.HasPrefix(line, "STATUS:"):
		f.Kind = FrameStatus
		f.Msg = line[len("STATUS:"):]
	case strings.HasPrefix(line, "OK:WROTE:"):
		uid, data, ok := strings.Cut(line[len("OK:WROTE:"):], ":")
		if ok {
			f.Kind = FrameWrote
			f.UID = uid
			f.Data = data
		}
	case strings.HasPrefix(line, "OK:HISTORY_CLEARED:"):
		f.Kind = FrameHistoryCleared
		f.UID = line[len("OK:HISTORY_CLEARED:"):]
	case strings.HasPrefix(line, "OK:"):
		f.Kind = FrameOK
		f.Msg = line[len("OK:"):]
	case strings.HasPrefix(line, "HISTORY_START:"):
		f.Kind = FrameHistoryStart
		f.UID = line[len("HISTORY_START:"):]
	case strings.HasPrefix(line, "HISTORY_BLOCK:"):
		idx, text, ok := strings.Cut(line[len("HISTORY_BLOCK:"):], ":")
		if !ok {
			break
		}
		n, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil {
			break
		}
		f.Kind = FrameHistoryBlock
		f.Block = n
		f.Data = text
	}
	return f
}
