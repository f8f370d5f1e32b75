// Package replay runs scripted accessory conversations against the real
// session and manager code.
//
// A script is line oriented. Each line starts with an opcode:
//
//	C          wait for the host to connect
//	D          the accessory disconnects
//	R <hex>    the accessory sends a message on the response channel
//	RD <hex>   the accessory sends a message on the data channel
//	W <hex>    the host must write this command next
//	WD <hex>   the host must write this data payload next
//	E <text>   a transport error (fails the next connect while disconnected, else drops the link)
//	T <ms>     pause for a number of milliseconds
//	# ...      comment
//
// Hex payloads may contain spaces. Blank lines are ignored.
package replay

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrSyntax is wrapped by Parse errors.
var ErrSyntax = errors.New("replay: syntax error")

// Op is a script opcode.
type Op int

const (
	OpConnect Op = iota
	OpDisconnect
	OpReceive
	OpReceiveData
	OpExpectWrite
	OpExpectData
	OpError
	OpDelay
)

// String returns the script token for the opcode.
func (o Op) String() string {
	switch o {
	case OpConnect:
		return "C"
	case OpDisconnect:
		return "D"
	case OpReceive:
		return "R"
	case OpReceiveData:
		return "RD"
	case OpExpectWrite:
		return "W"
	case OpExpectData:
		return "WD"
	case OpError:
		return "E"
	case OpDelay:
		return "T"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Step is one script line.
type Step struct {
	Op    Op
	Data  []byte
	Text  string
	Delay time.Duration
	Line  int
}

// Script is a parsed replay script.
type Script struct {
	Name  string
	Steps []Step
}

var tokens = map[string]Op{
	"C":  OpConnect,
	"D":  OpDisconnect,
	"R":  OpReceive,
	"RD": OpReceiveData,
	"W":  OpExpectWrite,
	"WD": OpExpectData,
	"E":  OpError,
	"T":  OpDelay,
}

// Parse reads a script from r.
func Parse(r io.Reader) (*Script, error) {
	s := &Script{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		token, arg, _ := strings.Cut(text, " ")
		op, ok := tokens[token]
		if !ok {
			return nil, fmt.Errorf("%w: line %d: unknown opcode %q", ErrSyntax, line, token)
		}
		arg = strings.TrimSpace(arg)
		step := Step{Op: op, Line: line}

		switch op {
		case OpConnect, OpDisconnect:
			if arg != "" {
				return nil, fmt.Errorf("%w: line %d: %v takes no argument", ErrSyntax, line, op)
			}
		case OpReceive, OpReceiveData, OpExpectWrite, OpExpectData:
			data, err := hex.DecodeString(strings.ReplaceAll(arg, " ", ""))
			if err != nil || len(data) == 0 {
				return nil, fmt.Errorf("%w: line %d: bad hex %q", ErrSyntax, line, arg)
			}
			step.Data = data
		case OpError:
			if arg == "" {
				return nil, fmt.Errorf("%w: line %d: E requires a message", ErrSyntax, line)
			}
			step.Text = arg
		case OpDelay:
			ms, err := strconv.Atoi(arg)
			if err != nil || ms < 0 {
				return nil, fmt.Errorf("%w: line %d: bad delay %q", ErrSyntax, line, arg)
			}
			step.Delay = time.Duration(ms) * time.Millisecond
		}
		s.Steps = append(s.Steps, step)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseFile reads a script from path. The script is named after the file.
func ParseFile(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return s, nil
}
