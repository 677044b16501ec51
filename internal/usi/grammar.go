// Package usi validates the subset of the Universal Shogi Interface that a
// remote client may send to an engine, and classifies engine output.
//
// The grammar is a closed allow-list. Anything it does not recognise is
// rejected; callers log and drop it without forwarding.
package usi

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrLineTerminator rejects input that could smuggle a second command.
	ErrLineTerminator = errors.New("command contains a line terminator")
	// ErrUnsupported rejects any command shape outside the allow-list.
	ErrUnsupported = errors.New("unsupported command")
)

// MultiPVOption is the only option a client may set.
const MultiPVOption = "MultiPV"

// Command names.
const (
	CmdUSI        = "usi"
	CmdIsReady    = "isready"
	CmdUSINewGame = "usinewgame"
	CmdStop       = "stop"
	CmdPonderHit  = "ponderhit"
	CmdGameOver   = "gameover"
	CmdSetOption  = "setoption"
	CmdPosition   = "position"
	CmdGo         = "go"
)

var (
	movePattern     = regexp.MustCompile(`^(?:[1-9][a-i][1-9][a-i]\+?|[PLNSGBR]\*[1-9][a-i])$`)
	boardPattern    = regexp.MustCompile(`^[1-9PLNSGBRKplnsgbrk+/]{17,}$`)
	sidePattern     = regexp.MustCompile(`^[bw]$`)
	handPattern     = regexp.MustCompile(`^(?:-|(?:[0-9]{0,2}[PLNSGBRplnsgbr])+)$`)
	plyPattern      = regexp.MustCompile(`^[0-9]{1,4}$`)
	intPattern      = regexp.MustCompile(`^[0-9]{1,10}$`)
	multiPVPattern  = regexp.MustCompile(`^[1-9][0-9]{0,2}$`)
	zeroArgCommands = map[string]bool{
		CmdUSI:        true,
		CmdIsReady:    true,
		CmdUSINewGame: true,
		CmdStop:       true,
		CmdPonderHit:  true,
	}
	gameOverResults = map[string]bool{"win": true, "lose": true, "draw": true}
	goFlags         = map[string]bool{"ponder": true, "infinite": true}
	goIntParams     = map[string]bool{"btime": true, "wtime": true, "byoyomi": true, "binc": true, "winc": true}
)

// Command is a validated client command in canonical single-space form.
type Command struct {
	Name string
	Args []string
}

// String renders the command as it is sent to the engine.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// IsBootstrap reports whether the command belongs to the handshake the
// gateway drives itself.
func (c Command) IsBootstrap() bool {
	return c.Name == CmdUSI || c.Name == CmdIsReady
}

// IsMultiPV reports whether the command sets the multi-line output count.
func (c Command) IsMultiPV() bool {
	return c.Name == CmdSetOption && len(c.Args) >= 2 && c.Args[1] == MultiPVOption
}

// Parse validates line against the allow-list.
func Parse(line string) (Command, error) {
	if strings.ContainsAny(line, "\r\n") {
		return Command{}, ErrLineTerminator
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty", ErrUnsupported)
	}
	cmd := Command{Name: fields[0], Args: fields[1:]}

	var err error
	switch {
	case zeroArgCommands[cmd.Name]:
		if len(cmd.Args) != 0 {
			err = errors.New("takes no arguments")
		}
	case cmd.Name == CmdGameOver:
		if len(cmd.Args) != 1 || !gameOverResults[cmd.Args[0]] {
			err = errors.New("expects win, lose or draw")
		}
	case cmd.Name == CmdSetOption:
		err = checkSetOption(cmd.Args)
	case cmd.Name == CmdPosition:
		err = checkPosition(cmd.Args)
	case cmd.Name == CmdGo:
		err = checkGo(cmd.Args)
	default:
		err = errors.New("unknown command")
	}
	if err != nil {
		return Command{}, fmt.Errorf("%w: %s: %v", ErrUnsupported, cmd.Name, err)
	}
	return cmd, nil
}

func checkSetOption(args []string) error {
	if len(args) != 4 || args[0] != "name" || args[1] != MultiPVOption || args[2] != "value" {
		return fmt.Errorf("only %q may be set", MultiPVOption)
	}
	if !multiPVPattern.MatchString(args[3]) {
		return fmt.Errorf("invalid value %q", args[3])
	}
	return nil
}

func checkPosition(args []string) error {
	if len(args) == 0 {
		return errors.New("missing board")
	}

	rest := args[1:]
	switch args[0] {
	case "startpos":
	case "sfen":
		// board [side [hand [ply]]]
		fields := 0
		for fields < len(rest) && rest[fields] != "moves" {
			fields++
		}
		if fields == 0 || fields > 4 {
			return errors.New("malformed sfen")
		}
		checks := []*regexp.Regexp{boardPattern, sidePattern, handPattern, plyPattern}
		for i := 0; i < fields; i++ {
			if !checks[i].MatchString(rest[i]) {
				return fmt.Errorf("malformed sfen field %q", rest[i])
			}
		}
		rest = rest[fields:]
	default:
		return fmt.Errorf("unknown board %q", args[0])
	}

	if len(rest) == 0 {
		return nil
	}
	if rest[0] != "moves" {
		return fmt.Errorf("unexpected %q", rest[0])
	}
	for _, m := range rest[1:] {
		if !movePattern.MatchString(m) {
			return fmt.Errorf("malformed move %q", m)
		}
	}
	return nil
}

func checkGo(args []string) error {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case goFlags[arg]:
		case goIntParams[arg]:
			if i+1 >= len(args) || !intPattern.MatchString(args[i+1]) {
				return fmt.Errorf("%s requires an integer", arg)
			}
			i++
		case arg == "mate":
			if i+1 >= len(args) || (args[i+1] != "infinite" && !intPattern.MatchString(args[i+1])) {
				return errors.New("mate requires an integer or infinite")
			}
			i++
		default:
			return fmt.Errorf("unknown flag %q", arg)
		}
	}
	return nil
}
