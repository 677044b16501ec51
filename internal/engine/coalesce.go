package engine

import "github.com/codefionn/usibridge/internal/usi"

// Coalesce reduces commands queued during a forced stop to what should
// still take effect: the last MultiPV setoption, then the last go preceded
// by the position closest before it. Without a go, the last position is
// kept so the engine still follows the client's board. Everything else is
// discarded.
func Coalesce(queued []usi.Command) []usi.Command {
	var (
		option   *usi.Command
		position *usi.Command
		search   *usi.Command
	)

	lastGo := -1
	for i := range queued {
		if queued[i].Name == usi.CmdGo {
			lastGo = i
		}
	}

	for i := range queued {
		cmd := &queued[i]
		switch {
		case cmd.IsMultiPV():
			option = cmd
		case cmd.Name == usi.CmdPosition && (lastGo < 0 || i < lastGo):
			position = cmd
		case i == lastGo:
			search = cmd
		}
	}

	out := make([]usi.Command, 0, 3)
	for _, cmd := range []*usi.Command{option, position, search} {
		if cmd != nil {
			out = append(out, *cmd)
		}
	}
	return out
}
