package usi

import "strings"

// Engine output tokens.
const (
	RespUSIOK    = "usiok"
	RespReadyOK  = "readyok"
	respBestMove = "bestmove"
	respInfo     = "info"
)

// IsBestMove reports whether line ends a search.
func IsBestMove(line string) bool {
	return firstToken(line) == respBestMove
}

// IsInfo reports whether line is periodic search progress.
func IsInfo(line string) bool {
	return firstToken(line) == respInfo
}

// IsUSIOK reports whether line acknowledges "usi".
func IsUSIOK(line string) bool {
	return strings.TrimSpace(line) == RespUSIOK
}

// IsReadyOK reports whether line acknowledges "isready".
func IsReadyOK(line string) bool {
	return strings.TrimSpace(line) == RespReadyOK
}

func firstToken(line string) string {
	line = strings.TrimLeft(line, " \t")
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i]
	}
	return strings.TrimRight(line, " \t")
}

// wrapperErrorPrefix marks a supervisor-side failure in the engine stream.
const wrapperErrorPrefix = "WRAPPER_ERROR:"

// IsWrapperError reports whether line is a supervisor error report rather
// than engine output.
func IsWrapperError(line string) bool {
	return strings.HasPrefix(line, wrapperErrorPrefix)
}
