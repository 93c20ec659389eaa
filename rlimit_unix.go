//go:build unix

package main

import (
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// raiseOpenFileLimit lifts the soft descriptor limit to the hard limit, since
// each parallel check and each relayed tunnel holds sockets open.
func raiseOpenFileLimit(l zerolog.Logger) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		l.Warn().Err(err).Msg("getrlimit")
		return
	}
	if lim.Cur >= lim.Max {
		return
	}

	want := lim
	want.Cur = lim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &want); err != nil {
		l.Warn().Err(err).Interface("current", lim.Cur).Msg("could not raise open file limit")
		return
	}
	l.Debug().Interface("from", lim.Cur).Interface("to", want.Cur).Msg("raised open file limit")
}
