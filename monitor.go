package streamreactor

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const defaultMaxOpenFiles = 4096

// RaiseOpenFilesLimit lifts the soft RLIMIT_NOFILE to want, bounded by the hard
// limit. Every connection of a container holds one descriptor.
func RaiseOpenFilesLimit(want uint64) uint64 {
	if want == 0 {
		want = defaultMaxOpenFiles
	}
	limit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, limit)
	if err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return 0
	}
	if limit.Cur >= want {
		return limit.Cur
	}
	if want > limit.Max {
		want = limit.Max
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: want, Max: limit.Max})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
		return limit.Cur
	}
	log.Info().Msgf("raised open files limit from %d to %d", limit.Cur, want)
	return want
}
