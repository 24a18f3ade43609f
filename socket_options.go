package streamreactor

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

func setSocketOptions(fd int, af int) {
	err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	if err != nil {
		log.Error().Msgf("[%d] got error while setting socket options SO_LINGER: %+v", fd, err)
	}
	if af == unix.AF_INET || af == unix.AF_INET6 {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if err != nil {
			log.Error().Msgf("[%d] got error while setting socket options TCP_NODELAY: %+v", fd, err)
		}
	}
}

func setListenerOptions(fd int, af int) {
	if af == unix.AF_UNIX {
		return
	}
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		log.Error().Msgf("[%d] got error while setting socket options SO_REUSEADDR: %+v", fd, err)
	}
}

func setBufferSizes(fd int, options SocketOptions) {
	if options.ReceiveBufferSize > 0 {
		err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, options.ReceiveBufferSize)
		if err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_RCVBUF: %+v", fd, err)
		}
	}
	if options.SendBufferSize > 0 {
		err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, options.SendBufferSize)
		if err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_SNDBUF: %+v", fd, err)
		}
	}
}
