package wireguard

import (
	"io"
	"net"

	"github.com/rs/zerolog/log"
)

// Pipe copies bytes in both directions between a and b and closes both when
// either side ends.
func Pipe(a, b net.Conn) {
	go func() {
		defer a.Close()
		defer b.Close()
		io.Copy(a, b)
	}()
	go func() {
		defer a.Close()
		defer b.Close()
		io.Copy(b, a)
	}()
}

// TCPProxy forwards an accepted connection to a given address.
func TCPProxy(from net.Conn, to string) {
	toConn, err := net.Dial("tcp", to)
	if err != nil {
		log.Error().Err(err).Str("target", to).Msg("Failed to connect to local service")
		from.Close()
		return
	}
	Pipe(from, toConn)
}
