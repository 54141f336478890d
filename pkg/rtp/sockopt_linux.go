//go:build linux

package rtp

import (
	"net"

	"golang.org/x/sys/unix"
)

// setSockOptVoice настраивает сокет для голосового трафика:
// DSCP EF (Expedited Forwarding) и повышенный приоритет очереди
func setSockOptVoice(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		// DSCP EF = 46, в поле ToS сдвинут на 2 бита
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, 46<<2); e != nil {
			sockErr = e
			return
		}
		// SO_PRIORITY 6: голос раньше обычного трафика в qdisc
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6); e != nil {
			sockErr = e
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
