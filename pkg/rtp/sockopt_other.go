//go:build !linux

package rtp

import "net"

// setSockOptVoice на платформах без SO_PRIORITY ничего не настраивает
func setSockOptVoice(conn *net.UDPConn) error {
	return nil
}
