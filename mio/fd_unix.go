package mio

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// syscallConn is satisfied by *net.TCPConn and *net.TCPListener, the only
// net types this reactor hands raw fds for.
type syscallConn interface {
	SyscallConn() (syscall.RawConn, error)
}

func fdFromConn(conn net.Conn) (int, error) {
	sc, ok := conn.(syscallConn)
	if !ok {
		return 0, fmt.Errorf("mio: %T does not expose a raw fd", conn)
	}
	return controlFD(sc)
}

func fdFromListener(ln net.Listener) (int, error) {
	sc, ok := ln.(syscallConn)
	if !ok {
		return 0, fmt.Errorf("mio: %T does not expose a raw fd", ln)
	}
	return controlFD(sc)
}

func controlFD(sc syscallConn) (int, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("mio: SyscallConn: %w", err)
	}
	var fd int
	var controlErr error
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		controlErr = err
	}
	if controlErr != nil {
		return 0, fmt.Errorf("mio: Control: %w", controlErr)
	}
	return fd, nil
}

// nonBlockingConnect opens a non-blocking TCP socket toward dstIP:port,
// optionally bound to srcIP, and issues connect(2) without waiting for it to
// complete. A pending connect (EINPROGRESS) is expected, not an error — the
// caller registers the fd in CONNECT state with write-interest armed and
// detects completion later via finalizeConnect's SO_ERROR check, per spec
// §4.1's "connecting sockets that do not complete synchronously enter
// CONNECT state with write-interest armed".
func nonBlockingConnect(srcIP, dstIP string, port int) (net.Conn, error) {
	ip := net.ParseIP(dstIP)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", dstIP)
		if err != nil {
			return nil, fmt.Errorf("mio: resolve %s: %w", dstIP, err)
		}
		ip = resolved.IP
	}

	domain := unix.AF_INET
	if ip.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("mio: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mio: set nonblock: %w", err)
	}

	if srcIP != "" {
		localAddr := net.ParseIP(srcIP)
		if localAddr == nil {
			unix.Close(fd)
			return nil, fmt.Errorf("mio: invalid source IP %q", srcIP)
		}
		localSA, err := sockaddrFor(localAddr, domain, 0)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		if err := unix.Bind(fd, localSA); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("mio: bind %s: %w", srcIP, err)
		}
	}

	remoteSA, err := sockaddrFor(ip, domain, port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.Connect(fd, remoteSA); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("mio: connect %s:%d: %w", dstIP, port, err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("%s:%d", dstIP, port))
	conn, err := net.FileConn(f)
	f.Close() // FileConn dup'd fd; release the os.File's reference to it
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mio: FileConn: %w", err)
	}
	return conn, nil
}

func sockaddrFor(ip net.IP, domain, port int) (unix.Sockaddr, error) {
	if domain == unix.AF_INET {
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("mio: %s is not an IPv4 address", ip)
		}
		var addr [4]byte
		copy(addr[:], ip4)
		return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("mio: %s is not an IPv6 address", ip)
	}
	var addr [16]byte
	copy(addr[:], ip16)
	return &unix.SockaddrInet6{Port: port, Addr: addr}, nil
}

// connectErr reads SO_ERROR off fd, the standard way to learn whether a
// non-blocking connect succeeded once the backend reports it writable.
func connectErr(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return syscall.Errno(errno)
	}
	return nil
}
