// Package sockerr classifies network errors into the fixed socket-error
// taxonomy the source framework exposes, preserved verbatim for log
// compatibility (spec.md §4.2).
package sockerr

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// Kind is one of the fixed socket error kinds. The names and ordering
// mirror the source's LiteralSocketError table.
type Kind int

const (
	Unknown Kind = iota
	ConnectionRefused
	RemoteHostClosed
	HostNotFound
	SocketAccess
	SocketResource
	SocketTimeout
	DatagramTooLarge
	Network
	AddressInUse
	AddressNotAvailable
	UnsupportedOperation
	UnfinishedOperation
	ProxyAuthenticationRequired
	TLSHandshakeFailed
	ProxyConnectionRefused
	ProxyConnectionClosed
	ProxyConnectionTimeout
	ProxyNotFound
	ProxyProtocol
	Operation
	TLSInternal
	TLSInvalidUserData
	Temporary
)

var names = map[Kind]string{
	Unknown:                     "UnknownNetworkError",
	ConnectionRefused:           "ConnectionRefusedError",
	RemoteHostClosed:            "RemoteHostClosedError",
	HostNotFound:                "HostNotFoundError",
	SocketAccess:                "SocketAccessError",
	SocketResource:              "SocketResourceError",
	SocketTimeout:               "SocketTimeoutError",
	DatagramTooLarge:            "DatagramTooLargeError",
	Network:                     "NetworkError",
	AddressInUse:                "AddressInUseError",
	AddressNotAvailable:         "SocketAddressNotAvailableError",
	UnsupportedOperation:        "UnsupportedSocketOperationError",
	UnfinishedOperation:         "UnfinishedSocketOperationError",
	ProxyAuthenticationRequired: "ProxyAuthenticationRequiredError",
	TLSHandshakeFailed:          "SslHandshakeFailedError",
	ProxyConnectionRefused:      "ProxyConnectionRefusedError",
	ProxyConnectionClosed:       "ProxyConnectionClosedError",
	ProxyConnectionTimeout:      "ProxyConnectionTimeoutError",
	ProxyNotFound:               "ProxyNotFoundError",
	ProxyProtocol:               "ProxyProtocolError",
	Operation:                   "OperationError",
	TLSInternal:                 "SslInternalError",
	TLSInvalidUserData:          "SslInvalidUserDataError",
	Temporary:                   "TemporaryError",
}

// String returns the canonical name used in log output, matching the
// source framework's literal table.
func (k Kind) String() string {
	if name, ok := names[k]; ok {
		return name
	}
	return names[Unknown]
}

// Classify maps a Go error from a net.Conn operation onto the fixed
// taxonomy. Unrecognized errors map to Unknown rather than failing; the
// caller always has something to log.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return SocketTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return RemoteHostClosed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return SocketTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return HostNotFound
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return AddressNotAvailable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if k := classifySyscallErrno(opErr.Err); k != Unknown {
			return k
		}
		if opErr.Timeout() {
			return SocketTimeout
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return ConnectionRefused
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return RemoteHostClosed
	case strings.Contains(msg, "no such host"):
		return HostNotFound
	case strings.Contains(msg, "address already in use"):
		return AddressInUse
	case strings.Contains(msg, "permission denied"):
		return SocketAccess
	case strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "no route to host"):
		return Network
	}

	return Unknown
}

func classifySyscallErrno(err error) Kind {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return Unknown
	}
	switch errno {
	case syscall.ECONNREFUSED:
		return ConnectionRefused
	case syscall.ECONNRESET, syscall.EPIPE:
		return RemoteHostClosed
	case syscall.EADDRINUSE:
		return AddressInUse
	case syscall.EADDRNOTAVAIL:
		return AddressNotAvailable
	case syscall.EACCES, syscall.EPERM:
		return SocketAccess
	case syscall.ENETUNREACH, syscall.ENETDOWN:
		return Network
	case syscall.ETIMEDOUT:
		return SocketTimeout
	default:
		return Unknown
	}
}
