// Package netutil chooses the address the gmhost API listens on.
package netutil

import (
	"fmt"
	"net"
	"strings"

	"github.com/dgnsrekt/gmhost/internal/apperr"
)

// Binding is the outcome of SelectBindAddr.
type Binding struct {
	Addr string
	// Preferred is the configured address, which may differ from Addr.
	Preferred string
	// Busy lists the addresses tried and found in use, in order.
	Busy []string
}

// FellBack reports whether Addr is a candidate rather than the preferred
// address.
func (b Binding) FellBack() bool {
	return b.Preferred != "" && b.Addr != b.Preferred
}

// SelectBindAddr returns preferred if it can be listened on, otherwise the
// first free candidate when autoFallback is set. Candidates equal to
// preferred or repeated are tried once.
func SelectBindAddr(preferred string, candidates []string, autoFallback bool) (Binding, error) {
	b := Binding{Preferred: preferred}
	tried := make(map[string]bool)

	try := func(addr string) (bool, error) {
		addr = strings.TrimSpace(addr)
		if addr == "" || tried[addr] {
			return false, nil
		}
		tried[addr] = true
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return false, apperr.Validation(fmt.Sprintf("bad bind address %q: %v", addr, err))
		}
		ok, err := IsAddrAvailable(addr)
		if err != nil {
			return false, err
		}
		if !ok {
			b.Busy = append(b.Busy, addr)
			return false, nil
		}
		b.Addr = addr
		return true, nil
	}

	if preferred != "" {
		ok, err := try(preferred)
		if err != nil || ok {
			return b, err
		}
		if !autoFallback {
			return b, apperr.Validation("bind address in use: " + preferred)
		}
	}
	for _, addr := range candidates {
		ok, err := try(addr)
		if err != nil || ok {
			return b, err
		}
	}
	if len(b.Busy) == 0 {
		return b, apperr.Validation("no bind address configured")
	}
	return b, apperr.Validation("no free bind address, all in use: " + strings.Join(b.Busy, ", "))
}

// IsAddrAvailable reports whether addr can be listened on right now.
func IsAddrAvailable(addr string) (bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if closeErr := ln.Close(); closeErr != nil {
		return false, closeErr
	}
	return true, nil
}
