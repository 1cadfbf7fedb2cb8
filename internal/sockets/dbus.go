package sockets

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

type dbusPhase int

const (
	dbusAuthWait dbusPhase = iota
	dbusRunning
)

// dbusAuth is the ASCII SASL-style preamble every D-Bus connection opens
// with, before the binary message protocol begins. This shim never
// speaks the binary protocol — Running just means "stop replying to
// auth lines."
type dbusAuth struct {
	phase dbusPhase
	inbuf []byte
	guid  string
}

// newDbusAuth mints the server GUID the AUTH reply advertises, the same
// way a real bus daemon hands a fresh one to every new connection.
func newDbusAuth() *dbusAuth {
	return &dbusAuth{guid: dbus.GenerateUUID()}
}

// feed appends data to the line buffer and returns the bytes to write
// back to the peer for every complete line it can process.
func (d *dbusAuth) feed(data []byte) []byte {
	d.inbuf = append(d.inbuf, data...)
	var reply []byte
	for {
		idx := indexCRLF(d.inbuf)
		if idx < 0 {
			break
		}
		line := d.inbuf[:idx]
		d.inbuf = d.inbuf[idx+2:]
		if d.phase == dbusRunning {
			continue
		}
		reply = append(reply, d.processLine(string(line))...)
	}
	return reply
}

func (d *dbusAuth) processLine(line string) []byte {
	switch {
	case strings.HasPrefix(line, "AUTH"):
		return []byte("OK " + strings.ReplaceAll(d.guid, "-", "") + "\r\n")
	case line == "NEGOTIATE_UNIX_FD":
		return []byte("AGREE_UNIX_FD\r\n")
	case line == "BEGIN":
		d.phase = dbusRunning
		return nil
	default:
		return []byte("ERROR\r\n")
	}
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}
