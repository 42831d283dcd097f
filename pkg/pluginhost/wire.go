package pluginhost

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode is a single big-endian u32 wire protocol opcode.
type Opcode uint32

// Client -> plugin opcodes.
const (
	OpStop       Opcode = 0
	OpCancel     Opcode = 1
	OpType       Opcode = 2
	OpMechanisms Opcode = 3
	OpProcess    Opcode = 4
	OpProcessUI  Opcode = 5
	OpRefresh    Opcode = 6
)

// Plugin -> client opcodes.
const (
	OpResult       Opcode = 10
	OpStore        Opcode = 11
	OpError        Opcode = 12
	OpUI           Opcode = 13
	OpRefreshReply Opcode = 14
	OpSignal       Opcode = 15
)

// StartupToken is the literal line a subordinate writes to stdout once it
// has finished initializing and entered its event loop.
const StartupToken = "process started"

func writeOpcode(w io.Writer, op Opcode) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(op))
	_, err := w.Write(buf[:])
	return err
}

func readOpcode(r io.Reader) (Opcode, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return Opcode(binary.BigEndian.Uint32(buf[:])), nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// writeString frames a string as [u32 length][utf8 bytes].
func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n > maxFrameSize {
		return "", fmt.Errorf("pluginhost: string frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeStringList(w io.Writer, list []string) error {
	if err := writeU32(w, uint32(len(list))); err != nil {
		return err
	}
	for _, s := range list {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringList(r io.Reader) ([]string, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// maxFrameSize bounds a single blob/string frame so a malformed or hostile
// subordinate cannot force an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

// writeBlob frames payload (already CBOR-encoded) as [u32 size][size bytes].
func writeBlob(w io.Writer, payload []byte) error {
	if err := writeU32(w, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readBlob(r io.Reader) ([]byte, error) {
	size, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("pluginhost: blob frame too large: %d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
