package htws

import (
	"encoding/binary"
	"fmt"
)

// Wire framing carried inside websocket binary messages. Each message holds
// exactly one frame: a 1-byte opcode and a 2-byte big-endian payload length,
// followed by the payload. In strict content-length mode a data block is
// zero-filled out to exactly the configured content length; the receiver
// trusts the length header and ignores the filler. Padding and close frames
// are never filled.
const (
	opData    byte = 0x01
	opPadding byte = 0x02
	opClose   byte = 0x03
)

const frameHeaderLen = 3

// maxFramePayload is the hard cap imposed by the 16-bit length field.
const maxFramePayload = 0xffff

// encodeFrame builds one transmit block. blockSize and strict only apply to
// data frames; the payload must already fit one block.
func encodeFrame(op byte, payload []byte, blockSize int, strict bool) ([]byte, error) {
	n := len(payload)
	if n > maxFramePayload {
		return nil, fmt.Errorf("frame payload %d exceeds length field limit %d", n, maxFramePayload)
	}
	if n > blockSize-frameHeaderLen {
		return nil, fmt.Errorf("frame payload %d exceeds block size %d", n, blockSize)
	}
	size := frameHeaderLen + n
	if op == opData && strict {
		size = blockSize
	}
	block := make([]byte, size)
	block[0] = op
	binary.BigEndian.PutUint16(block[1:frameHeaderLen], uint16(n))
	copy(block[frameHeaderLen:], payload)
	return block, nil
}

// decodeFrame parses one received block. The returned payload aliases block.
func decodeFrame(block []byte) (op byte, payload []byte, err error) {
	if len(block) < frameHeaderLen {
		return 0, nil, fmt.Errorf("short frame: %d bytes", len(block))
	}
	op = block[0]
	n := int(binary.BigEndian.Uint16(block[1:frameHeaderLen]))
	if frameHeaderLen+n > len(block) {
		return 0, nil, fmt.Errorf("truncated frame: header claims %d payload bytes, block has %d", n, len(block)-frameHeaderLen)
	}
	payload = block[frameHeaderLen : frameHeaderLen+n]
	return op, payload, nil
}
