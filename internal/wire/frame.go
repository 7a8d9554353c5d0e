package wire

import "encoding/binary"

// The venue frames every protobuf wrapper as a 4-byte big-endian payload
// length followed by the payload bytes.
const headerSize = 4

// Frame wraps payload in a single length-prefixed frame.
func Frame(payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[headerSize:], payload)
	return out
}

// Split consumes complete frames from buf and returns them together with the
// unconsumed tail. A declared length of zero stops parsing and the tail keeps
// everything from the bad header on. Callers append newly read bytes to the
// tail and call Split again.
func Split(buf []byte) (frames [][]byte, rest []byte) {
	for {
		if len(buf) < headerSize {
			return frames, buf
		}
		n := int(binary.BigEndian.Uint32(buf))
		if n == 0 {
			return frames, buf
		}
		if len(buf)-headerSize < n {
			return frames, buf
		}
		frame := make([]byte, n)
		copy(frame, buf[headerSize:headerSize+n])
		frames = append(frames, frame)
		buf = buf[headerSize+n:]
	}
}
