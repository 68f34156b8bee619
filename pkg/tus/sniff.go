package tus

import "bytes"

// tsPacketSize is the fixed MPEG transport stream packet length.
const tsPacketSize = 188

// sigPart is one byte-range check of a container signature.
type sigPart struct {
	offset int
	magic  []byte
}

// videoSignature matches the magic number of one allowed container
// format. Every part must match inside the first chunk.
type videoSignature struct {
	name  string
	parts []sigPart
}

// Allowed container formats. The declared MIME type on the init call is
// not trusted; the first chunk's leading bytes decide. Signatures that
// share a prefix with non-video containers carry a second anchor: RIFF
// alone also opens WAV files, and the TS sync byte is plain ASCII 'G',
// so both require confirmation deeper in the chunk.
var videoSignatures = []videoSignature{
	{name: "mp4", parts: []sigPart{{4, []byte("ftyp")}}},
	{name: "webm", parts: []sigPart{{0, []byte{0x1A, 0x45, 0xDF, 0xA3}}}}, // also matroska
	{name: "avi", parts: []sigPart{{0, []byte("RIFF")}, {8, []byte("AVI ")}}},
	{name: "mov", parts: []sigPart{{4, []byte("moov")}}},
	{name: "flv", parts: []sigPart{{0, []byte("FLV")}}},
	{name: "wmv", parts: []sigPart{{0, []byte{0x30, 0x26, 0xB2, 0x75}}}},
	{name: "mpeg", parts: []sigPart{{0, []byte{0x00, 0x00, 0x01, 0xBA}}}},
	{name: "mpeg-ts", parts: []sigPart{{0, []byte{0x47}}, {tsPacketSize, []byte{0x47}}}},
}

// sniffVideo inspects the leading bytes of the first chunk and returns
// the matched container name, or "" when no allowed signature matches.
func sniffVideo(head []byte) string {
next:
	for _, sig := range videoSignatures {
		for _, p := range sig.parts {
			end := p.offset + len(p.magic)
			if len(head) < end || !bytes.Equal(head[p.offset:end], p.magic) {
				continue next
			}
		}
		return sig.name
	}
	return ""
}
