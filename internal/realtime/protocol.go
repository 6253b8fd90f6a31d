package realtime

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// WSMessage is the WebSocket control message envelope. Audio travels on
// binary frames, everything else as JSON text messages.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Binary frame layout.
//
// Upstream (producer -> server): 16-byte source UUID, 8-byte big-endian
// sequence number, PCM16-LE payload.
//
// Downstream (server -> listener): 8-byte big-endian sequence number,
// PCM16-LE payload. Listeners detect gaps from the sequence number.
const (
	upstreamHeaderLen   = 16 + 8
	downstreamHeaderLen = 8
)

func decodeUpstreamFrame(data []byte) (sourceID uuid.UUID, seq uint64, payload []byte, err error) {
	if len(data) < upstreamHeaderLen {
		return uuid.Nil, 0, nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	sourceID, err = uuid.FromBytes(data[:16])
	if err != nil {
		return uuid.Nil, 0, nil, err
	}
	seq = binary.BigEndian.Uint64(data[16:upstreamHeaderLen])
	return sourceID, seq, data[upstreamHeaderLen:], nil
}

func encodeDownstreamFrame(seq uint64, payload []byte) []byte {
	buf := make([]byte, downstreamHeaderLen+len(payload))
	binary.BigEndian.PutUint64(buf, seq)
	copy(buf[downstreamHeaderLen:], payload)
	return buf
}
