package procgroup

import (
	"encoding/binary"
	"fmt"
	"math"
)

type frameKind uint8

const (
	frameMsg frameKind = iota
	framePut
	framePutAck
	frameGet
	frameGetReply

	// frameBye tells a peer that the sender has finished
	// cleanly. Transports consume it.
	frameBye
)

func (f frameKind) String() string {
	switch f {
	case frameMsg:
		return "msg"
	case framePut:
		return "put"
	case framePutAck:
		return "put-ack"
	case frameGet:
		return "get"
	case frameGetReply:
		return "get-reply"
	case frameBye:
		return "bye"
	}
	return fmt.Sprintf("frame(%d)", uint8(f))
}

// A Frame is the unit every transport carries.
//
// Src and Seq are stamped by the sending endpoint; Seq
// counts frames per (source, destination) pair so the
// receiver can restore send order.
type Frame struct {
	Kind frameKind
	Src  int
	Seq  uint64

	// Matching information for messages.
	Ctx int
	Tag int

	// Addressing for one-sided operations.
	Win    int
	Disp   int
	Length int
	ReqID  uint64

	Payload []byte
}

func encodeFloats(vec []float64) []byte {
	res := make([]byte, 8*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint64(res[8*i:], math.Float64bits(x))
	}
	return res
}

func decodeFloats(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("vector payload of %d bytes is not a multiple of 8", len(data))
	}
	res := make([]float64, len(data)/8)
	for i := range res {
		res[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return res, nil
}
