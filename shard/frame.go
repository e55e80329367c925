package shard

import "encoding/binary"

// udpFrameSize is sizeof(UDPFrame) in sphinxd.cpp: four big-endian uint16
// fields, request_id, sequence_num, nr_datagrams, reserved.
const udpFrameSize = 8

type udpFrame struct {
	requestID   uint16
	sequenceNum uint16
	nrDatagrams uint16
	reserved    uint16
}

func decodeUDPFrame(b []byte) udpFrame {
	return udpFrame{
		requestID:   binary.BigEndian.Uint16(b[0:2]),
		sequenceNum: binary.BigEndian.Uint16(b[2:4]),
		nrDatagrams: binary.BigEndian.Uint16(b[4:6]),
		reserved:    binary.BigEndian.Uint16(b[6:8]),
	}
}

// appendResponseFrame writes the 8-byte echo header make_response_frame
// produces for a UDP-originated request (nr_datagrams always 1, reserved
// always 0) ahead of the memcache response text. TCP requests get no frame
// at all, matching make_response_frame's "only if req.request_id" branch.
func appendResponseFrame(dst []byte, requestID, sequenceNum uint16) []byte {
	var hdr [udpFrameSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], requestID)
	binary.BigEndian.PutUint16(hdr[2:4], sequenceNum)
	binary.BigEndian.PutUint16(hdr[4:6], 1)
	binary.BigEndian.PutUint16(hdr[6:8], 0)
	return append(dst, hdr[:]...)
}
