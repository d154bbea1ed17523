package wire

import (
	"encoding/binary"
	"errors"

	"github.com/opd-ai/toxtransfer/file"
)

// ErrPacketTruncated indicates a payload shorter than its fixed header.
var ErrPacketTruncated = errors.New("file packet truncated")

// fileRequest announces an outgoing transfer to the receiver.
type fileRequest struct {
	number uint32
	kind   file.Kind
	size   uint64
	fileID [file.FileIDLength]byte
	name   string
}

const fileRequestHeader = 4 + 4 + 8 + file.FileIDLength + 2

// serializeFileRequest creates a file request packet payload.
func serializeFileRequest(r fileRequest) []byte {
	// Format: [number (4)][kind (4)][size (8)][file_id (32)][name_len (2)][name]
	nameBytes := []byte(r.name)
	if len(nameBytes) > file.MaxFileNameLength {
		nameBytes = nameBytes[:file.MaxFileNameLength]
	}

	data := make([]byte, fileRequestHeader+len(nameBytes))
	binary.BigEndian.PutUint32(data[0:4], r.number)
	binary.BigEndian.PutUint32(data[4:8], uint32(r.kind))
	binary.BigEndian.PutUint64(data[8:16], r.size)
	copy(data[16:48], r.fileID[:])
	binary.BigEndian.PutUint16(data[48:50], uint16(len(nameBytes)))
	copy(data[50:], nameBytes)

	return data
}

// deserializeFileRequest parses a file request packet payload.
func deserializeFileRequest(data []byte) (fileRequest, error) {
	var r fileRequest
	if len(data) < fileRequestHeader {
		return r, ErrPacketTruncated
	}

	r.number = binary.BigEndian.Uint32(data[0:4])
	r.kind = file.Kind(binary.BigEndian.Uint32(data[4:8]))
	r.size = binary.BigEndian.Uint64(data[8:16])
	copy(r.fileID[:], data[16:48])
	nameLen := int(binary.BigEndian.Uint16(data[48:50]))

	if nameLen > file.MaxFileNameLength {
		return r, file.ErrFileNameTooLong
	}
	if len(data) < fileRequestHeader+nameLen {
		return r, ErrPacketTruncated
	}
	r.name = string(data[50 : 50+nameLen])

	return r, nil
}

// serializeFileControl creates a control packet payload. sending is true
// when the packet's sender is the side sending the file.
func serializeFileControl(number uint32, sending bool, control file.Control) []byte {
	// Format: [number (4)][sending (1)][control (1)]
	data := make([]byte, 6)
	binary.BigEndian.PutUint32(data[0:4], number)
	if sending {
		data[4] = 1
	}
	data[5] = byte(control)
	return data
}

// deserializeFileControl parses a control packet payload.
func deserializeFileControl(data []byte) (uint32, bool, file.Control, error) {
	if len(data) < 6 {
		return 0, false, 0, ErrPacketTruncated
	}
	return binary.BigEndian.Uint32(data[0:4]), data[4] == 1, file.Control(data[5]), nil
}

// serializeFileSeek creates a seek packet payload.
func serializeFileSeek(number uint32, position uint64) []byte {
	// Format: [number (4)][position (8)]
	data := make([]byte, 12)
	binary.BigEndian.PutUint32(data[0:4], number)
	binary.BigEndian.PutUint64(data[4:12], position)
	return data
}

// deserializeFileSeek parses a seek packet payload.
func deserializeFileSeek(data []byte) (uint32, uint64, error) {
	if len(data) < 12 {
		return 0, 0, ErrPacketTruncated
	}
	return binary.BigEndian.Uint32(data[0:4]), binary.BigEndian.Uint64(data[4:12]), nil
}

// serializeFileData creates a file data packet payload. An empty chunk marks
// the end of the transfer.
func serializeFileData(number uint32, position uint64, chunk []byte) []byte {
	// Format: [number (4)][position (8)][chunk_data]
	data := make([]byte, 12+len(chunk))
	binary.BigEndian.PutUint32(data[0:4], number)
	binary.BigEndian.PutUint64(data[4:12], position)
	copy(data[12:], chunk)
	return data
}

// deserializeFileData parses a file data packet payload.
func deserializeFileData(data []byte) (uint32, uint64, []byte, error) {
	if len(data) < 12 {
		return 0, 0, nil, ErrPacketTruncated
	}

	chunk := make([]byte, len(data)-12)
	copy(chunk, data[12:])

	return binary.BigEndian.Uint32(data[0:4]), binary.BigEndian.Uint64(data[4:12]), chunk, nil
}
