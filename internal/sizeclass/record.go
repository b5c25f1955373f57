// Copyright 2024 Michael J. Fromberger. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sizeclass

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RecordLen is the wire length of an encoded Record: 1 class byte plus three
// little-endian u64 fields (block_num, buddy_num, data_size).
const RecordLen = 1 + 8 + 8 + 8

// ErrInvalidMetadata reports a stored metadata value of unexpected length or
// with an unrecognized class ordinal.
var ErrInvalidMetadata = errors.New("invalid metadata")

// Record is the hash-table value bound to a content digest: the occupied
// block's location and the actual payload length.
type Record struct {
	Class    Class
	BlockNum uint64
	BuddyNum uint64
	DataSize uint64
}

// Encode appends the 25-byte wire encoding of r to dst and returns the
// result.
func (r Record) Encode(dst []byte) []byte {
	var buf [RecordLen]byte
	buf[0] = byte(r.Class)
	binary.LittleEndian.PutUint64(buf[1:9], r.BlockNum)
	binary.LittleEndian.PutUint64(buf[9:17], r.BuddyNum)
	binary.LittleEndian.PutUint64(buf[17:25], r.DataSize)
	return append(dst, buf[:]...)
}

// DecodeRecord parses a Record previously produced by Record.Encode. It
// rejects values of unexpected length with ErrInvalidMetadata, per §4.A.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) != RecordLen {
		return Record{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidMetadata, RecordLen, len(b))
	}
	class := Class(b[0])
	if !class.Valid() {
		return Record{}, fmt.Errorf("%w: class ordinal %d", ErrInvalidMetadata, b[0])
	}
	return Record{
		Class:    class,
		BlockNum: binary.LittleEndian.Uint64(b[1:9]),
		BuddyNum: binary.LittleEndian.Uint64(b[9:17]),
		DataSize: binary.LittleEndian.Uint64(b[17:25]),
	}, nil
}

// Offset returns the physical byte offset of the block named by r.
func (r Record) Offset() int64 { return Offset(r.Class, r.BlockNum) }

// EncodeBuddyValue encodes the 8-byte little-endian buddy_num value stored
// alongside a free-list or temp-list key.
func EncodeBuddyValue(buddyNum uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], buddyNum)
	return buf[:]
}

// DecodeBuddyValue parses the 8-byte little-endian buddy_num value stored
// alongside a free-list or temp-list key.
func DecodeBuddyValue(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: want 8 bytes, got %d", ErrInvalidMetadata, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}
