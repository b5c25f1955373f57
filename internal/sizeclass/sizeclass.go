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

// Package sizeclass enumerates the power-of-two block sizes the buddy
// allocator manages, and the key encodings used to name blocks of each size
// in the metadata store.
package sizeclass

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Class identifies one of the nine power-of-two block sizes from 4 KiB to
// 1 MiB. The zero value is not a valid class; use the Classes slice or
// Of to obtain one.
type Class uint8

// The closed enumeration of block sizes, smallest first. Macro is the top of
// the buddy tree and the unit by which the data file grows.
const (
	_ Class = iota
	C4K
	C8K
	C16K
	C32K
	C64K
	C128K
	C256K
	C512K
	Macro // 1 MiB
)

// KiB and MiB are the usual binary byte-count multipliers.
const (
	KiB = 1024
	MiB = 1024 * KiB
)

// Classes lists every class in ascending order of size.
var Classes = []Class{C4K, C8K, C16K, C32K, C64K, C128K, C256K, C512K, Macro}

var bytesByClass = map[Class]int64{
	C4K:   4 * KiB,
	C8K:   8 * KiB,
	C16K:  16 * KiB,
	C32K:  32 * KiB,
	C64K:  64 * KiB,
	C128K: 128 * KiB,
	C256K: 256 * KiB,
	C512K: 512 * KiB,
	Macro: 1 * MiB,
}

var shortByClass = map[Class]string{
	C4K:   "4k",
	C8K:   "8k",
	C16K:  "16k",
	C32K:  "32k",
	C64K:  "64k",
	C128K: "128k",
	C256K: "256k",
	C512K: "512k",
	Macro: "1m",
}

var classByShort = func() map[string]Class {
	m := make(map[string]Class, len(shortByClass))
	for c, s := range shortByClass {
		m[s] = c
	}
	return m
}()

// ErrPayloadTooLarge reports that a payload exceeds the largest size class.
var ErrPayloadTooLarge = errors.New("payload too large")

// Bytes reports the byte size of the class.
func (c Class) Bytes() int64 { return bytesByClass[c] }

// Short returns the short string form of the class used in metadata store
// keys, e.g. "4k" or "1m".
func (c Class) Short() string { return shortByClass[c] }

// Valid reports whether c is one of the nine defined classes.
func (c Class) Valid() bool { _, ok := bytesByClass[c]; return ok }

func (c Class) String() string {
	if s, ok := shortByClass[c]; ok {
		return s
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

// Split returns the next smaller class, or false if c is already C4K.
func (c Class) Split() (Class, bool) {
	if c <= C4K || !c.Valid() {
		return 0, false
	}
	return c - 1, true
}

// Merge returns the next larger class, or false if c is already Macro.
func (c Class) Merge() (Class, bool) {
	if c >= Macro || !c.Valid() {
		return 0, false
	}
	return c + 1, true
}

// Of returns the smallest class whose byte size is >= max(n, 4 KiB). It
// fails with ErrPayloadTooLarge if n exceeds the Macro class.
func Of(n int64) (Class, error) {
	if n > Macro.Bytes() {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	for _, c := range Classes {
		if c.Bytes() >= n {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
}

// Offset returns the physical byte offset of block blockNum in class c.
func Offset(c Class, blockNum uint64) int64 { return int64(blockNum) * c.Bytes() }

// Buddy returns the sibling block number under halving of the parent.
func Buddy(blockNum uint64) uint64 { return blockNum ^ 1 }

// FreeKey formats the free-list key for (class, blockNum): "free_{class}_{n}".
func FreeKey(c Class, blockNum uint64) string {
	return "free_" + c.Short() + "_" + strconv.FormatUint(blockNum, 10)
}

// TempKey formats the temp-list key for (class, blockNum): "t_{class}_{n}".
func TempKey(c Class, blockNum uint64) string {
	return "t_" + c.Short() + "_" + strconv.FormatUint(blockNum, 10)
}

// FreePrefix returns the key prefix that selects every free entry of class c.
func FreePrefix(c Class) string { return "free_" + c.Short() + "_" }

// TempPrefix returns the key prefix that selects every temp entry of class c.
func TempPrefix(c Class) string { return "t_" + c.Short() + "_" }

// ErrMalformedKey reports a key that does not parse as a free-list or
// temp-list key.
var ErrMalformedKey = errors.New("malformed block key")

// ParseKey recovers (class, blockNum) from a free-list or temp-list key
// produced by FreeKey or TempKey.
func ParseKey(key string) (c Class, blockNum uint64, isTemp bool, err error) {
	rest, isTemp, ok := cutPrefix(key)
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	class, ok := classByShort[parts[0]]
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	n, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return class, n, isTemp, nil
}

func cutPrefix(key string) (rest string, isTemp, ok bool) {
	if r, found := strings.CutPrefix(key, "free_"); found {
		return r, false, true
	}
	if r, found := strings.CutPrefix(key, "t_"); found {
		return r, true, true
	}
	return "", false, false
}
