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

package worker

import (
	"crypto/sha256"
	"io"
	"os"
)

// copyFallback is the always-correct streaming path of §4.I.3: a buffered
// copy through a userspace SHA-256, used directly on non-linux builds and
// as the linux build's fallback when the splice/tee/AF_ALG setup fails.
func copyFallback(f *os.File, offset int64, src io.Reader, size int64) ([32]byte, error) {
	h := sha256.New()
	dst := io.NewOffsetWriter(f, offset)
	mw := io.MultiWriter(dst, h)
	if _, err := io.CopyN(mw, src, size); err != nil {
		return [32]byte{}, err
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// readSection copies exactly size bytes from f at offset into dst.
func readSection(dst io.Writer, f *os.File, offset, size int64) error {
	_, err := io.Copy(dst, io.NewSectionReader(f, offset, size))
	return err
}
