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

//go:build !linux

package worker

import (
	"context"
	"io"
	"os"
)

// writeAndHash streams exactly size bytes from src into f at offset,
// reporting the SHA-256 digest of the same bytes. On this platform there is
// no splice/tee/AF_ALG equivalent, so it is always the buffered fallback of
// §4.I.3.
func writeAndHash(ctx context.Context, f *os.File, offset int64, src io.Reader, size int64) ([32]byte, error) {
	return copyFallback(f, offset, src, size)
}

// readInto streams exactly size bytes from f at offset into dst.
func readInto(ctx context.Context, dst io.Writer, f *os.File, offset, size int64) error {
	return readSection(dst, f, offset, size)
}
