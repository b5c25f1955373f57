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
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/creachadair/buddyblocks/internal/protocol"
	"github.com/creachadair/buddyblocks/internal/sizeclass"
)

// maxPayload is the largest body a PUT may carry, per §6 ("413 when
// Content-Length > 512 KiB").
const maxPayload = sizeclass.C512K

// Handler returns the http.Handler this worker serves its listener with,
// routing the three endpoints of §6 External Interfaces.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /block", w.handlePut)
	mux.HandleFunc("GET /block/{hash}", w.handleGet)
	mux.HandleFunc("DELETE /block/{hash}", w.handleDelete)
	return mux
}

func (w *Worker) handlePut(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.ContentLength < 0 {
		http.Error(rw, "Content-Length required", http.StatusBadRequest)
		return
	}
	if r.ContentLength == 0 {
		http.Error(rw, "empty body", http.StatusBadRequest)
		return
	}
	if r.ContentLength > maxPayload.Bytes() {
		http.Error(rw, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	class, err := sizeclass.Of(r.ContentLength)
	if err != nil {
		http.Error(rw, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	rec, err := w.acquire(ctx, class)
	if err != nil {
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	sum, err := writeAndHash(ctx, w.file.Handle(), rec.Offset(), r.Body, r.ContentLength)
	if err != nil {
		w.releaseLocal(rec)
		w.logger.Printf("worker %d: PUT: writing body: %v", w.id, err)
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	reply, err := w.occupy(ctx, sum, rec, r.ContentLength)
	if err != nil {
		// The occupy request may already have reached the controller, so the
		// block is not returned to the pool; an unoccupied reservation stays
		// in the temp list until the next RecoverTemp.
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	if reply.Err != protocol.CodeNone {
		// The block is not returned to the pool. A rejected reservation
		// stays in the temp list until the next RecoverTemp.
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(rw, hex.EncodeToString(sum[:]))
}

func (w *Worker) handleGet(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		http.Error(rw, "malformed hash", http.StatusBadRequest)
		return
	}

	reply, err := w.getAddress(ctx, hash)
	if err != nil {
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	if reply.Err == protocol.CodeBlockNotFound {
		http.NotFound(rw, r)
		return
	}
	if reply.Err != protocol.CodeNone {
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Content-Length", fmt.Sprint(reply.DataSize))
	if err := readInto(ctx, rw, w.file.Handle(), reply.Offset, int64(reply.DataSize)); err != nil {
		w.logger.Printf("worker %d: GET: streaming body: %v", w.id, err)
	}
}

func (w *Worker) handleDelete(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		http.Error(rw, "malformed hash", http.StatusBadRequest)
		return
	}

	reply, err := w.release(ctx, hash)
	if err != nil {
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	switch reply.Err {
	case protocol.CodeNone:
		rw.WriteHeader(http.StatusOK)
	case protocol.CodeBlockNotFound:
		http.NotFound(rw, r)
	default:
		http.Error(rw, "internal error", http.StatusInternalServerError)
	}
}

var errBadHash = errors.New("malformed digest")

// parseHash validates and decodes a 64-character lowercase hex digest, per
// §6 ("hash is 64 lowercase hex").
func parseHash(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != 64 || strings.ToLower(s) != s {
		return out, errBadHash
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, errBadHash
	}
	copy(out[:], b)
	return out, nil
}
