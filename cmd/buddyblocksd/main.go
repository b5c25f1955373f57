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

// Program buddyblocksd serves a content-addressed block store over HTTP: a
// single batch controller owning the metadata store, fronted by N workers
// each listening on the same port via SO_REUSEPORT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/creachadair/buddyblocks/internal/allocator"
	"github.com/creachadair/buddyblocks/internal/controller"
	"github.com/creachadair/buddyblocks/internal/datafile"
	"github.com/creachadair/buddyblocks/internal/handler"
	"github.com/creachadair/buddyblocks/internal/mailbox"
	"github.com/creachadair/buddyblocks/internal/metastore"
	"github.com/creachadair/buddyblocks/internal/protocol"
	"github.com/creachadair/buddyblocks/internal/worker"
	"github.com/creachadair/ctrl"
	"github.com/creachadair/taskgroup"
	"golang.org/x/sys/unix"
)

var (
	dataPath       = flag.String("data", "", "Data file path (required)")
	metaPath       = flag.String("meta", "", "Metadata store path (required)")
	listenPort     = flag.Int("port", envInt("BUDDYBLOCKSD_PORT", 10001), "Listen port, shared by all workers via SO_REUSEPORT")
	numWorkers     = flag.Int("workers", envInt("BUDDYBLOCKSD_WORKERS", 4), "Number of worker listeners")
	mailboxCap     = flag.Int("mailbox", envInt("BUDDYBLOCKSD_MAILBOX", 4096), "SPSC mailbox capacity (must be a power of two)")
	controllerIdle = flag.Duration("controller-idle", time.Millisecond, "Controller maximum adaptive pause")
	workerPoll     = flag.Duration("worker-poll", time.Microsecond, "Worker back-off when waiting on controller replies")
	extendChunkMiB = flag.Int("extend-chunk-mib", envInt("EXTEND_CHUNK_MIB", datafile.DefaultChunkMacroBlocks), "Data file growth per extension, in MiB (1 MiB macro blocks)")
)

// envInt reads an integer default from the environment, falling back to def
// if name is unset or unparseable. This mirrors cmd/ffs's FFS_CONFIG-style
// environment override of a flag default, applied to the §6 knobs that are
// plausibly set per-deployment rather than per-invocation.
func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func main() {
	flag.Parse()
	ctrl.Run(func() error {
		if *dataPath == "" {
			ctrl.Exitf(1, "You must provide a non-empty -data path")
		}
		if *metaPath == "" {
			ctrl.Exitf(1, "You must provide a non-empty -meta path")
		}

		store, err := metastore.Open(*metaPath)
		if err != nil {
			ctrl.Fatalf("Opening metadata store: %v", err)
		}
		defer store.Close()

		file, err := datafile.Open(*dataPath, *extendChunkMiB)
		if err != nil {
			ctrl.Fatalf("Opening data file: %v", err)
		}
		defer file.Close()

		alloc := allocator.New(store, file)
		log.Print("Recovering temp reservations from a prior run...")
		if err := alloc.RecoverTemp(); err != nil {
			ctrl.Fatalf("recover_temp: %v", err)
		}

		h := handler.New(alloc)
		mailboxes := make([]controller.Mailboxes, *numWorkers)
		for i := range mailboxes {
			mailboxes[i] = controller.Mailboxes{
				Inbox:  mailbox.New[protocol.Request](*mailboxCap),
				Outbox: mailbox.New[protocol.Reply](*mailboxCap),
			}
		}

		ctlCfg := controller.DefaultConfig
		ctlCfg.MaxIdleInterval = *controllerIdle
		ctl := controller.New(store, h, mailboxes, ctlCfg, log.New(os.Stderr, "[controller] ", log.LstdFlags))
		for i := range mailboxes {
			mailboxes[i].Wake = ctl.Wake()
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		g := taskgroup.New(cancel)

		g.Go(func() error { return ctl.Run(ctx) })

		servers := make([]*http.Server, *numWorkers)
		wCfg := worker.Config{PollInterval: *workerPoll}
		for i := 0; i < *numWorkers; i++ {
			id := uint32(i)
			w := worker.New(id, mailboxes[i], file, wCfg, log.New(os.Stderr, fmt.Sprintf("[worker %d] ", id), log.LstdFlags))
			g.Go(func() error { return w.Run(ctx) })

			lst, err := reusePortListener(*listenPort)
			if err != nil {
				ctrl.Fatalf("Listening on port %d: %v", *listenPort, err)
			}
			srv := &http.Server{Handler: w.Handler()}
			servers[i] = srv
			g.Go(func() error {
				if err := srv.Serve(lst); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
		}
		log.Printf("Listening on port %d with %d workers", *listenPort, *numWorkers)

		sig := make(chan os.Signal, 2)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			s, ok := <-sig
			if !ok {
				return
			}
			log.Printf("Received signal: %v, shutting down", s)
			signal.Reset(syscall.SIGINT, syscall.SIGTERM)
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			for _, srv := range servers {
				srv.Shutdown(shutdownCtx)
			}
			cancel()
		}()

		return g.Wait()
	})
}

// reusePortListener opens a TCP listener on port with SO_REUSEPORT set, so
// every worker can bind the same port independently (§5 "pinned to their
// own ports via address-reuse").
func reusePortListener(port int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
}
