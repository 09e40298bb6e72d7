// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package collector implements the receiving side of the trace
// session: it accepts profiler connections on a unix socket, hands
// out segment capacities, receives full segments and forwards them to
// a consumer.
package collector // import "github.com/cycletrace/cycletrace/collector"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cycletrace/cycletrace/session"
	"github.com/cycletrace/cycletrace/wire"
)

const defaultQueueSize = 512

// ReceivedSegment is one segment as delivered by a profiler session.
type ReceivedSegment struct {
	Session uuid.UUID
	PID     uint32
	Header  wire.Header
	Payload []byte
}

// Config holds the collector settings.
type Config struct {
	// SocketPath is the unix socket to listen on.
	SocketPath string
	// SegmentCapacity caps the segment payload capacity granted to
	// sessions. Zero accepts whatever the client proposes.
	SegmentCapacity uint32
	// SpoolPath, if set, receives a zstd-compressed copy of the raw
	// segment stream.
	SpoolPath string
	// QueueSize bounds the number of segments queued for the
	// consumer.
	QueueSize uint32
}

// Server accepts profiler sessions and forwards their segments.
type Server struct {
	cfg     Config
	handler func(ReceivedSegment)
	queue   *segmentQueue
	spool   *spool
}

// NewServer returns a collector server delivering each received
// segment to handler from a single consumer goroutine.
func NewServer(cfg Config, handler func(ReceivedSegment)) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("no socket path configured")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		queue:   newSegmentQueue(cfg.QueueSize),
	}, nil
}

// Run listens on the configured socket until the context is
// cancelled. All sessions and the consumer run under one errgroup.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.cfg.SocketPath)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.SocketPath, err)
	}

	if s.cfg.SpoolPath != "" {
		s.spool, err = newSpool(s.cfg.SpoolPath)
		if err != nil {
			ln.Close()
			return err
		}
	}

	log.Infof("collector listening on %s", s.cfg.SocketPath)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				defer conn.Close()
				// Unblock pending reads when the collector shuts down.
				stop := context.AfterFunc(ctx, func() { conn.Close() })
				defer stop()
				if err := s.handleConn(conn); err != nil {
					log.Errorf("session failed: %v", err)
				}
				return nil
			})
		}
	})
	g.Go(func() error {
		return s.consume(ctx)
	})

	err = g.Wait()
	if dropped := s.queue.droppedCount(); dropped > 0 {
		log.Warnf("dropped %d segments on overloaded consumer", dropped)
	}
	if s.spool != nil {
		if cerr := s.spool.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// consume drains queued segments into the handler.
func (s *Server) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.queue.drain(s.handler)
			return nil
		case <-s.queue.wake:
			s.queue.drain(s.handler)
		}
	}
}

// handleConn runs one profiler session: handshake, then a stream of
// acknowledged segment frames until the peer hangs up.
func (s *Server) handleConn(conn net.Conn) error {
	var helloBuf [session.HelloSize]byte
	if _, err := io.ReadFull(conn, helloBuf[:]); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	hello, err := session.DecodeHello(helloBuf[:])
	if err != nil {
		reply := session.Accept{Status: session.StatusRefused}
		replyBuf := reply.Encode()
		conn.Write(replyBuf[:])
		return err
	}

	granted := hello.Capacity
	if s.cfg.SegmentCapacity != 0 && granted > s.cfg.SegmentCapacity {
		granted = s.cfg.SegmentCapacity
	}
	if granted == 0 {
		granted = session.DefaultSegmentCapacity
	}

	accept := session.Accept{Status: session.StatusOK, Capacity: granted}
	acceptBuf := accept.Encode()
	if _, err = conn.Write(acceptBuf[:]); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	log.Infof("session %s connected (pid %d, segment capacity %d)",
		hello.ID, hello.PID, granted)

	for {
		var headerBuf [wire.HeaderSize]byte
		if _, err = io.ReadFull(conn, headerBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				log.Infof("session %s closed", hello.ID)
				return nil
			}
			return fmt.Errorf("header read: %w", err)
		}
		header, err := wire.DecodeHeader(headerBuf[:])
		if err != nil {
			return err
		}
		if header.SegmentLength > granted {
			return fmt.Errorf("segment length %d exceeds granted capacity %d",
				header.SegmentLength, granted)
		}

		payload := make([]byte, header.SegmentLength)
		if _, err = io.ReadFull(conn, payload); err != nil {
			return fmt.Errorf("payload read: %w", err)
		}

		if s.spool != nil {
			if err = s.spool.write(headerBuf[:], payload); err != nil {
				log.Errorf("spool write failed: %v", err)
			}
		}

		s.queue.push(ReceivedSegment{
			Session: hello.ID,
			PID:     hello.PID,
			Header:  header,
			Payload: payload,
		})

		ack := session.Ack{Status: session.StatusOK}
		ackBuf := ack.Encode()
		if _, err = conn.Write(ackBuf[:]); err != nil {
			return fmt.Errorf("ack write: %w", err)
		}
	}
}
