// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Synthetic audio timing: Opus at 48 kHz in 20 ms frames.
const (
	audioFrameInterval   = 20 * time.Millisecond
	audioSamplesPerFrame = 960
)

// opusSilence is a minimal Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// MediaSourceOptions selects which outbound tracks a source carries.
type MediaSourceOptions struct {
	// Audio enables a synthesized silent audio track. A headless peer
	// has no microphone; steady silence still keeps the far side's
	// jitter buffers and track plumbing live.
	Audio bool

	// Video enables an outbound video track fed through WriteVideo by
	// an embedding capture pipeline. The source synthesizes no video
	// itself.
	Video bool
}

// MediaSource owns the outbound media of one peer. A single source
// serves every session: pion tracks accept multiple bindings, so each
// connected peer receives the same packets.
type MediaSource struct {
	logger *slog.Logger
	audio  *webrtc.TrackLocalStaticRTP
	video  *webrtc.TrackLocalStaticRTP

	// Audio generator state, touched only by generateAudio.
	audioSSRC uint32
	audioSeq  uint16
	audioTS   uint32

	closed    chan struct{}
	closeOnce sync.Once
}

// NewMediaSource builds the requested tracks and starts the audio
// generator.
func NewMediaSource(options MediaSourceOptions, logger *slog.Logger) (*MediaSource, error) {
	if !options.Audio && !options.Video {
		return nil, errors.New("media source needs at least one track")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &MediaSource{
		logger:    logger.With("component", "media"),
		audioSSRC: rand.Uint32(),
		audioSeq:  uint16(rand.Uint32()),
		audioTS:   rand.Uint32(),
		closed:    make(chan struct{}),
	}
	if options.Audio {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "parlor-audio",
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		s.audio = track
		go s.generateAudio()
	}
	if options.Video {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "parlor-video",
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		s.video = track
	}
	return s, nil
}

// Audio returns the outbound audio track, nil when not enabled.
func (s *MediaSource) Audio() *webrtc.TrackLocalStaticRTP { return s.audio }

// Video returns the outbound video track, nil when not enabled.
func (s *MediaSource) Video() *webrtc.TrackLocalStaticRTP { return s.video }

// WriteVideo fans one externally produced video packet out to every
// bound session. Writing with no session bound is not an error.
func (s *MediaSource) WriteVideo(pkt *rtp.Packet) error {
	if s.video == nil {
		return errors.New("media source has no video track")
	}
	if err := s.video.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

// Close stops the audio generator. Track bindings detach as their
// sessions close.
func (s *MediaSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// generateAudio writes one silent frame per frame interval. Unbound
// tracks between sessions are expected and skipped quietly.
func (s *MediaSource) generateAudio() {
	ticker := time.NewTicker(audioFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}
		s.audioSeq++
		s.audioTS += audioSamplesPerFrame
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: s.audioSeq,
				Timestamp:      s.audioTS,
				SSRC:           s.audioSSRC,
			},
			Payload: opusSilence,
		}
		if err := s.audio.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debug("audio write failed", "error", err)
		}
	}
}
