// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often we ask a video sender for a keyframe.
// A receiver joining mid-stream decodes nothing until one arrives.
const pliInterval = 3 * time.Second

// ICEServer points ICE at one STUN or TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// MediaConfig controls what a pion-backed session negotiates.
type MediaConfig struct {
	// ICEServers to offer ICE. Empty is valid on a LAN.
	ICEServers []ICEServer

	// Audio and Video select which media kinds to negotiate. At
	// least one must be set.
	Audio bool
	Video bool

	// Source supplies this peer's outbound media, fanned out to
	// every session. Nil negotiates receive-only.
	Source *MediaSource

	// IncludeLoopback admits loopback ICE candidates, needed when
	// peers share a host, as tests do.
	IncludeLoopback bool
}

// NewPionFactory builds a SessionFactory backed by pion/webrtc. All
// sessions share one API instance with the default codecs and
// interceptors registered.
func NewPionFactory(config MediaConfig, logger *slog.Logger) (SessionFactory, error) {
	if !config.Audio && !config.Video {
		return nil, errors.New("media config enables neither audio nor video")
	}
	if logger == nil {
		logger = slog.Default()
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	var settings webrtc.SettingEngine
	if config.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)
	servers := make([]webrtc.ICEServer, 0, len(config.ICEServers))
	for _, server := range config.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	rtcConfig := webrtc.Configuration{ICEServers: servers}
	log := logger.With("component", "webrtc")
	return func(peer PeerID, epoch uint64, emit func(SessionEvent)) (Session, error) {
		return newPionSession(api, rtcConfig, config, peer, emit, log)
	}, nil
}

// pionSession adapts one webrtc.PeerConnection to the Session
// interface. Offers and answers travel as bare SDP; candidates as
// JSON-encoded ICECandidateInit.
type pionSession struct {
	peer   PeerID
	pc     *webrtc.PeerConnection
	emit   func(SessionEvent)
	logger *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

var _ Session = (*pionSession)(nil)

func newPionSession(api *webrtc.API, rtcConfig webrtc.Configuration, media MediaConfig, peer PeerID, emit func(SessionEvent), logger *slog.Logger) (*pionSession, error) {
	pc, err := api.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := &pionSession{
		peer:   peer,
		pc:     pc,
		emit:   emit,
		logger: logger.With("peer", peer),
		closed: make(chan struct{}),
	}
	if err := s.negotiateMedia(media); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering finished.
			return
		}
		blob, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			s.logger.Warn("encoding candidate failed", "error", err)
			return
		}
		s.emit(SessionEvent{Kind: SessionCandidate, Candidate: string(blob)})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer connection state", "state", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.emit(SessionEvent{Kind: SessionConnected})
		case webrtc.PeerConnectionStateDisconnected:
			s.emit(SessionEvent{Kind: SessionDisconnected})
		case webrtc.PeerConnectionStateFailed:
			s.emit(SessionEvent{Kind: SessionFailed, Err: errors.New("peer connection failed")})
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleTrack(remote)
	})
	return s, nil
}

// negotiateMedia wires our outbound tracks, or receive-only
// transceivers where we publish nothing.
func (s *pionSession) negotiateMedia(media MediaConfig) error {
	if media.Audio {
		var track webrtc.TrackLocal
		if media.Source != nil {
			if t := media.Source.Audio(); t != nil {
				track = t
			}
		}
		if err := s.attach(webrtc.RTPCodecTypeAudio, track); err != nil {
			return err
		}
	}
	if media.Video {
		var track webrtc.TrackLocal
		if media.Source != nil {
			if t := media.Source.Video(); t != nil {
				track = t
			}
		}
		if err := s.attach(webrtc.RTPCodecTypeVideo, track); err != nil {
			return err
		}
	}
	return nil
}

// attach adds our outbound track for kind, or a receive-only
// transceiver when track is nil.
func (s *pionSession) attach(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	if track == nil {
		_, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		return nil
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}
	// The sender's RTCP stream must be drained or the interceptors
	// stall.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// handleTrack surfaces one inbound stream and starts its pumps: a
// read loop counting packets, and for video a PLI loop that keeps
// keyframes coming.
func (s *pionSession) handleTrack(remote *webrtc.TrackRemote) {
	stream := &MediaStream{
		Peer:    s.peer,
		TrackID: remote.ID(),
		Kind:    remote.Kind().String(),
		SSRC:    uint32(remote.SSRC()),
	}
	s.logger.Info("remote track", "kind", stream.Kind, "track", stream.TrackID, "ssrc", stream.SSRC)
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		go s.pliLoop(remote.SSRC())
	}
	go func() {
		for {
			if _, _, err := remote.ReadRTP(); err != nil {
				if !errors.Is(err, io.EOF) {
					s.logger.Debug("track read ended", "error", err)
				}
				return
			}
			stream.countPacket()
		}
	}()
	s.emit(SessionEvent{Kind: SessionTrack, Stream: stream})
}

// pliLoop periodically requests a keyframe until the session closes.
func (s *pionSession) pliLoop(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}
			if err := s.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				return
			}
		}
	}
}

func (s *pionSession) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	// Trickle: candidates follow separately, no waiting on gathering.
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("apply local offer: %w", err)
	}
	return offer.SDP, nil
}

func (s *pionSession) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteOffer}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("apply remote offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("apply local answer: %w", err)
	}
	return answer.SDP, nil
}

func (s *pionSession) AcceptAnswer(remoteAnswer string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remoteAnswer}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	return nil
}

func (s *pionSession) AddCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (s *pionSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.pc.Close()
	})
	return err
}
