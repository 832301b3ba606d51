package wyoming

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Synthesizer renders text to PCM.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (pcm []byte, format AudioFormat, err error)
}

// ttsChunkBytes bounds one audio-chunk payload before base64 expansion.
const ttsChunkBytes = 4096

// TTSServer speaks the synthesis side: synthesize in, an audio-start /
// chunk stream / audio-stop sequence out.
type TTSServer struct {
	listen string
	syn    Synthesizer
	info   Info
	log    zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

func NewTTSServer(listen string, syn Synthesizer, info Info, log zerolog.Logger) *TTSServer {
	return &TTSServer{
		listen: listen,
		syn:    syn,
		info:   info,
		log:    log.With().Str("component", "tts").Logger(),
	}
}

func (s *TTSServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *TTSServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("TTS server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			s.handle(ctx, conn)
		}()
	}
}

func (s *TTSServer) handle(ctx context.Context, conn net.Conn) {
	rd := bufio.NewReader(conn)
	for {
		msg, err := ReadMessage(rd)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			if _, ok := err.(net.Error); ok {
				return
			}
			s.log.Warn().Err(err).Msg("Bad TTS frame")
			Encode(conn, TypeError, ErrorData{Text: err.Error()})
			continue
		}

		switch msg.Type {
		case TypeDescribe:
			if err := Encode(conn, TypeInfo, s.info); err != nil {
				return
			}

		case TypeSynthesize:
			var req Synthesize
			if err := msg.DecodeData(&req); err != nil {
				Encode(conn, TypeError, ErrorData{Text: "bad synthesize: " + err.Error()})
				continue
			}
			if err := s.stream(ctx, conn, req); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error().Err(err).Str("text", req.Text).Msg("Synthesis failed")
				Encode(conn, TypeError, ErrorData{Text: "synthesis failed: " + err.Error()})
			}

		default:
			Encode(conn, TypeError, ErrorData{Text: "unsupported message type " + msg.Type})
		}
	}
}

func (s *TTSServer) stream(ctx context.Context, conn net.Conn, req Synthesize) error {
	pcm, format, err := s.syn.Synthesize(ctx, req.Text, req.Voice)
	if err != nil {
		return err
	}
	if err := Encode(conn, TypeAudioStart, format); err != nil {
		return err
	}
	for off := 0; off < len(pcm); off += ttsChunkBytes {
		end := off + ttsChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := AudioChunk{
			Audio:    base64.StdEncoding.EncodeToString(pcm[off:end]),
			Rate:     format.Rate,
			Width:    format.Width,
			Channels: format.Channels,
		}
		if err := Encode(conn, TypeAudioChunk, chunk); err != nil {
			return err
		}
	}
	s.log.Info().Str("text", req.Text).Int("pcmBytes", len(pcm)).Msg("Utterance synthesized")
	return Encode(conn, TypeAudioStop, nil)
}
