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

// Transcriber converts a finished PCM utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, format AudioFormat) (text string, confidence float64, err error)
}

// sttState is the per-connection FSM.
type sttState int

const (
	sttIdle sttState = iota
	sttStreaming
)

// STTServer speaks the ASR side of the protocol: audio-start, chunks,
// audio-stop, then one final transcript.
type STTServer struct {
	listen string
	tr     Transcriber
	info   Info
	log    zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

func NewSTTServer(listen string, tr Transcriber, info Info, log zerolog.Logger) *STTServer {
	return &STTServer{
		listen: listen,
		tr:     tr,
		info:   info,
		log:    log.With().Str("component", "stt").Logger(),
	}
}

// Addr returns the bound address once Serve has started listening.
func (s *STTServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled.
func (s *STTServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("STT server listening")

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

func (s *STTServer) handle(ctx context.Context, conn net.Conn) {
	rd := bufio.NewReader(conn)
	state := sttIdle
	var format AudioFormat
	var pcm []byte

	for {
		msg, err := ReadMessage(rd)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			if _, ok := err.(net.Error); ok {
				return
			}
			s.log.Warn().Err(err).Msg("Bad STT frame")
			Encode(conn, TypeError, ErrorData{Text: err.Error()})
			continue
		}

		switch msg.Type {
		case TypeDescribe:
			if err := Encode(conn, TypeInfo, s.info); err != nil {
				return
			}

		case TypeAudioStart:
			if err := msg.DecodeData(&format); err != nil {
				Encode(conn, TypeError, ErrorData{Text: "bad audio-start: " + err.Error()})
				continue
			}
			state = sttStreaming
			pcm = pcm[:0]

		case TypeAudioChunk:
			if state != sttStreaming {
				s.log.Debug().Msg("Audio chunk outside stream, dropping")
				continue
			}
			var chunk AudioChunk
			if err := msg.DecodeData(&chunk); err != nil {
				Encode(conn, TypeError, ErrorData{Text: "bad audio-chunk: " + err.Error()})
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(chunk.Audio)
			if err != nil {
				Encode(conn, TypeError, ErrorData{Text: "bad audio payload: " + err.Error()})
				continue
			}
			pcm = append(pcm, raw...)

		case TypeAudioStop:
			if state != sttStreaming {
				continue
			}
			state = sttIdle
			text, confidence, err := s.tr.Transcribe(ctx, pcm, format)
			if err != nil {
				s.log.Error().Err(err).Msg("Transcription failed")
				Encode(conn, TypeError, ErrorData{Text: "transcription failed: " + err.Error()})
				continue
			}
			s.log.Info().Str("text", text).Float64("confidence", confidence).
				Int("pcmBytes", len(pcm)).Msg("Utterance transcribed")
			if err := Encode(conn, TypeTranscript, Transcript{
				Text:       text,
				Confidence: confidence,
				IsFinal:    true,
			}); err != nil {
				return
			}

		default:
			Encode(conn, TypeError, ErrorData{Text: "unsupported message type " + msg.Type})
		}
	}
}
