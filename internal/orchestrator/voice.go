package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nightwatch-obs/nightwatch/internal/events"
	"github.com/nightwatch-obs/nightwatch/internal/registry"
	"github.com/nightwatch-obs/nightwatch/internal/voice"
	"github.com/nightwatch-obs/nightwatch/internal/wyoming"
)

// voiceStack holds the externally supplied speech engines. The orchestrator
// provides protocol servers and turn coordination; recognition, synthesis,
// and language understanding are pluggable.
type voiceStack struct {
	transcriber wyoming.Transcriber
	synthesizer wyoming.Synthesizer
	llm         voice.LLM
	player      voice.Player
}

// WithVoicePipeline attaches the speech engines that back the voice control
// surface. All four must be present for the pipeline to start.
func WithVoicePipeline(tr wyoming.Transcriber, syn wyoming.Synthesizer, llm voice.LLM, player voice.Player) Option {
	return func(o *Orchestrator) {
		o.voice = voiceStack{transcriber: tr, synthesizer: syn, llm: llm, player: player}
	}
}

// sttAdapter narrows a Wyoming transcriber to the coordinator's interface,
// pinning the capture format used by the local audio path.
type sttAdapter struct {
	tr wyoming.Transcriber
}

func (a sttAdapter) Transcribe(ctx context.Context, pcm []byte) (string, float64, error) {
	return a.tr.Transcribe(ctx, pcm, wyoming.AudioFormat{Rate: 16000, Width: 2, Channels: 1})
}

type ttsAdapter struct {
	syn wyoming.Synthesizer
}

func (a ttsAdapter) Synthesize(ctx context.Context, text string) ([]byte, error) {
	pcm, _, err := a.syn.Synthesize(ctx, text, "")
	return pcm, err
}

// transcriptTap forwards each successful transcription into the coordinator
// so utterances arriving over the Wyoming socket drive the same turn
// pipeline as local audio.
type transcriptTap struct {
	tr    wyoming.Transcriber
	coord *voice.Coordinator
}

func (t transcriptTap) Transcribe(ctx context.Context, pcm []byte, f wyoming.AudioFormat) (string, float64, error) {
	text, confidence, err := t.tr.Transcribe(ctx, pcm, f)
	if err == nil {
		go t.coord.HandleTranscript(context.WithoutCancel(ctx), text, confidence)
	}
	return text, confidence, err
}

func (o *Orchestrator) startVoice(ctx context.Context) {
	if !o.cfg.Voice.Enabled {
		return
	}
	v := o.voice
	if v.transcriber == nil || v.synthesizer == nil || v.llm == nil || v.player == nil {
		o.log.Warn().Msg("Voice enabled but no speech engines attached, pipeline skipped")
		return
	}

	coord := voice.NewCoordinator(voice.Config{
		ConfidenceThreshold: o.cfg.Voice.ConfidenceThreshold,
		QueueSize:           o.cfg.Voice.QueueSize,
	}, sttAdapter{v.transcriber}, ttsAdapter{v.synthesizer}, v.llm, v.player, o, o.log)
	go coord.Run(ctx)

	info := wyoming.Info{
		ASR: []wyoming.ASRProgram{{Name: "nightwatch-stt", Installed: true}},
		TTS: []wyoming.TTSProgram{{Name: "nightwatch-tts"}},
	}
	sttSrv := wyoming.NewSTTServer(o.cfg.Voice.STTListen, transcriptTap{tr: v.transcriber, coord: coord}, info, o.log)
	ttsSrv := wyoming.NewTTSServer(o.cfg.Voice.TTSListen, v.synthesizer, info, o.log)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sttSrv.Serve(gctx) })
	g.Go(func() error { return ttsSrv.Serve(gctx) })
	go func() {
		if err := g.Wait(); err != nil {
			o.log.Error().Err(err).Msg("Voice protocol server stopped")
		}
	}()

	o.reg.Register("voice", coord, false)
	o.reg.SetStatus("voice", registry.StatusRunning, "")
	o.met.ServiceStarted("voice")
	o.bus.Emit(events.Event{Type: events.ServiceStarted, Source: "voice"})
	o.log.Info().
		Str("stt", o.cfg.Voice.STTListen).
		Str("tts", o.cfg.Voice.TTSListen).
		Msg("Voice pipeline started")
}
