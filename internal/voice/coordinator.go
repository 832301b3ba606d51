// Package voice orchestrates a complete spoken turn: an utterance arrives
// from speech recognition, an external language model picks a reply or a
// tool call, the tool executor runs it, and the textual outcome is
// synthesized and played. Responses queue; a new utterance barges in.
package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nightwatch-obs/nightwatch/internal/tools"
)

// STT produces text for a finished utterance's PCM.
type STT interface {
	Transcribe(ctx context.Context, pcm []byte) (text string, confidence float64, err error)
}

// TTS renders text to PCM.
type TTS interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Decision is what the language model returns for an utterance: either a
// spoken reply or a tool call.
type Decision struct {
	Say  string
	Tool string
	Args tools.Params
}

// LLM turns a transcript into a decision. It is external to the core.
type LLM interface {
	Decide(ctx context.Context, transcript string) (Decision, error)
}

// Player emits synthesized audio. Stop halts the current utterance.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
	Stop()
}

// Executor dispatches tool calls.
type Executor interface {
	Execute(ctx context.Context, name string, params tools.Params) tools.Result
}

// Fixed response library. Short, specific, and predictable for the
// operator's ear.
const (
	respUnclear      = "Sorry, I didn't catch that. Could you repeat it?"
	respNoDecision   = "I'm not sure how to help with that."
	respToolTimeout  = "That took too long and was cancelled."
	respNotReachable = "Mount is not responding."
)

func vetoResponse(reasons string) string {
	return "I can't do that: conditions are unsafe because " + reasons + "."
}

// Config tunes the coordinator.
type Config struct {
	ConfidenceThreshold float64
	QueueSize           int
}

// Coordinator runs the voice turn pipeline.
type Coordinator struct {
	cfg      Config
	stt      STT
	tts      TTS
	llm      LLM
	player   Player
	executor Executor
	log      zerolog.Logger

	mu      sync.Mutex
	queue   []string
	playing bool
	wake    chan struct{}
}

func NewCoordinator(cfg Config, stt STT, tts TTS, llm LLM, player Player, executor Executor, log zerolog.Logger) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.5
	}
	return &Coordinator{
		cfg:      cfg,
		stt:      stt,
		tts:      tts,
		llm:      llm,
		player:   player,
		executor: executor,
		log:      log.With().Str("component", "voice").Logger(),
		wake:     make(chan struct{}, 1),
	}
}

// HandleUtterance runs one full turn for a captured utterance. It returns
// the text queued for speech, empty when the turn produced no output.
func (c *Coordinator) HandleUtterance(ctx context.Context, pcm []byte) (string, error) {
	text, confidence, err := c.stt.Transcribe(ctx, pcm)
	if err != nil {
		return "", fmt.Errorf("voice: transcription: %w", err)
	}
	return c.HandleTranscript(ctx, text, confidence)
}

// HandleTranscript is the entry point when recognition happened elsewhere
// (the Wyoming STT server feeds this).
func (c *Coordinator) HandleTranscript(ctx context.Context, text string, confidence float64) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		c.log.Debug().Msg("Empty transcript, nothing to do")
		return "", nil
	}
	if confidence < c.cfg.ConfidenceThreshold {
		c.log.Info().Float64("confidence", confidence).Str("text", text).Msg("Low confidence, asking for clarification")
		c.Say(ctx, respUnclear)
		return respUnclear, nil
	}

	decision, err := c.llm.Decide(ctx, text)
	if err != nil {
		c.log.Error().Err(err).Msg("Language model call failed")
		c.Say(ctx, respNoDecision)
		return respNoDecision, nil
	}

	reply := decision.Say
	if decision.Tool != "" {
		reply = c.runTool(ctx, decision)
	}
	if reply == "" {
		return "", nil
	}
	c.Say(ctx, reply)
	return reply, nil
}

// runTool dispatches the call and maps the result to a spoken reply.
func (c *Coordinator) runTool(ctx context.Context, d Decision) string {
	res := c.executor.Execute(ctx, d.Tool, d.Args)
	switch res.Status {
	case tools.StatusSuccess:
		if res.Message != "" {
			return res.Message
		}
		return "Done."
	case tools.StatusVetoed:
		reasons := "of current conditions"
		if rs, ok := res.Data["reasons"].([]string); ok && len(rs) > 0 {
			reasons = strings.Join(rs, ", ")
		}
		return vetoResponse(reasons)
	case tools.StatusTimeout:
		return respToolTimeout
	case tools.StatusNotFound, tools.StatusInvalidParams:
		return "I can't do that: " + res.Message
	default:
		if strings.Contains(strings.ToLower(res.Message), "not found") {
			return res.Message
		}
		if res.Message != "" {
			return res.Message
		}
		return respNotReachable
	}
}

// Say queues text for synthesis and playback. When the queue is full the
// oldest pending utterance is dropped.
func (c *Coordinator) Say(ctx context.Context, text string) {
	c.mu.Lock()
	c.queue = append(c.queue, text)
	if len(c.queue) > c.cfg.QueueSize {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.log.Warn().Str("dropped", dropped).Msg("Speech queue full, dropping oldest")
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stop implements barge-in: the queue is cleared and playback halts.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()
	c.player.Stop()
	c.log.Debug().Msg("Playback stopped, queue cleared")
}

// QueueDepth reports how many utterances are pending.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Run drains the speech queue until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			text := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if err := c.speak(ctx, text); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Error().Err(err).Str("text", text).Msg("Speech playback failed")
			}
		}
	}
}

func (c *Coordinator) speak(ctx context.Context, text string) error {
	pcm, err := c.tts.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	return c.player.Play(ctx, pcm)
}
