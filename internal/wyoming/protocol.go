// Package wyoming implements the Wyoming voice protocol: line-delimited
// JSON messages over TCP, with base64 PCM audio, as spoken by Home
// Assistant's speech satellites.
package wyoming

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Message types.
const (
	TypeDescribe   = "describe"
	TypeInfo       = "info"
	TypeAudioStart = "audio-start"
	TypeAudioChunk = "audio-chunk"
	TypeAudioStop  = "audio-stop"
	TypeTranscript = "transcript"
	TypeSynthesize = "synthesize"
	TypeError      = "error"
)

// Message is one frame on the wire: a JSON object per line.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AudioFormat describes a PCM stream. Width is bytes per sample.
type AudioFormat struct {
	Rate     int `json:"rate"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// AudioChunk carries base64-encoded little-endian PCM.
type AudioChunk struct {
	Audio    string `json:"audio"`
	Rate     int    `json:"rate"`
	Width    int    `json:"width"`
	Channels int    `json:"channels"`
}

type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

type Synthesize struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// ASRProgram and TTSProgram populate the info reply to describe.
type ASRProgram struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
}

type TTSProgram struct {
	Name   string   `json:"name"`
	Voices []string `json:"voices,omitempty"`
}

type Info struct {
	ASR []ASRProgram `json:"asr,omitempty"`
	TTS []TTSProgram `json:"tts,omitempty"`
}

type ErrorData struct {
	Text string `json:"text"`
	Code any    `json:"code"`
}

// Encode writes one message. A nil payload sends an empty data object.
func Encode(w io.Writer, msgType string, payload any) error {
	data := json.RawMessage(`{}`)
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = raw
	}
	raw, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = w.Write(raw)
	return err
}

// ReadMessage reads one newline-terminated frame.
func ReadMessage(r *bufio.Reader) (Message, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("wyoming: malformed frame: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("wyoming: frame missing type")
	}
	return m, nil
}

// DecodeData unmarshals the message payload into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}
