package live

import (
	"strings"

	"google.golang.org/genai"

	"github.com/teslashibe/friday/pkg/pcm"
)

// Client messages of the BidiGenerateContent protocol.

type clientSetup struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *wireContent     `json:"systemInstruction,omitempty"`
	Tools                    []wireTool       `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []Modality    `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text       string    `json:"text,omitempty"`
	InlineData *pcm.Blob `json:"inlineData,omitempty"`
}

type wireTool struct {
	FunctionDeclarations []*genai.FunctionDeclaration `json:"functionDeclarations"`
}

type realtimeInputMsg struct {
	RealtimeInput realtimeInputBody `json:"realtimeInput"`
}

type realtimeInputBody struct {
	Audio       *pcm.Blob  `json:"audio,omitempty"`
	Video       *pcm.Blob  `json:"video,omitempty"`
	MediaChunks []pcm.Blob `json:"mediaChunks,omitempty"`
	Text        string     `json:"text,omitempty"`
}

// Realtime media slots.
const (
	slotAudio = "audio"
	slotVideo = "video"
	slotMedia = "media"
)

// mediaSlot picks the realtimeInput field for a MIME type. Audio and images
// have dedicated fields; anything else, such as a PDF, goes in the generic
// media slot.
func mediaSlot(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "audio/"):
		return slotAudio
	case strings.HasPrefix(mimeType, "image/"):
		return slotVideo
	default:
		return slotMedia
	}
}

type toolResponseMsg struct {
	ToolResponse toolResponseBody `json:"toolResponse"`
}

type toolResponseBody struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Server messages.

type serverMessage struct {
	SetupComplete        *struct{}             `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *goAway               `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn           *wireContent   `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCall struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

// newSetup builds the setup message for cfg.
func newSetup(cfg Config) clientSetup {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modality := cfg.ResponseModality
	if modality == "" {
		modality = ModalityAudio
	}

	body := setupBody{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []Modality{modality},
		},
	}
	if cfg.Voice != "" {
		body.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.Instructions != "" {
		body.SystemInstruction = &wireContent{Parts: []wirePart{{Text: cfg.Instructions}}}
	}
	if decls := functionDeclarations(cfg.Tools); len(decls) > 0 {
		body.Tools = []wireTool{{FunctionDeclarations: decls}}
	}
	if cfg.Transcribe {
		body.InputAudioTranscription = &struct{}{}
		body.OutputAudioTranscription = &struct{}{}
	}
	return clientSetup{Setup: body}
}

// toMessage demultiplexes a server message. Setup acknowledgements are
// handled by the caller and yield nil.
func (sm *serverMessage) toMessage() *Message {
	msg := &Message{}

	if sc := sm.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil {
					msg.Audio = append(msg.Audio, *part.InlineData)
				}
				msg.Text += part.Text
			}
		}
		msg.Interrupted = sc.Interrupted
		msg.TurnComplete = sc.TurnComplete
		if sc.InputTranscription != nil {
			msg.InputTranscript = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			msg.OutputTranscript = sc.OutputTranscription.Text
		}
	}

	if tc := sm.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: fc.ID, Name: fc.Name, Args: args})
		}
	}

	if sm.ToolCallCancellation != nil {
		msg.CancelledCalls = sm.ToolCallCancellation.IDs
	}
	msg.GoAway = sm.GoAway != nil

	return msg
}
