package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	transcriberpkg "github.com/janerikasplund/discord-transcription/internal/transcriber"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"

	audioSampleRateHertz = 48000
	audioChannelCount    = 2
	utteranceEndMillis   = 1000

	audioQueueDepth  = 256
	finishFlushBound = 5 * time.Second
)

type DeepgramConfig struct {
	APIKey   string
	Model    string
	Language string
	Keyterms []string
}

type DeepgramTranscriber struct {
	apiKey   string
	model    string
	language string
	keyterms []string
}

func NewDeepgramTranscriber(cfg DeepgramConfig) transcriberpkg.Transcriber {
	return &DeepgramTranscriber{
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		keyterms: cfg.Keyterms,
	}
}

// OpenStream dials one live-transcription websocket for one speaker. Audio
// is forwarded as raw opus; Deepgram handles decode, punctuation, and
// silence-based utterance segmentation.
func (t *DeepgramTranscriber) OpenStream(ctx context.Context, speakerID string, receiver transcriberpkg.ResultReceiver) (transcriberpkg.Stream, error) {
	wsURL, err := t.buildURL()
	if err != nil {
		return nil, fmt.Errorf("deepgram: build url: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+t.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	slog.Info("deepgram stream opened", "speaker_id", speakerID, "model", t.model, "language", t.language)

	s := &stream{
		conn:      conn,
		receiver:  receiver,
		speakerID: speakerID,
		audio:     make(chan []byte, audioQueueDepth),
		done:      make(chan struct{}),
		flushed:   make(chan struct{}),
	}
	s.ready.Store(true)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

func (t *DeepgramTranscriber) buildURL() (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", t.model)
	q.Set("language", t.language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("diarize", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", "opus")
	q.Set("sample_rate", strconv.Itoa(audioSampleRateHertz))
	q.Set("channels", strconv.Itoa(audioChannelCount))
	q.Set("utterance_end_ms", strconv.Itoa(utteranceEndMillis))
	for _, term := range t.keyterms {
		q.Add("keywords", term)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON shape of a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type stream struct {
	conn      *websocket.Conn
	receiver  transcriberpkg.ResultReceiver
	speakerID string
	audio     chan []byte

	ready      atomic.Bool
	done       chan struct{}
	flushed    chan struct{} // closed when the read loop exits
	finishOnce sync.Once
	closeOnce  sync.Once
}

func (s *stream) Ready() bool {
	return s.ready.Load()
}

func (s *stream) Send(opusFrame []byte) error {
	if !s.ready.Load() {
		return errors.New("deepgram: stream is closed")
	}
	select {
	case s.audio <- opusFrame:
		return nil
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	}
}

// Finish asks Deepgram to flush pending audio, waits briefly for the final
// results to arrive, then closes the socket. Safe to call more than once.
func (s *stream) Finish() error {
	s.finishOnce.Do(func() {
		s.ready.Store(false)
		close(s.done)
		writeCtx, cancel := context.WithTimeout(context.Background(), finishFlushBound)
		defer cancel()
		if err := s.conn.Write(writeCtx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
			slog.Warn("deepgram close-stream write failed", "error", err, "speaker_id", s.speakerID)
		}
		select {
		case <-s.flushed:
		case <-time.After(finishFlushBound):
			slog.Warn("deepgram flush timed out", "speaker_id", s.speakerID)
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream finished")
	})
	return nil
}

func (s *stream) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.ready.Store(false)
				return
			}
		}
	}
}

func (s *stream) readLoop(ctx context.Context) {
	defer close(s.flushed)
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.ready.Store(false)
			s.dispatchClose(err)
			return
		}
		if f, ok := s.parseResults(msg); ok {
			s.receiver.OnFragment(f)
		}
	}
}

// dispatchClose reports stream end to the receiver exactly once, with nil
// for a graceful close.
func (s *stream) dispatchClose(err error) {
	s.closeOnce.Do(func() {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
			err = nil
		}
		s.receiver.OnClose(err)
	})
}

func (s *stream) parseResults(data []byte) (transcriberpkg.Fragment, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return transcriberpkg.Fragment{}, false
	}
	if resp.Type != "Results" || !resp.IsFinal {
		return transcriberpkg.Fragment{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return transcriberpkg.Fragment{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return transcriberpkg.Fragment{}, false
	}

	raw := make([]byte, 0, len(alt.Transcript))
	for i, w := range alt.Words {
		if i > 0 {
			raw = append(raw, ' ')
		}
		raw = append(raw, w.Word...)
	}
	text := string(raw)
	if text == "" {
		text = alt.Transcript
	}

	return transcriberpkg.Fragment{
		SpeakerID:  s.speakerID,
		Text:       text,
		Punctuated: alt.Transcript,
		Start:      time.Duration(resp.Start * float64(time.Second)),
		End:        time.Duration((resp.Start + resp.Duration) * float64(time.Second)),
		Confidence: alt.Confidence,
	}, true
}
