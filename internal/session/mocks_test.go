package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/janerikasplund/discord-transcription/internal/config"
	"github.com/janerikasplund/discord-transcription/internal/discord"
	"github.com/janerikasplund/discord-transcription/internal/repository"
	"github.com/janerikasplund/discord-transcription/internal/transcriber"
	"github.com/janerikasplund/discord-transcription/internal/webhook"
)

type mockRepository struct {
	mu             sync.Mutex
	createCount    int
	completedCalls []repository.CompleteSessionInput
	outputCalls    []repository.SaveSessionOutputInput
	runningList    []repository.Session
}

func (m *mockRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCount++
	return &repository.Session{
		ID:        fmt.Sprintf("session-%d", m.createCount),
		GuildID:   input.GuildID,
		ChannelID: input.ChannelID,
		Trigger:   input.Trigger,
		StartedAt: input.StartedAt,
		Status:    repository.SessionStatusRunning,
	}, nil
}

func (m *mockRepository) UpdateSessionCompleted(_ context.Context, input repository.CompleteSessionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedCalls = append(m.completedCalls, input)
	return nil
}

func (m *mockRepository) SaveSessionOutput(_ context.Context, input repository.SaveSessionOutputInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputCalls = append(m.outputCalls, input)
	return nil
}

func (m *mockRepository) ListRunningSessions(_ context.Context) ([]repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningList, nil
}

func (m *mockRepository) savedOutputs() []repository.SaveSessionOutputInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.SaveSessionOutputInput(nil), m.outputCalls...)
}

func (m *mockRepository) completed() []repository.CompleteSessionInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.CompleteSessionInput(nil), m.completedCalls...)
}

type sentMessage struct {
	channelID string
	content   string
}

type mockDiscordClient struct {
	mu                    sync.Mutex
	sendCalls             []sentMessage
	fileCalls             []discord.FileMessage
	userVoiceChannelByID  map[string]string
	participantsByChannel map[string][]discord.VoiceParticipant
	textChannelByName     map[string]string
	joinErr               error
	joinGate              chan struct{}
	listHook              func()
	lastConn              *mockVoiceConnection
}

func (m *mockDiscordClient) Connect(_ context.Context) error { return nil }
func (m *mockDiscordClient) Close() error                    { return nil }

func (m *mockDiscordClient) JoinVoiceChannel(_ context.Context, _, _ string) (discord.VoiceConnection, error) {
	m.mu.Lock()
	gate := m.joinGate
	joinErr := m.joinErr
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if joinErr != nil {
		return nil, joinErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastConn = &mockVoiceConnection{}
	return m.lastConn, nil
}

// holdJoins makes JoinVoiceChannel block until the returned release func runs.
func (m *mockDiscordClient) holdJoins() func() {
	gate := make(chan struct{})
	m.mu.Lock()
	m.joinGate = gate
	m.mu.Unlock()
	return func() { close(gate) }
}

func (m *mockDiscordClient) SendChannelMessage(channelID, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls = append(m.sendCalls, sentMessage{channelID: channelID, content: content})
	return fmt.Sprintf("msg-%d", len(m.sendCalls)), nil
}

func (m *mockDiscordClient) SendChannelMessageWithFile(msg discord.FileMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileCalls = append(m.fileCalls, msg)
	return nil
}

func (m *mockDiscordClient) RegisterVoiceStateUpdateHandler(_ func(discord.VoiceStateEvent)) {}
func (m *mockDiscordClient) RegisterSlashCommandHandler(_ func(discord.SlashCommandEvent))   {}
func (m *mockDiscordClient) UpsertGuildSlashCommands(_ string, _ []discord.SlashCommandDefinition) error {
	return nil
}

func (m *mockDiscordClient) GetUserVoiceChannelID(_, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userVoiceChannelByID == nil {
		return "", nil
	}
	return m.userVoiceChannelByID[userID], nil
}

func (m *mockDiscordClient) ListVoiceChannelParticipants(_, channelID string) ([]discord.VoiceParticipant, error) {
	m.mu.Lock()
	hook := m.listHook
	var participants []discord.VoiceParticipant
	if m.participantsByChannel != nil {
		participants = m.participantsByChannel[channelID]
	}
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return participants, nil
}

func (m *mockDiscordClient) FindTextChannelByName(_, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.textChannelByName == nil {
		return "", errors.New("no such channel")
	}
	id, ok := m.textChannelByName[name]
	if !ok {
		return "", errors.New("no such channel")
	}
	return id, nil
}

func (m *mockDiscordClient) GetBotUserID() (string, error) { return "bot-self", nil }
func (m *mockDiscordClient) Run() error                    { return nil }

func (m *mockDiscordClient) sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sendCalls...)
}

func (m *mockDiscordClient) sentFiles() []discord.FileMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]discord.FileMessage(nil), m.fileCalls...)
}

func (m *mockDiscordClient) sentContaining(substr string) int {
	count := 0
	for _, msg := range m.sent() {
		if strings.Contains(msg.content, substr) {
			count++
		}
	}
	return count
}

func (m *mockDiscordClient) conn() *mockVoiceConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConn
}

func (m *mockDiscordClient) setParticipants(channelID string, participants []discord.VoiceParticipant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.participantsByChannel == nil {
		m.participantsByChannel = make(map[string][]discord.VoiceParticipant)
	}
	m.participantsByChannel[channelID] = participants
}

type mockVoiceConnection struct {
	mu            sync.Mutex
	disconnected  bool
	reconnectErr  error
	onSpeaking    func(discord.SpeakingEvent)
	onStateChange func(discord.ConnectionState)
	onAudio       func(userID string, opusFrame []byte)
}

func (m *mockVoiceConnection) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}

func (m *mockVoiceConnection) ReceiveAudio(callback func(userID string, opusFrame []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAudio = callback
}

func (m *mockVoiceConnection) OnSpeaking(callback func(discord.SpeakingEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSpeaking = callback
}

func (m *mockVoiceConnection) OnStateChange(callback func(discord.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = callback
}

func (m *mockVoiceConnection) Reconnect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectErr
}

func (m *mockVoiceConnection) speak(userID string, speaking bool) {
	m.mu.Lock()
	cb := m.onSpeaking
	m.mu.Unlock()
	if cb != nil {
		cb(discord.SpeakingEvent{UserID: userID, Speaking: speaking})
	}
}

func (m *mockVoiceConnection) frame(userID string, data []byte) {
	m.mu.Lock()
	cb := m.onAudio
	m.mu.Unlock()
	if cb != nil {
		cb(userID, data)
	}
}

func (m *mockVoiceConnection) isDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

type mockTranscriber struct {
	mu        sync.Mutex
	openCount int
	openErr   error
	streams   map[string]*mockStream
	receivers map[string]transcriber.ResultReceiver
}

func (m *mockTranscriber) OpenStream(_ context.Context, speakerID string, receiver transcriber.ResultReceiver) (transcriber.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCount++
	if m.openErr != nil {
		return nil, m.openErr
	}
	st := &mockStream{ready: true}
	if m.streams == nil {
		m.streams = make(map[string]*mockStream)
		m.receivers = make(map[string]transcriber.ResultReceiver)
	}
	m.streams[speakerID] = st
	m.receivers[speakerID] = receiver
	return st, nil
}

func (m *mockTranscriber) opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount
}

func (m *mockTranscriber) receiver(speakerID string) transcriber.ResultReceiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivers[speakerID]
}

func (m *mockTranscriber) stream(speakerID string) *mockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[speakerID]
}

type mockStream struct {
	mu          sync.Mutex
	ready       bool
	sentFrames  [][]byte
	finishCount int
}

func (m *mockStream) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentFrames = append(m.sentFrames, frame)
	return nil
}

func (m *mockStream) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *mockStream) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishCount++
	return nil
}

func (m *mockStream) setReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

func (m *mockStream) finishes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishCount
}

func (m *mockStream) frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentFrames)
}

type mockSummarizer struct {
	mu           sync.Mutex
	summarizeErr error
	titleErr     error
	summary      string
	title        string
}

func (m *mockSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.summarizeErr != nil {
		return "", m.summarizeErr
	}
	if m.summary != "" {
		return m.summary, nil
	}
	return "### Topics\nDiscussed the roadmap.", nil
}

func (m *mockSummarizer) Title(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.titleErr != nil {
		return "", m.titleErr
	}
	if m.title != "" {
		return m.title, nil
	}
	return "Roadmap Discussion", nil
}

type mockWebhookSender struct {
	mu       sync.Mutex
	payloads []webhook.TranscriptWebhookPayload
}

func (m *mockWebhookSender) SendTranscript(_ context.Context, payload webhook.TranscriptWebhookPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockWebhookSender) sent() []webhook.TranscriptWebhookPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webhook.TranscriptWebhookPayload(nil), m.payloads...)
}

type testFixture struct {
	registry *Registry
	dc       *mockDiscordClient
	tr       *mockTranscriber
	sum      *mockSummarizer
	repo     *mockRepository
	wh       *mockWebhookSender
}

func newTestFixture() *testFixture {
	cfg := &config.Config{
		Env:                    "test",
		OutputChannelID:        "out-1",
		DefaultTextChannelName: "general",
		MaxConcurrentSessions:  5,
		MaxSessionDurationSec:  3600,
		AutoStartThreshold:     2,
	}
	dc := &mockDiscordClient{}
	tr := &mockTranscriber{}
	sum := &mockSummarizer{}
	repo := &mockRepository{}
	wh := &mockWebhookSender{}
	r := NewRegistry(cfg, dc, tr, sum, repo, wh)
	r.SetBotUserID("bot-self")
	r.settleDelay = 0
	r.membershipDebounce = time.Millisecond
	r.reconnectTimeout = 50 * time.Millisecond
	r.finalizeTimeout = 2 * time.Second
	return &testFixture{registry: r, dc: dc, tr: tr, sum: sum, repo: repo, wh: wh}
}

// startTestSession brings up an active session in guild-1/vc-1 with two
// recordable humans.
func (f *testFixture) startTestSession(t *testing.T, trigger Trigger) *Session {
	t.Helper()
	f.dc.setParticipants("vc-1", []discord.VoiceParticipant{
		{UserID: "user-1", DisplayName: "alice"},
		{UserID: "user-2", DisplayName: "bob"},
		{UserID: "bot-self", DisplayName: "recorder", IsBot: true},
	})
	s, err := f.registry.StartSession(context.Background(), "guild-1", "vc-1", trigger)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	return s
}

func voiceLeave(guildID, userID, channelID string) discord.VoiceStateEvent {
	return discord.VoiceStateEvent{GuildID: guildID, UserID: userID, BeforeChannelID: channelID}
}

func (f *testFixture) stopAndWait(guildID, reason string) {
	f.registry.StopSession(guildID, reason)
	f.registry.finalizeWG.Wait()
}
