package discord

import "context"

type FileMessage struct {
	ChannelID string
	Content   string
	Filename  string
	FileBody  []byte
}

type SlashCommandDefinition struct {
	Name        string
	Description string
}

type SlashCommandEvent struct {
	GuildID          string
	ChannelID        string
	CommandName      string
	UserID           string
	RespondEphemeral func(content string) error
}

type VoiceStateEvent struct {
	GuildID         string
	UserID          string
	UserIsBot       bool
	BeforeChannelID string
	AfterChannelID  string
}

type SpeakingEvent struct {
	UserID   string
	Speaking bool
}

// ConnectionState mirrors the transport's own view of the voice link.
type ConnectionState int

const (
	ConnectionReady ConnectionState = iota
	ConnectionReconnecting
	ConnectionDisconnected
)

type VoiceParticipant struct {
	UserID      string
	DisplayName string
	IsBot       bool
}

type Client interface {
	Connect(ctx context.Context) error
	Close() error
	// JoinVoiceChannel blocks until the transport reports ready or ctx expires.
	JoinVoiceChannel(ctx context.Context, guildID, channelID string) (VoiceConnection, error)
	SendChannelMessage(channelID, content string) (messageID string, err error)
	SendChannelMessageWithFile(msg FileMessage) error
	RegisterVoiceStateUpdateHandler(handler func(VoiceStateEvent))
	RegisterSlashCommandHandler(handler func(SlashCommandEvent))
	UpsertGuildSlashCommands(guildID string, defs []SlashCommandDefinition) error
	GetUserVoiceChannelID(guildID, userID string) (string, error)
	ListVoiceChannelParticipants(guildID, channelID string) ([]VoiceParticipant, error)
	FindTextChannelByName(guildID, name string) (string, error)
	GetBotUserID() (string, error)
	Run() error
}

type VoiceConnection interface {
	Disconnect() error
	// ReceiveAudio delivers decoded-source opus frames per speaking user until
	// the connection is torn down.
	ReceiveAudio(callback func(userID string, opusFrame []byte))
	OnSpeaking(callback func(SpeakingEvent))
	OnStateChange(callback func(ConnectionState))
	// Reconnect attempts to re-establish a dropped voice link, bounded by ctx.
	Reconnect(ctx context.Context) error
}
