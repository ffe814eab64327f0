package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	discordpkg "github.com/janerikasplund/discord-transcription/internal/discord"
)

// speakingSilenceTimeout is how long a speaker can go without frames before
// the adapter synthesizes a stopped-vocalizing event, mirroring the
// silence-based end-of-utterance detection of the voice transport.
const speakingSilenceTimeout = 1000 * time.Millisecond

type Client struct {
	session *discordgo.Session
	token   string
}

func NewClient(token string) discordpkg.Client {
	return &Client{token: token}
}

func (c *Client) Connect(ctx context.Context) error {
	_ = ctx
	s, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return err
	}
	c.session = s
	s.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates)
	s.State.TrackVoice = true
	s.State.TrackChannels = true
	s.State.TrackMembers = true
	return s.Open()
}

func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func (c *Client) JoinVoiceChannel(ctx context.Context, guildID, channelID string) (discordpkg.VoiceConnection, error) {
	type joinResult struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan joinResult, 1)
	go func() {
		vc, err := c.session.ChannelVoiceJoin(guildID, channelID, false, false)
		ch <- joinResult{vc: vc, err: err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return newVoiceConnection(c.session, res.vc, guildID, channelID), nil
	case <-ctx.Done():
		// The late join result, if any, is disconnected to avoid a leak.
		go func() {
			if res := <-ch; res.err == nil && res.vc != nil {
				_ = res.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Client) SendChannelMessage(channelID, content string) (string, error) {
	msg, err := c.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (c *Client) SendChannelMessageWithFile(msg discordpkg.FileMessage) error {
	_, err := c.session.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
		Content: msg.Content,
		Files: []*discordgo.File{
			{Name: msg.Filename, ContentType: "text/markdown", Reader: bytes.NewReader(msg.FileBody)},
		},
	})
	return err
}

func (c *Client) RegisterVoiceStateUpdateHandler(handler func(discordpkg.VoiceStateEvent)) {
	c.session.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		if vs == nil || vs.GuildID == "" || vs.UserID == "" {
			return
		}
		beforeChannelID := ""
		if vs.BeforeUpdate != nil {
			beforeChannelID = vs.BeforeUpdate.ChannelID
		}
		if beforeChannelID == vs.ChannelID && beforeChannelID != "" {
			return
		}
		handler(discordpkg.VoiceStateEvent{
			GuildID:         vs.GuildID,
			UserID:          vs.UserID,
			UserIsBot:       c.resolveUserIsBot(vs.GuildID, vs.UserID),
			BeforeChannelID: beforeChannelID,
			AfterChannelID:  vs.ChannelID,
		})
	})
}

func (c *Client) RegisterSlashCommandHandler(handler func(discordpkg.SlashCommandEvent)) {
	c.session.AddHandler(func(s *discordgo.Session, ic *discordgo.InteractionCreate) {
		if ic == nil || ic.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := ic.ApplicationCommandData()
		if data.Name == "" {
			return
		}
		userID := ""
		if ic.Member != nil && ic.Member.User != nil {
			userID = ic.Member.User.ID
		}
		if userID == "" && ic.User != nil {
			userID = ic.User.ID
		}
		if userID == "" {
			return
		}
		handler(discordpkg.SlashCommandEvent{
			GuildID:     ic.GuildID,
			ChannelID:   ic.ChannelID,
			CommandName: data.Name,
			UserID:      userID,
			RespondEphemeral: func(content string) error {
				return s.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
					Type: discordgo.InteractionResponseChannelMessageWithSource,
					Data: &discordgo.InteractionResponseData{
						Content: content,
						Flags:   discordgo.MessageFlagsEphemeral,
					},
				})
			},
		})
	})
}

func (c *Client) UpsertGuildSlashCommands(guildID string, defs []discordpkg.SlashCommandDefinition) error {
	appID := c.applicationID()
	if appID == "" {
		return fmt.Errorf("discord application id is not available")
	}
	existing, err := c.session.ApplicationCommands(appID, guildID)
	if err != nil {
		return err
	}
	existingByName := make(map[string]*discordgo.ApplicationCommand, len(existing))
	for _, cmd := range existing {
		if cmd == nil || cmd.Name == "" {
			continue
		}
		existingByName[cmd.Name] = cmd
	}
	for _, def := range defs {
		if prev, ok := existingByName[def.Name]; ok && prev.Description == def.Description {
			continue
		}
		if _, err := c.session.ApplicationCommandCreate(appID, guildID, &discordgo.ApplicationCommand{
			Name:        def.Name,
			Description: def.Description,
		}); err != nil {
			return fmt.Errorf("upsert command %q: %w", def.Name, err)
		}
	}
	return nil
}

func (c *Client) GetUserVoiceChannelID(guildID, userID string) (string, error) {
	guild, err := c.session.State.Guild(guildID)
	if err != nil {
		return "", err
	}
	for _, vs := range guild.VoiceStates {
		if vs != nil && vs.UserID == userID {
			return vs.ChannelID, nil
		}
	}
	return "", nil
}

func (c *Client) ListVoiceChannelParticipants(guildID, channelID string) ([]discordpkg.VoiceParticipant, error) {
	guild, err := c.session.State.Guild(guildID)
	if err != nil {
		return nil, err
	}
	var participants []discordpkg.VoiceParticipant
	for _, vs := range guild.VoiceStates {
		if vs == nil || vs.ChannelID != channelID {
			continue
		}
		participants = append(participants, c.resolveVoiceParticipant(guildID, vs.UserID))
	}
	return participants, nil
}

func (c *Client) FindTextChannelByName(guildID, name string) (string, error) {
	guild, err := c.session.State.Guild(guildID)
	if err == nil {
		for _, ch := range guild.Channels {
			if ch != nil && ch.Type == discordgo.ChannelTypeGuildText && ch.Name == name {
				return ch.ID, nil
			}
		}
	}
	channels, err := c.session.GuildChannels(guildID)
	if err != nil {
		return "", err
	}
	for _, ch := range channels {
		if ch != nil && ch.Type == discordgo.ChannelTypeGuildText && ch.Name == name {
			return ch.ID, nil
		}
	}
	return "", nil
}

func (c *Client) GetBotUserID() (string, error) {
	if c.session.State != nil && c.session.State.User != nil {
		return c.session.State.User.ID, nil
	}
	u, err := c.session.User("@me")
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func (c *Client) Run() error {
	select {}
}

func (c *Client) resolveUserIsBot(guildID, userID string) bool {
	member := c.resolveGuildMember(guildID, userID)
	return member != nil && member.User != nil && member.User.Bot
}

func (c *Client) resolveVoiceParticipant(guildID, userID string) discordpkg.VoiceParticipant {
	displayName := userID
	isBot := false
	member := c.resolveGuildMember(guildID, userID)
	if member != nil {
		if member.Nick != "" {
			displayName = member.Nick
		}
		if member.User != nil {
			if displayName == userID {
				displayName = preferredDiscordName(member.User.GlobalName, member.User.Username, userID)
			}
			isBot = member.User.Bot
		}
	}
	return discordpkg.VoiceParticipant{
		UserID:      userID,
		DisplayName: displayName,
		IsBot:       isBot,
	}
}

func (c *Client) resolveGuildMember(guildID, userID string) *discordgo.Member {
	if c.session == nil {
		return nil
	}
	if c.session.State != nil {
		member, err := c.session.State.Member(guildID, userID)
		if err == nil && member != nil {
			return member
		}
	}
	member, err := c.session.GuildMember(guildID, userID)
	if err != nil {
		return nil
	}
	return member
}

func preferredDiscordName(globalName, username, fallback string) string {
	if globalName != "" {
		return globalName
	}
	if username != "" {
		return username
	}
	return fallback
}

func (c *Client) applicationID() string {
	if c.session == nil || c.session.State == nil {
		return ""
	}
	if c.session.State.Application != nil && c.session.State.Application.ID != "" {
		return c.session.State.Application.ID
	}
	if c.session.State.User != nil {
		return c.session.State.User.ID
	}
	return ""
}

// voiceConnectionImpl adapts a discordgo voice connection: it demuxes opus
// packets by SSRC onto user IDs, synthesizes speaking-stop events after
// silence, and watches the transport's ready flag for state changes.
type voiceConnectionImpl struct {
	session   *discordgo.Session
	guildID   string
	channelID string

	mu         sync.Mutex
	vc         *discordgo.VoiceConnection
	speakingCb func(discordpkg.SpeakingEvent)
	stateCb    func(discordpkg.ConnectionState)
	frameCb    func(userID string, opus []byte)
	ssrcToUser map[uint32]string
	silencers  map[string]*time.Timer

	done      chan struct{}
	closeOnce sync.Once
}

func newVoiceConnection(session *discordgo.Session, vc *discordgo.VoiceConnection, guildID, channelID string) *voiceConnectionImpl {
	v := &voiceConnectionImpl{
		session:    session,
		guildID:    guildID,
		channelID:  channelID,
		vc:         vc,
		ssrcToUser: make(map[uint32]string),
		silencers:  make(map[string]*time.Timer),
		done:       make(chan struct{}),
	}
	vc.AddHandler(v.handleSpeakingUpdate)
	go v.stateWatchLoop()
	return v
}

func (v *voiceConnectionImpl) Disconnect() error {
	var err error
	v.closeOnce.Do(func() {
		close(v.done)
		v.mu.Lock()
		for _, t := range v.silencers {
			t.Stop()
		}
		v.silencers = map[string]*time.Timer{}
		vc := v.vc
		v.mu.Unlock()
		if vc != nil {
			err = vc.Disconnect()
		}
	})
	return err
}

func (v *voiceConnectionImpl) ReceiveAudio(callback func(userID string, opus []byte)) {
	v.mu.Lock()
	v.frameCb = callback
	recv := v.vc.OpusRecv
	v.mu.Unlock()
	if recv == nil {
		return
	}
	go func() {
		for {
			select {
			case <-v.done:
				return
			case p, ok := <-recv:
				if !ok {
					return
				}
				if p == nil || len(p.Opus) == 0 {
					continue
				}
				userID := v.userForSSRC(p.SSRC)
				v.touchSilencer(userID)
				callback(userID, p.Opus)
			}
		}
	}()
}

func (v *voiceConnectionImpl) OnSpeaking(callback func(discordpkg.SpeakingEvent)) {
	v.mu.Lock()
	v.speakingCb = callback
	v.mu.Unlock()
}

func (v *voiceConnectionImpl) OnStateChange(callback func(discordpkg.ConnectionState)) {
	v.mu.Lock()
	v.stateCb = callback
	v.mu.Unlock()
}

func (v *voiceConnectionImpl) Reconnect(ctx context.Context) error {
	type joinResult struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan joinResult, 1)
	go func() {
		vc, err := v.session.ChannelVoiceJoin(v.guildID, v.channelID, false, false)
		ch <- joinResult{vc: vc, err: err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		v.mu.Lock()
		v.vc = res.vc
		frameCb := v.frameCb
		v.mu.Unlock()
		res.vc.AddHandler(v.handleSpeakingUpdate)
		if frameCb != nil {
			v.ReceiveAudio(frameCb)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *voiceConnectionImpl) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	v.mu.Lock()
	if vs.Speaking {
		v.ssrcToUser[uint32(vs.SSRC)] = vs.UserID
	}
	cb := v.speakingCb
	v.mu.Unlock()
	if cb != nil && vs.Speaking {
		cb(discordpkg.SpeakingEvent{UserID: vs.UserID, Speaking: true})
	}
}

func (v *voiceConnectionImpl) userForSSRC(ssrc uint32) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if userID, ok := v.ssrcToUser[ssrc]; ok {
		return userID
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// touchSilencer arms (or re-arms) the per-user silence timer. When it fires
// without new frames, a stopped-vocalizing event is emitted.
func (v *voiceConnectionImpl) touchSilencer(userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.silencers[userID]; ok {
		t.Reset(speakingSilenceTimeout)
		return
	}
	v.silencers[userID] = time.AfterFunc(speakingSilenceTimeout, func() {
		v.mu.Lock()
		delete(v.silencers, userID)
		cb := v.speakingCb
		v.mu.Unlock()
		if cb != nil {
			cb(discordpkg.SpeakingEvent{UserID: userID, Speaking: false})
		}
	})
}

// stateWatchLoop polls the voice connection's ready flag; discordgo does not
// surface connection-state transitions as events.
func (v *voiceConnectionImpl) stateWatchLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	wasReady := true
	for {
		select {
		case <-v.done:
			return
		case <-ticker.C:
			v.mu.Lock()
			vc := v.vc
			cb := v.stateCb
			v.mu.Unlock()
			if vc == nil || cb == nil {
				continue
			}
			vc.RLock()
			ready := vc.Ready
			vc.RUnlock()
			if ready == wasReady {
				continue
			}
			wasReady = ready
			if ready {
				cb(discordpkg.ConnectionReady)
			} else {
				slog.Info("voice connection no longer ready", "guild_id", v.guildID, "channel_id", v.channelID)
				cb(discordpkg.ConnectionDisconnected)
			}
		}
	}
}
