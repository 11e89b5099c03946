// Package discord bridges a Discord channel into the event loop: every
// non-self message becomes an Event published to the orchestrator, with
// explicit salience overrides derived from who sent it and how.
package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/vthunder/gladys/internal/logging"
	"github.com/vthunder/gladys/internal/orchestrator"
	"github.com/vthunder/gladys/internal/types"
)

// Publisher is the slice of the orchestrator client the sensor needs.
type Publisher interface {
	PublishEvent(ctx context.Context, ev *types.Event) (*orchestrator.EventAck, error)
}

// Config holds Discord connection settings.
type Config struct {
	Token     string
	ChannelID string // empty means every channel the bot can read
	OwnerID   string
}

// Sensor listens to Discord and publishes events.
type Sensor struct {
	session   *discordgo.Session
	channelID string
	ownerID   string
	botID     string
	publisher Publisher
}

// NewSensor creates a Discord sensor publishing through the given client.
func NewSensor(cfg Config, publisher Publisher) (*Sensor, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	s := &Sensor{
		session:   session,
		channelID: cfg.ChannelID,
		ownerID:   cfg.OwnerID,
		publisher: publisher,
	}

	session.AddHandler(s.handleMessage)
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	return s, nil
}

// Start connects to Discord and begins listening.
func (s *Sensor) Start() error {
	if err := s.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	s.botID = s.session.State.User.ID
	logging.Info("discord", "connected as %s", s.session.State.User.Username)
	return nil
}

// Stop disconnects from Discord.
func (s *Sensor) Stop() error {
	return s.session.Close()
}

func (s *Sensor) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.botID {
		return
	}
	if s.channelID != "" && m.ChannelID != s.channelID {
		return
	}

	ev := s.messageToEvent(m)
	logging.Info("discord", "event %s: %s (threat %.2f)",
		ev.ID, logging.Truncate(m.Content, 50), ev.Salience.Threat)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ack, err := s.publisher.PublishEvent(ctx, ev)
	if err != nil {
		logging.Error("discord", "publish failed for %s: %v", ev.ID, err)
		return
	}
	if !ack.Accepted {
		logging.Warn("discord", "event %s rejected: %s", ev.ID, ack.ErrorMessage)
	}
}

// messageToEvent converts one message into an Event with explicit
// salience so the message's social weight survives routing.
func (s *Sensor) messageToEvent(m *discordgo.MessageCreate) *types.Event {
	return &types.Event{
		ID:        fmt.Sprintf("discord-%s-%s", m.ChannelID, m.ID),
		Source:    "discord:" + m.ChannelID,
		Type:      "message",
		RawText:   m.Content,
		Timestamp: time.Now(),
		Salience:  s.computeSalience(m),
	}
}

// computeSalience maps message traits onto the salience vector: owner
// messages, DMs, mentions, and urgent keywords all raise the stakes.
func (s *Sensor) computeSalience(m *discordgo.MessageCreate) *types.SalienceVector {
	threat := 0.1
	social := 0.5
	actionability := 0.5

	if m.Author.ID == s.ownerID && s.ownerID != "" {
		social = 0.9
		actionability = 0.8
	}
	if m.GuildID == "" { // direct message
		social = maxf(social, 0.8)
		actionability = maxf(actionability, 0.7)
	}
	if s.mentionsBot(m) {
		social = maxf(social, 0.85)
		actionability = maxf(actionability, 0.8)
	}

	content := strings.ToLower(m.Content)
	for _, kw := range []string{"urgent", "asap", "help", "error", "broken", "emergency"} {
		if strings.Contains(content, kw) {
			threat = 0.7
			actionability = maxf(actionability, 0.8)
			break
		}
	}

	overall := maxf(threat, (social+actionability)/2)
	return &types.SalienceVector{
		Threat:   threat,
		Salience: overall,
		Vector: map[string]float64{
			"social":        social,
			"actionability": actionability,
		},
		ModelID: "discord-sensor",
	}
}

func (s *Sensor) mentionsBot(m *discordgo.MessageCreate) bool {
	for _, mention := range m.Mentions {
		if mention.ID == s.botID {
			return true
		}
	}
	return false
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
