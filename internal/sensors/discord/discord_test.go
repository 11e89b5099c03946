package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func message(authorID, guildID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-1",
			ChannelID: "chan-1",
			GuildID:   guildID,
			Content:   content,
			Author:    &discordgo.User{ID: authorID, Username: "someone"},
		},
	}
}

// TestMessageToEvent tests id, source, and content mapping.
func TestMessageToEvent(t *testing.T) {
	s := &Sensor{ownerID: "owner", botID: "bot"}

	ev := s.messageToEvent(message("user", "guild-1", "hello there"))
	if ev.ID != "discord-chan-1-msg-1" {
		t.Errorf("Expected composed event id, got %q", ev.ID)
	}
	if ev.Source != "discord:chan-1" {
		t.Errorf("Expected channel-scoped source, got %q", ev.Source)
	}
	if ev.RawText != "hello there" || ev.Type != "message" {
		t.Errorf("Expected content carried through, got %+v", ev)
	}
	if !ev.HasExplicitSalience() {
		t.Error("Expected explicit salience on discord events")
	}
}

// TestComputeSalienceBoosts tests the override ladder: plain message,
// owner, DM, urgent keyword.
func TestComputeSalienceBoosts(t *testing.T) {
	s := &Sensor{ownerID: "owner", botID: "bot"}

	plain := s.computeSalience(message("user", "guild-1", "nice weather"))
	if plain.Threat > 0.2 || plain.Vector["social"] != 0.5 {
		t.Errorf("Expected baseline scores for plain message, got %+v", plain)
	}

	owner := s.computeSalience(message("owner", "guild-1", "look at this"))
	if owner.Vector["social"] != 0.9 {
		t.Errorf("Expected owner social boost, got %f", owner.Vector["social"])
	}

	dm := s.computeSalience(message("user", "", "hi"))
	if dm.Vector["social"] < 0.8 {
		t.Errorf("Expected DM social boost, got %f", dm.Vector["social"])
	}

	urgent := s.computeSalience(message("user", "guild-1", "URGENT: the build is broken"))
	if urgent.Threat != 0.7 {
		t.Errorf("Expected urgent keyword threat boost, got %f", urgent.Threat)
	}
	if urgent.Salience < urgent.Threat {
		t.Errorf("Expected overall salience at least threat, got %f", urgent.Salience)
	}
}
