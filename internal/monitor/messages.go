package monitor

import (
	"fmt"
	"strings"

	"twitchrise/internal/notifier"
	"twitchrise/internal/twitch"
)

func channelURL(name string) string { return "https://twitch.tv/" + name }

func liveMessage(emoji, verb string, st twitch.ChannelState) notifier.Message {
	var b strings.Builder
	if st.Title != "" {
		b.WriteString(st.Title + "\n")
	}
	if st.Game != "" {
		fmt.Fprintf(&b, "Game: %s\n", st.Game)
	}
	fmt.Fprintf(&b, "Viewers: %d\n", st.Viewers)
	b.WriteString(channelURL(st.Login))
	return notifier.Message{
		Title: fmt.Sprintf("%s %s %s", emoji, st.Login, verb),
		Body:  b.String(),
	}
}

func offlineMessage(name string) notifier.Message {
	return notifier.Message{
		Title: fmt.Sprintf("⚫ %s has gone offline.", name),
		Body:  fmt.Sprintf("%s is no longer streaming.\n%s", name, channelURL(name)),
	}
}
