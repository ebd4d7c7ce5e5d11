package tgui

import (
	"context"
	"fmt"
	"strings"

	kit "twitchrise/internal/transport"
)

// Message is a rendered reply: text plus send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

// Send delivers the Message through any chat sender.
func (m Message) Send(ctx context.Context, s kit.Sender, to kit.ChatTarget) (kit.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	return s.SendText(ctx, to, m.Text, m.Opt)
}

// Builder assembles an HTML reply line by line.
// Default: ParseMode=HTML, DisablePreview=true.
type Builder struct {
	disablePreview bool
	lines          []string
}

func New() *Builder {
	return &Builder{disablePreview: true}
}

// DisablePreview sets DisableWebPagePreview.
func (b *Builder) DisablePreview(v bool) *Builder {
	b.disablePreview = v
	return b
}

// Title adds a bold title line. Emoji is optional.
func (b *Builder) Title(emoji, title string) *Builder {
	e := strings.TrimSpace(emoji)
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e != "" {
		b.lines = append(b.lines, Esc(e).String()+" "+B(t).String())
	} else {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

// Line adds a single escaped line.
func (b *Builder) Line(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		b.lines = append(b.lines, "")
		return b
	}
	b.lines = append(b.lines, Esc(s).String())
	return b
}

// HTML appends already-safe markup as one line.
func (b *Builder) HTML(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

// CodeBullets renders one "• <code>item</code>" line per item.
func (b *Builder) CodeBullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.lines = append(b.lines, "• "+Code(it).String())
		}
	}
	return b
}

// Numbered renders "(1) <code>item</code>" lines starting at 1.
func (b *Builder) Numbered(items ...string) *Builder {
	for i, it := range items {
		b.lines = append(b.lines, fmt.Sprintf("(%d) %s", i+1, Code(it)))
	}
	return b
}

// KV adds a "• key: value" row with a bold key.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(strings.TrimSpace(value)).String())
	return b
}

// Build produces a ready-to-send Message.
func (b *Builder) Build() Message {
	text := strings.Trim(strings.Join(b.lines, "\n"), "\n")
	return Message{
		Text: text,
		Opt:  &kit.SendOptions{ParseMode: kit.ParseModeHTML, DisablePreview: b.disablePreview},
	}
}
