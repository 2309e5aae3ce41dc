package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultDmInterval is how often the bot checks for new direct messages.
const DefaultDmInterval = 10 * time.Second

const helpText = `📚 Bluesky → Readwise bot

Send me a post link to save it:
  https://bsky.app/profile/alice.bsky.social/post/abc123

Add a note after the link and it is saved with the highlight.
Add +links to also save every link in the post to Reader.

Commands:
  register <token>  connect your Readwise account (readwise.io/access_token)
  settings          manage bookmark sync
  help              show this message`

// DmBot answers direct messages sent to the bot account.
type DmBot struct {
	messenger   Messenger
	processor   *Processor
	readwise    Readwise
	users       UserRepository
	settings    SettingsRepository
	dedup       DedupRepository
	settingsURL string
	interval    time.Duration
	logger      *slog.Logger
}

// NewDmBot creates a DmBot. settingsURL is sent in reply to the settings
// command; a zero interval uses DefaultDmInterval.
func NewDmBot(
	messenger Messenger,
	processor *Processor,
	readwise Readwise,
	users UserRepository,
	settings SettingsRepository,
	dedup DedupRepository,
	settingsURL string,
	interval time.Duration,
	logger *slog.Logger,
) *DmBot {
	if interval <= 0 {
		interval = DefaultDmInterval
	}
	return &DmBot{
		messenger:   messenger,
		processor:   processor,
		readwise:    readwise,
		users:       users,
		settings:    settings,
		dedup:       dedup,
		settingsURL: settingsURL,
		interval:    interval,
		logger:      logger,
	}
}

// Run polls immediately and then on every interval until ctx is cancelled.
func (b *DmBot) Run(ctx context.Context) {
	b.logger.Info("starting dm bot", "interval", b.interval)
	b.Poll(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("dm bot stopped")
			return
		case <-ticker.C:
			b.Poll(ctx)
		}
	}
}

// Poll handles every new message once. A failing message is answered with an
// error reply and never stops the rest of the batch. Cancelling ctx stops the
// batch between messages; a message already claimed is still answered.
func (b *DmBot) Poll(ctx context.Context) {
	messages, err := b.messenger.ListNewMessages(ctx)
	if err != nil {
		b.logger.Error("failed to list messages", "error", err)
		return
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ItemTimeout)
		b.handle(itemCtx, msg)
		cancel()
	}
}

func (b *DmBot) handle(ctx context.Context, msg Message) {
	logger := b.logger.With("message_id", msg.ID, "convo_id", msg.ConvoID, "sender_did", msg.SenderDID)

	claimed, err := b.dedup.ClaimMessage(ctx, msg.ID, msg.ConvoID, msg.SenderDID)
	if err != nil {
		logger.Error("failed to claim message", "error", err)
		return
	}
	if !claimed {
		logger.Debug("message already handled")
		return
	}

	var reply string
	token, err := b.readwiseToken(ctx, msg.SenderDID)
	if err != nil {
		logger.Error("failed to look up sender", "error", err)
		reply = errorReply(err)
	} else if reply, err = b.ProcessMessage(ctx, msg, token); err != nil {
		logger.Warn("failed to process message", "error", err)
		reply = errorReply(err)
	}

	if err := b.messenger.SendMessage(ctx, msg.ConvoID, reply); err != nil {
		logger.Error("failed to send reply", "error", err)
	}
}

func (b *DmBot) readwiseToken(ctx context.Context, did string) (string, error) {
	user, err := b.users.GetUserByDID(ctx, did)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", nil
	}
	settings, err := b.settings.GetSettings(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if settings == nil {
		return "", nil
	}
	return settings.ReadwiseToken, nil
}

// ProcessMessage runs the command in msg and returns the reply text. An empty
// readwiseToken means the sender has not registered.
func (b *DmBot) ProcessMessage(ctx context.Context, msg Message, readwiseToken string) (string, error) {
	cmd := ParseCommand(msg.Text)
	b.logger.Debug("parsed command", "kind", cmd.Kind, "sender_did", msg.SenderDID)

	switch cmd.Kind {
	case CommandSavePost:
		if readwiseToken == "" {
			return "", ErrAuthenticationRequired
		}
		ref, err := PermalinkToRef(cmd.PostURL)
		if err != nil {
			return "", err
		}
		res, err := b.processor.Process(ctx, ref.URI(), readwiseToken, ProcessOptions{
			ExtractLinks: cmd.ExtractLinks,
			Note:         cmd.Note,
		})
		if err != nil {
			return "", err
		}
		return saveReply(res), nil

	case CommandRegister:
		return b.register(ctx, msg.SenderDID, cmd.Token)

	case CommandHelp:
		return helpText, nil

	case CommandSettings:
		return fmt.Sprintf("⚙️ Visit %s to manage settings", b.settingsURL), nil

	default:
		return fmt.Sprintf("❓ I didn't understand that. %s\n\n%s", cmd.Text, helpText), nil
	}
}

func (b *DmBot) register(ctx context.Context, did, token string) (string, error) {
	if token == "" {
		return "🔑 Send register followed by your Readwise access token, from readwise.io/access_token", nil
	}

	ok, err := b.readwise.VerifyToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("verify readwise token: %w", err)
	}
	if !ok {
		return "🔑 That Readwise token was rejected. Copy a valid one from readwise.io/access_token and try again.", nil
	}

	if _, err := b.users.RegisterReadwiseToken(ctx, did, token); err != nil {
		return "", fmt.Errorf("register readwise token: %w", err)
	}
	return "✅ Registered! Send me a post link to save it to Readwise.", nil
}

func saveReply(res *ProcessResult) string {
	reply := "✅ Saved to Readwise!"
	if res.LinksSaved > 0 {
		reply += fmt.Sprintf(" (%d links saved to Reader)", res.LinksSaved)
	}
	var partial *PartialFailure
	if errors.As(res.Partial, &partial) {
		reply += fmt.Sprintf(" ⚠️ %d links could not be saved.", len(partial.Failures))
	}
	return reply
}

func errorReply(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "🔑 Please register first: send register followed by your Readwise access token."
	case errors.Is(err, ErrMalformedReference):
		return "❌ I couldn't read that link. Send a post URL like https://bsky.app/profile/{handle}/post/{id}"
	default:
		return "❌ Failed to save to Readwise. Please try again later."
	}
}
