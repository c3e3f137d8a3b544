package telegram

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"castbot/internal/model"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type Config struct {
	Token string
	// RatePerSec is the global send budget shared by every broadcast.
	RatePerSec int
	// ParseMode is applied to text and captions ("HTML", "MarkdownV2" or empty).
	ParseMode      string
	DisablePreview bool
	// Offline skips the getMe handshake (tests, dry runs).
	Offline bool
	URL     string
}

// sender is the subset of *tele.Bot used by the adapter.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Adapter is the Telegram implementation of transport.Client.
type Adapter struct {
	log logx.Logger
	bot sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	return newAdapter(cfg, b, log), nil
}

func newAdapter(cfg Config, bot sender, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: bot}
	a.Apply(cfg)
	return a
}

// Apply updates rate and formatting knobs at runtime. The token is fixed.
// The limiter is kept across calls so its bucket is not refilled by a
// reload; only its rate and burst follow the new config.
func (a *Adapter) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	if a.limiter == nil {
		a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		return
	}
	if a.limiter.Limit() != rate.Limit(rps) || a.limiter.Burst() != rps {
		a.limiter.SetLimit(rate.Limit(rps))
		a.limiter.SetBurst(rps)
	}
}

func (a *Adapter) snapshot() (Config, *rate.Limiter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg, a.limiter
}

func (a *Adapter) SendText(ctx context.Context, recipientID, body string) error {
	chat, err := parseRecipient(recipientID)
	if err != nil {
		return err
	}
	cfg, lim := a.snapshot()

	for _, chunk := range splitText(body, textLimit, cfg.ParseMode) {
		if err := lim.Wait(ctx); err != nil {
			return transport.Transient("rate limiter wait", err)
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             cfg.ParseMode,
			DisableWebPagePreview: cfg.DisablePreview,
		})
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (a *Adapter) SendMedia(ctx context.Context, recipientID string, media transport.Media, caption string) error {
	chat, err := parseRecipient(recipientID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(media.Ref) == "" {
		return transport.Permanent("media reference is empty", nil)
	}
	cfg, lim := a.snapshot()
	if err := lim.Wait(ctx); err != nil {
		return transport.Transient("rate limiter wait", err)
	}

	caption = truncateRunes(caption, captionLimit)
	file := fileFromRef(media.Ref)
	var what interface{}
	switch media.Type {
	case model.MediaDocument:
		what = &tele.Document{File: file, Caption: caption}
	default:
		what = &tele.Photo{File: file, Caption: caption}
	}
	if _, err := a.bot.Send(chat, what, &tele.SendOptions{ParseMode: cfg.ParseMode}); err != nil {
		return classify(err)
	}
	return nil
}

func parseRecipient(id string) (*tele.Chat, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n == 0 {
		return nil, transport.Permanent("invalid telegram chat id "+strconv.Quote(id), err)
	}
	return &tele.Chat{ID: n}, nil
}

func fileFromRef(ref string) tele.File {
	ref = strings.TrimSpace(ref)
	low := strings.ToLower(ref)
	if strings.HasPrefix(low, "http://") || strings.HasPrefix(low, "https://") {
		return tele.FromURL(ref)
	}
	if st, err := os.Stat(ref); err == nil && !st.IsDir() {
		return tele.FromDisk(ref)
	}
	return tele.File{FileID: ref}
}

// permanentErrors are Telegram answers meaning the chat is gone for good.
var permanentErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotStartedByUser,
}

func classify(err error) error {
	for _, p := range permanentErrors {
		if errors.Is(err, p) {
			return transport.Permanent(p.Error(), err)
		}
	}

	if after, ok := floodRetryAfter(err); ok {
		return &transport.DeliveryError{
			Kind:       model.FailureTransient,
			Detail:     "flood wait",
			RetryAfter: after,
			Err:        err,
		}
	}

	var te *tele.Error
	if errors.As(err, &te) && te.Code == 403 {
		return transport.Permanent(te.Description, err)
	}
	return transport.Transient("telegram send", err)
}

func floodRetryAfter(err error) (time.Duration, bool) {
	var fv tele.FloodError
	if errors.As(err, &fv) {
		return time.Duration(fv.RetryAfter) * time.Second, true
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return time.Duration(fp.RetryAfter) * time.Second, true
	}
	return 0, false
}
