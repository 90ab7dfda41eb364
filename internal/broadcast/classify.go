package broadcast

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"adsbot/pkg/tgui"
)

type VerdictKind int

const (
	VerdictUnknown VerdictKind = iota
	VerdictRateLimited
	VerdictPermanent
	VerdictTemporary
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictRateLimited:
		return "rate_limited"
	case VerdictPermanent:
		return "permanent"
	case VerdictTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Verdict is the classification of one failed send.
type Verdict struct {
	Kind   VerdictKind
	Wait   time.Duration
	Reason string
}

// RetryAfterError is implemented by transport errors that carry a
// provider-mandated wait.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// CodedError is implemented by transport errors that carry a provider error
// code such as CHAT_WRITE_FORBIDDEN.
type CodedError interface {
	error
	Code() string
}

// Provider codes that mean the account can never post to the group again.
var permanentCodes = map[string]struct{}{
	"CHAT_WRITE_FORBIDDEN":      {},
	"CHAT_ADMIN_REQUIRED":       {},
	"CHAT_RESTRICTED":           {},
	"CHAT_SEND_PLAIN_FORBIDDEN": {},
	"CHAT_SEND_MEDIA_FORBIDDEN": {},
	"CHAT_GUEST_SEND_FORBIDDEN": {},
	"CHANNEL_PRIVATE":           {},
	"CHANNEL_BANNED":            {},
	"USER_BANNED_IN_CHANNEL":    {},
	"USER_KICKED":               {},
	"USER_RESTRICTED":           {},
}

var permanentKeywords = []string{
	"banned",
	"forbidden",
	"kicked",
	"not enough",
	"rights",
	"restricted",
	"write_forbidden",
}

var waitPattern = regexp.MustCompile(`(?i)(?:flood_wait_|slowmode_wait_|flood_premium_wait_|wait of )(\d+)`)

// Classify maps a send error to a recovery policy. Typed provider errors win
// over message keywords; anything unrecognised is temporary.
func Classify(err error) Verdict {
	if err == nil {
		return Verdict{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Verdict{Kind: VerdictUnknown, Reason: "canceled"}
	}

	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return Verdict{Kind: VerdictRateLimited, Wait: ra.RetryAfter(), Reason: reasonOf(err)}
	}
	var ce CodedError
	if errors.As(err, &ce) {
		code := strings.ToUpper(ce.Code())
		if _, ok := permanentCodes[code]; ok {
			return Verdict{Kind: VerdictPermanent, Reason: code}
		}
	}

	msg := err.Error()
	if m := waitPattern.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return Verdict{Kind: VerdictRateLimited, Wait: time.Duration(secs) * time.Second, Reason: reasonOf(err)}
	}
	lower := strings.ToLower(msg)
	for _, kw := range permanentKeywords {
		if strings.Contains(lower, kw) {
			return Verdict{Kind: VerdictPermanent, Reason: reasonOf(err)}
		}
	}
	return Verdict{Kind: VerdictTemporary, Reason: reasonOf(err)}
}

func reasonOf(err error) string {
	var ce CodedError
	if errors.As(err, &ce) && ce.Code() != "" {
		return ce.Code()
	}
	return clip(err.Error(), 200)
}

func clip(s string, n int) string {
	return tgui.OneLine(s, n)
}
