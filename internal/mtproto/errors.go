package mtproto

import (
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/tgerr"

	"adsbot/internal/broadcast"
)

// RPCError carries a Telegram RPC error in the shape the broadcast classifier
// understands.
type RPCError struct {
	Status int
	Type   string
	Wait   time.Duration
	err    error
}

func (e *RPCError) Error() string             { return e.err.Error() }
func (e *RPCError) Unwrap() error             { return e.err }
func (e *RPCError) Code() string              { return e.Type }
func (e *RPCError) RetryAfter() time.Duration { return e.Wait }

var (
	_ broadcast.CodedError      = (*RPCError)(nil)
	_ broadcast.RetryAfterError = (*RPCError)(nil)
)

// Error types meaning the account itself is gone.
var bannedTypes = []string{
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_DUPLICATED",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"PHONE_NUMBER_BANNED",
}

var waitTypes = map[string]struct{}{
	"FLOOD_WAIT":         {},
	"FLOOD_PREMIUM_WAIT": {},
	"SLOWMODE_WAIT":      {},
}

// wrapRPC converts a gotd RPC error; other errors pass through.
func wrapRPC(err error) error {
	if err == nil {
		return nil
	}
	rpc, ok := tgerr.As(err)
	if !ok {
		return err
	}
	out := &RPCError{Status: rpc.Code, Type: rpc.Type, err: err}
	if d, ok := tgerr.AsFloodWait(err); ok {
		out.Wait = d
	} else if _, ok := waitTypes[rpc.Type]; ok && rpc.Argument > 0 {
		out.Wait = time.Duration(rpc.Argument) * time.Second
	}
	return out
}

// probeError marks account-level failures as bans.
func probeError(err error) error {
	if err == nil {
		return nil
	}
	if tgerr.Is(err, bannedTypes...) {
		return fmt.Errorf("%w: %v", broadcast.ErrBanned, err)
	}
	if errors.Is(err, errUnauthorized) {
		return fmt.Errorf("%w: %v", broadcast.ErrBanned, err)
	}
	return err
}

var errUnauthorized = errors.New("mtproto: session not authorized")
