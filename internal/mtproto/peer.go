package mtproto

import (
	"github.com/gotd/td/tg"

	"adsbot/internal/broadcast"
	"adsbot/internal/storage"
)

// Bot API style ids carry a -100 prefix for channels and a minus sign for
// basic groups.
const channelOffset = 1_000_000_000_000

// PlainID strips the Bot API prefix.
func PlainID(id int64) int64 {
	switch {
	case id <= -channelOffset:
		return -id - channelOffset
	case id < 0:
		return -id
	}
	return id
}

// KindOf guesses a group kind from a Bot API style id.
func KindOf(id int64) storage.GroupKind {
	if id > -channelOffset && id < 0 {
		return storage.KindChat
	}
	return storage.KindChannel
}

func inputPeer(g broadcast.TargetGroup, accessHash int64) tg.InputPeerClass {
	id := PlainID(g.ID)
	if g.Kind == storage.KindChat {
		return &tg.InputPeerChat{ChatID: id}
	}
	return &tg.InputPeerChannel{ChannelID: id, AccessHash: accessHash}
}
