package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"github.com/c360studio/semreply/platform"
)

// FormatPostID returns the post id of a message in a channel or supergroup.
func FormatPostID(channelID int64, msgID int) string {
	return strconv.FormatInt(channelID, 10) + ":" + strconv.Itoa(msgID)
}

// ParsePostID splits a post id into channel and message ids.
func ParsePostID(id string) (int64, int, error) {
	ch, msg, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid telegram post id %q", id)
	}
	channelID, err := strconv.ParseInt(ch, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram post id %q: %w", id, err)
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram post id %q: %w", id, err)
	}
	return channelID, msgID, nil
}

// peer is what the adapter remembers about a channel to address it later.
type peer struct {
	AccessHash int64
	Username   string
}

// peerCache maps account id and channel id to channel addressing data.
// Access hashes are valid only for the session that observed them.
type peerCache struct {
	mu    sync.Mutex
	peers map[string]map[int64]peer
}

func newPeerCache() *peerCache {
	return &peerCache{peers: make(map[string]map[int64]peer)}
}

func (c *peerCache) remember(accountID string, chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.peers[accountID]
	if !ok {
		m = make(map[int64]peer)
		c.peers[accountID] = m
	}
	for _, raw := range chats {
		if ch, ok := raw.(*tg.Channel); ok && !ch.Min {
			m[ch.ID] = peer{AccessHash: ch.AccessHash, Username: ch.Username}
		}
	}
}

func (c *peerCache) get(accountID string, channelID int64) (peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[accountID][channelID]
	return p, ok
}

// postURL returns the public link of a message.
func postURL(channelID int64, username string, msgID int) string {
	if username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", username, msgID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", channelID, msgID)
}

// messageSet indexes the users and chats returned alongside messages.
type messageSet struct {
	messages []*tg.Message
	users    map[int64]*tg.User
	chats    map[int64]*tg.Channel
	rawChats []tg.ChatClass
}

func newMessageSet(res tg.MessagesMessagesClass) messageSet {
	set := messageSet{
		users: make(map[int64]*tg.User),
		chats: make(map[int64]*tg.Channel),
	}
	modified, ok := res.AsModified()
	if !ok {
		return set
	}
	for _, raw := range modified.GetMessages() {
		if m, ok := raw.(*tg.Message); ok {
			set.messages = append(set.messages, m)
		}
	}
	for _, raw := range modified.GetUsers() {
		if u, ok := raw.(*tg.User); ok {
			set.users[u.ID] = u
		}
	}
	set.rawChats = modified.GetChats()
	for _, raw := range set.rawChats {
		if ch, ok := raw.(*tg.Channel); ok {
			set.chats[ch.ID] = ch
		}
	}
	return set
}

// rawPosts converts channel messages with text to platform posts. Messages
// outside channels and supergroups are skipped because they cannot be
// addressed by a post id.
func (s messageSet) rawPosts(skip func(*tg.Message) bool) []platform.RawPost {
	posts := make([]platform.RawPost, 0, len(s.messages))
	for _, m := range s.messages {
		if strings.TrimSpace(m.Message) == "" {
			continue
		}
		pc, ok := m.PeerID.(*tg.PeerChannel)
		if !ok {
			continue
		}
		if skip != nil && skip(m) {
			continue
		}

		var replies int
		if r, ok := m.GetReplies(); ok {
			replies = r.Replies
		}
		forwards, _ := m.GetForwards()

		posts = append(posts, platform.RawPost{
			PostID:    FormatPostID(pc.ChannelID, m.ID),
			Text:      m.Message,
			CreatedAt: time.Unix(int64(m.Date), 0).UTC(),
			Author:    s.author(m, pc.ChannelID),
			Likes:     reactionCount(m),
			Reposts:   forwards,
			Replies:   replies,
		})
	}
	return posts
}

// author resolves the sender. Broadcast posts without a sender are attributed
// to the channel.
func (s messageSet) author(m *tg.Message, channelID int64) platform.RawAuthor {
	from, ok := m.GetFromID()
	if ok {
		switch p := from.(type) {
		case *tg.PeerUser:
			if u, ok := s.users[p.UserID]; ok {
				return platform.RawAuthor{
					PlatformUserID: "user:" + strconv.FormatInt(u.ID, 10),
					Handle:         u.Username,
					DisplayName:    strings.TrimSpace(u.FirstName + " " + u.LastName),
				}
			}
			return platform.RawAuthor{PlatformUserID: "user:" + strconv.FormatInt(p.UserID, 10)}
		case *tg.PeerChannel:
			channelID = p.ChannelID
		}
	}
	author := platform.RawAuthor{PlatformUserID: "channel:" + strconv.FormatInt(channelID, 10)}
	if ch, ok := s.chats[channelID]; ok {
		author.Handle = ch.Username
		author.DisplayName = ch.Title
		if n, ok := ch.GetParticipantsCount(); ok {
			author.FollowerCount = n
		}
	}
	return author
}

// reactionCount sums all reaction counters, the closest analogue to likes.
func reactionCount(m *tg.Message) int {
	reactions, ok := m.GetReactions()
	if !ok {
		return 0
	}
	total := 0
	for _, r := range reactions.Results {
		total += r.Count
	}
	return total
}

// sentMessageID finds the id of the message created by a send request.
func sentMessageID(updates tg.UpdatesClass, randomID int64) (int, bool) {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID, true
	case *tg.Updates:
		return findSentID(u.Updates, randomID)
	case *tg.UpdatesCombined:
		return findSentID(u.Updates, randomID)
	}
	return 0, false
}

func findSentID(updates []tg.UpdateClass, randomID int64) (int, bool) {
	for _, raw := range updates {
		if u, ok := raw.(*tg.UpdateMessageID); ok && u.RandomID == randomID {
			return u.ID, true
		}
	}
	for _, raw := range updates {
		if u, ok := raw.(*tg.UpdateNewChannelMessage); ok {
			if m, ok := u.Message.(*tg.Message); ok {
				return m.ID, true
			}
		}
	}
	return 0, false
}
