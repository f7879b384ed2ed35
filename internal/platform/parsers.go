package platform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parser turns a native platform payload into messages. A payload that is
// well-formed but carries no chat yields no messages and no error.
type Parser func(data []byte, cfg Config) ([]NormalizedMessage, error)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// danmaku is the flat relay format, also used by Douyin callbacks.
type danmaku struct {
	Message   *string         `json:"message"`
	UserID    json.RawMessage `json:"user_id"`
	Username  string          `json:"username"`
	RoomID    json.RawMessage `json:"room_id"`
	UserLevel *int            `json:"user_level"`
	IsVIP     bool            `json:"is_vip"`
}

// ParseDouyin parses a Douyin danmaku callback:
// {"message","user_id","username","room_id","user_level","is_vip"}.
func ParseDouyin(data []byte, cfg Config) ([]NormalizedMessage, error) {
	return parseDanmaku(data, cfg, "douyin")
}

func parseDanmaku(data []byte, cfg Config, platform string) ([]NormalizedMessage, error) {
	var d danmaku
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if d.Message == nil {
		return nil, malformed("missing message field")
	}

	msg := NormalizedMessage{
		Platform:       platform,
		ExternalUserID: rawString(d.UserID, "anonymous"),
		DisplayName:    d.Username,
		Content:        *d.Message,
		RoomID:         rawString(d.RoomID, "unknown"),
		IsVIP:          d.IsVIP,
		ReceivedAt:     time.Now(),
	}
	if msg.DisplayName == "" {
		msg.DisplayName = "用户"
	}
	if d.UserLevel != nil {
		msg.UserLevel = *d.UserLevel
	}
	if msg.RoomID == "unknown" && cfg.RoomID != "" {
		msg.RoomID = cfg.RoomID
	}
	return []NormalizedMessage{msg}, nil
}

// rawString accepts either a JSON string or number.
func rawString(raw json.RawMessage, def string) string {
	if len(raw) == 0 || string(raw) == "null" {
		return def
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return def
		}
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return def
}

type bilibiliEvent struct {
	Cmd  string `json:"cmd"`
	Data struct {
		OpenID         string          `json:"open_id"`
		UID            json.RawMessage `json:"uid"`
		Uname          string          `json:"uname"`
		Msg            *string         `json:"msg"`
		RoomID         json.RawMessage `json:"room_id"`
		FansMedalLevel int             `json:"fans_medal_level"`
		GuardLevel     int             `json:"guard_level"`
		Timestamp      int64           `json:"timestamp"`
	} `json:"data"`
}

const bilibiliDanmakuCmd = "LIVE_OPEN_PLATFORM_DM"

// ParseBilibili parses a Bilibili open-platform push. Only danmaku
// commands carry chat; other commands are accepted and ignored.
func ParseBilibili(data []byte, cfg Config) ([]NormalizedMessage, error) {
	var ev bilibiliEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if ev.Cmd == "" {
		return nil, malformed("missing cmd")
	}
	if ev.Cmd != bilibiliDanmakuCmd {
		return nil, nil
	}
	if ev.Data.Msg == nil {
		return nil, malformed("danmaku without msg")
	}

	uid := ev.Data.OpenID
	if uid == "" {
		uid = rawString(ev.Data.UID, "anonymous")
	}
	at := time.Now()
	if ev.Data.Timestamp > 0 {
		at = time.Unix(ev.Data.Timestamp, 0)
	}
	return []NormalizedMessage{{
		Platform:       "bilibili",
		ExternalUserID: uid,
		DisplayName:    ev.Data.Uname,
		Content:        *ev.Data.Msg,
		RoomID:         rawString(ev.Data.RoomID, cfg.RoomID),
		UserLevel:      ev.Data.FansMedalLevel,
		IsVIP:          ev.Data.GuardLevel > 0,
		ReceivedAt:     at,
	}}, nil
}

type youtubeChatList struct {
	Items *[]struct {
		Snippet struct {
			Type               string `json:"type"`
			LiveChatID         string `json:"liveChatId"`
			DisplayMessage     string `json:"displayMessage"`
			PublishedAt        string `json:"publishedAt"`
			TextMessageDetails struct {
				MessageText string `json:"messageText"`
			} `json:"textMessageDetails"`
		} `json:"snippet"`
		AuthorDetails struct {
			ChannelID       string `json:"channelId"`
			DisplayName     string `json:"displayName"`
			IsChatSponsor   bool   `json:"isChatSponsor"`
			IsChatModerator bool   `json:"isChatModerator"`
			IsChatOwner     bool   `json:"isChatOwner"`
		} `json:"authorDetails"`
	} `json:"items"`
}

// ParseYouTube parses a liveChatMessages list response. Non-text events
// (super chats without text, membership notices) are skipped.
func ParseYouTube(data []byte, cfg Config) ([]NormalizedMessage, error) {
	var list youtubeChatList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if list.Items == nil {
		return nil, malformed("missing items")
	}

	var out []NormalizedMessage
	for _, it := range *list.Items {
		text := it.Snippet.TextMessageDetails.MessageText
		if text == "" {
			text = it.Snippet.DisplayMessage
		}
		if (it.Snippet.Type != "" && it.Snippet.Type != "textMessageEvent") || strings.TrimSpace(text) == "" {
			continue
		}
		if it.AuthorDetails.ChannelID == "" {
			return nil, malformed("chat message without author")
		}

		at := time.Now()
		if ts, err := time.Parse(time.RFC3339Nano, it.Snippet.PublishedAt); err == nil {
			at = ts
		}
		room := it.Snippet.LiveChatID
		if room == "" {
			room = cfg.RoomID
		}
		level := 0
		switch {
		case it.AuthorDetails.IsChatOwner:
			level = 3
		case it.AuthorDetails.IsChatModerator:
			level = 2
		case it.AuthorDetails.IsChatSponsor:
			level = 1
		}
		out = append(out, NormalizedMessage{
			Platform:       "youtube",
			ExternalUserID: it.AuthorDetails.ChannelID,
			DisplayName:    it.AuthorDetails.DisplayName,
			Content:        text,
			RoomID:         room,
			UserLevel:      level,
			IsVIP:          it.AuthorDetails.IsChatSponsor,
			ReceivedAt:     at,
		})
	}
	return out, nil
}

// formatChatID renders a numeric chat ID as an external user ID.
func formatChatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
