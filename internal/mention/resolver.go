// Package mention finds @username references and suggests completions from the online roster.
package mention

import (
	"context"
	"iter"
	"strings"
	"unicode"

	"livechat/internal/presence"
	"livechat/internal/room"
)

const DefaultSuggestLimit = 5

// Roster is the read side of the presence registry.
type Roster interface {
	ListOnline() iter.Seq[presence.OnlineUser]
}

// Directory answers whether an offline username is known.
type Directory interface {
	UserExists(ctx context.Context, username string) (bool, error)
}

type Resolver struct {
	roster Roster
	dir    Directory
}

// NewResolver builds a resolver. dir may be nil, in which case only online users resolve.
func NewResolver(roster Roster, dir Directory) *Resolver {
	return &Resolver{roster: roster, dir: dir}
}

// Suggest 对在线用户做不区分大小写的子串匹配，按用户名排序，最多返回 limit 个。
func (r *Resolver) Suggest(partial, exclude string, limit int) []string {
	if limit <= 0 {
		limit = DefaultSuggestLimit
	}
	needle := strings.ToLower(strings.TrimPrefix(partial, "@"))
	out := []string{}
	for u := range r.roster.ListOnline() {
		if u.Username == exclude {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), needle) {
			out = append(out, u.Username)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// Extract yields the token after every '@' up to the next whitespace.
func Extract(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		rest := text
		for {
			i := strings.IndexByte(rest, '@')
			if i < 0 {
				return
			}
			rest = rest[i+1:]
			end := strings.IndexFunc(rest, unicode.IsSpace)
			if end < 0 {
				end = len(rest)
			}
			tok := rest[:end]
			rest = rest[end:]
			if tok == "" {
				continue
			}
			if !yield(tok) {
				return
			}
		}
	}
}

func trimPunct(tok string) string {
	return strings.TrimRightFunc(tok, func(r rune) bool { return unicode.IsPunct(r) && r != '_' && r != '-' })
}

// Targets 返回文本中提及的已知用户（去重，保持出现顺序），不含发送者本人。
// 先匹配在线用户，再查用户目录；目录查询失败的候选跳过。
func (r *Resolver) Targets(ctx context.Context, text, sender string) []string {
	online := make(map[string]bool)
	for u := range r.roster.ListOnline() {
		online[u.Username] = true
	}
	seen := make(map[string]bool)
	var out []string
	for tok := range Extract(text) {
		name := tok
		if !online[name] {
			name = trimPunct(tok)
		}
		if name == sender || seen[name] || !room.ValidUsername(name) {
			continue
		}
		seen[name] = true
		if !online[name] {
			if r.dir == nil {
				continue
			}
			ok, err := r.dir.UserExists(ctx, name)
			if err != nil || !ok {
				continue
			}
		}
		out = append(out, name)
	}
	return out
}
