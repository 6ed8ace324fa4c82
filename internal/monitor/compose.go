package monitor

import (
	"fmt"
	"strings"

	"nitwatch/internal/model"
	"nitwatch/internal/push"
)

const headlineLimit = 60

// ComposePayload renders one item into the markdown notification delivered
// on every channel. Analysis fields are included when present; an
// unavailable analysis falls back to the raw content alone.
func ComposePayload(acct model.TrackedAccount, it model.Item, a model.Analysis, screenshotURL string) push.Payload {
	name := acct.Alias
	if name == "" {
		name = it.Author
	}

	emoji := "🐦"
	action := "发布了新推文"
	if it.IsRepost {
		emoji = "🔁"
		action = "转发了推文"
	} else if it.IsQuote {
		emoji = "💬"
		action = "引用了推文"
	}
	title := fmt.Sprintf("%s 【%s】%s", emoji, name, action)
	if h := headline(a, it); h != "" {
		title += "：" + h
	}

	var b strings.Builder
	if !a.Unavailable {
		if a.Translation != "" {
			fmt.Fprintf(&b, "**中文翻译**\n\n%s\n\n", a.Translation)
		}
		if a.Summary != "" {
			fmt.Fprintf(&b, "**内容概要**：%s\n\n", a.Summary)
		}
		if a.Category != "" {
			fmt.Fprintf(&b, "**重点提示**：%s\n\n", a.Category)
		}
		if len(a.Tags) > 0 {
			fmt.Fprintf(&b, "标签：#%s\n\n", strings.Join(a.Tags, " #"))
		}
	}

	fmt.Fprintf(&b, "**原文**\n\n%s\n\n", it.Content)
	if it.IsRepost && it.RepostOf != "" {
		fmt.Fprintf(&b, "转发自：%s\n\n", it.RepostOf)
	}
	if it.IsQuote && it.QuoteText != "" {
		fmt.Fprintf(&b, "> %s: %s\n\n", it.QuoteAuthor, it.QuoteText)
	}
	for _, med := range it.Media {
		switch med.Kind {
		case model.MediaImage:
			fmt.Fprintf(&b, "![图片](%s)\n\n", med.URL)
		default:
			fmt.Fprintf(&b, "[%s](%s)\n\n", mediaLabel(med.Kind), med.URL)
		}
	}
	if screenshotURL != "" {
		fmt.Fprintf(&b, "![截图](%s)\n\n", screenshotURL)
	}
	if it.PostedAt != "" {
		fmt.Fprintf(&b, "发布时间：%s\n\n", it.PostedAt)
	}
	if it.URL != "" {
		fmt.Fprintf(&b, "[查看原文](%s)", it.URL)
	}

	return push.Payload{
		ItemID:        it.ID,
		AccountHandle: it.AccountHandle,
		Title:         title,
		Body:          strings.TrimRight(b.String(), "\n"),
		URL:           it.URL,
	}
}

// headline prefers the analysis summary, then falls back to a content
// snippet.
func headline(a model.Analysis, it model.Item) string {
	if !a.Unavailable && a.Summary != "" {
		return a.Summary
	}
	s := strings.Join(strings.Fields(it.Content), " ")
	r := []rune(s)
	if len(r) > headlineLimit {
		return string(r[:headlineLimit]) + "…"
	}
	return s
}

func mediaLabel(k model.MediaKind) string {
	switch k {
	case model.MediaVideo:
		return "视频"
	case model.MediaGIF:
		return "动图"
	default:
		return "附件"
	}
}
