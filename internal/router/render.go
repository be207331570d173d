package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nhle/mailmirror/internal/model"
)

// envelopeDateLayout is the date format the upstream client emits in
// its structured envelope listing.
const envelopeDateLayout = "2006-01-02 15:04-07:00"

// The JSON shapes below mirror the upstream client's structured output
// field for field; absent values render as JSON null exactly as the
// upstream does.

type accountItem struct {
	Name    string  `json:"name"`
	Backend *string `json:"backend"`
	Default *bool   `json:"default"`
}

type folderItem struct {
	Name string  `json:"name"`
	Desc *string `json:"desc"`
}

type contactItem struct {
	Name *string `json:"name"`
	Addr *string `json:"addr"`
}

type envelopeItem struct {
	ID            string       `json:"id"`
	Flags         []string     `json:"flags"`
	Subject       string       `json:"subject"`
	From          *contactItem `json:"from"`
	To            *contactItem `json:"to"`
	Date          *string      `json:"date"`
	HasAttachment bool         `json:"has_attachment"`
}

// renderAccountList renders the configured accounts.
func renderAccountList(accounts []model.AccountConfig) ([]byte, error) {
	items := make([]accountItem, 0, len(accounts))
	for _, a := range accounts {
		a := a
		items = append(items, accountItem{
			Name:    a.Name,
			Backend: optString(a.Backend),
			Default: &a.Default,
		})
	}
	return marshalPretty(items)
}

// renderFolderList renders mirrored folders.
func renderFolderList(folders []model.Folder) ([]byte, error) {
	items := make([]folderItem, 0, len(folders))
	for _, f := range folders {
		items = append(items, folderItem{
			Name: f.Name,
			Desc: optString(f.Desc),
		})
	}
	return marshalPretty(items)
}

// renderEnvelopeList renders mirrored envelopes newest first, undated
// entries last.
func renderEnvelopeList(envelopes []model.Envelope) ([]byte, error) {
	sorted := make([]model.Envelope, len(envelopes))
	copy(sorted, envelopes)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Date.IsZero() != b.Date.IsZero() {
			return !a.Date.IsZero()
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		return a.UID > b.UID
	})

	items := make([]envelopeItem, 0, len(sorted))
	for _, env := range sorted {
		item := envelopeItem{
			ID:            fmt.Sprintf("%d", env.UID),
			Flags:         env.Flags,
			Subject:       env.Subject,
			From:          contactOf(env.From),
			To:            contactOf(env.To),
			HasAttachment: env.HasAttachment,
		}
		if item.Flags == nil {
			item.Flags = []string{}
		}
		if !env.Date.IsZero() {
			date := env.Date.Format(envelopeDateLayout)
			item.Date = &date
		}
		items = append(items, item)
	}
	return marshalPretty(items)
}

// renderMessage wraps the raw message as the upstream's structured
// output does: line endings normalized to LF, the whole body as a
// single JSON string, no trailing newline.
func renderMessage(raw []byte) ([]byte, error) {
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	return json.Marshal(normalized)
}

func contactOf(addr *model.Address) *contactItem {
	if addr == nil {
		return nil
	}
	return &contactItem{
		Name: optString(addr.Name),
		Addr: optString(addr.Addr),
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// marshalPretty matches the upstream's pretty JSON: two-space indent.
func marshalPretty(v interface{}) ([]byte, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("rendering json: %w", err)
	}
	return out, nil
}
