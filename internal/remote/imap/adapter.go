package imap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/remote"
)

// Mailbox implements remote.Mailbox over a single IMAP connection.
// Folder operations reuse the connection sequentially; the sync engine
// never issues concurrent calls on one account.
type Mailbox struct {
	client   *imapclient.Client
	selected string
}

// ListFolders enumerates selectable folders with their UIDVALIDITY.
func (m *Mailbox) ListFolders(ctx context.Context) ([]remote.FolderInfo, error) {
	lists, err := m.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, classify("list", err)
	}

	var infos []remote.FolderInfo
	for _, l := range lists {
		if hasAttr(l.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}

		status, err := m.client.Status(l.Mailbox, &imap.StatusOptions{
			UIDValidity: true,
		}).Wait()
		if err != nil {
			// A folder that cannot report status cannot be synced
			// either; leave it out of this pass.
			continue
		}

		infos = append(infos, remote.FolderInfo{
			Name:     l.Mailbox,
			Desc:     attrsDesc(l.Attrs),
			Validity: status.UIDValidity,
		})
	}

	return infos, nil
}

// ListEnvelopeChanges reconciles one folder against the given cursor.
// The returned change set is always relative to the live UIDVALIDITY;
// the caller compares that against its stored marker and re-requests a
// full listing (empty cursor, no known set) on mismatch.
func (m *Mailbox) ListEnvelopeChanges(ctx context.Context, folder, cursor string, known []uint32) (*remote.Changes, error) {
	validity, err := m.selectFolder(folder)
	if err != nil {
		return nil, err
	}

	searchData, err := m.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, classify("search", err)
	}
	current := searchData.AllUIDs()

	cursorUID := parseCursor(cursor)

	currentSet := make(map[uint32]bool, len(current))
	var maxUID uint32
	var newUIDs []imap.UID
	var knownUIDs []imap.UID
	for _, uid := range current {
		u := uint32(uid)
		currentSet[u] = true
		if u > maxUID {
			maxUID = u
		}
		if u > cursorUID {
			newUIDs = append(newUIDs, uid)
		}
	}

	changes := &remote.Changes{
		Validity: validity,
		Cursor:   strconv.FormatUint(uint64(maxUID), 10),
	}

	// Additions: full envelope fetch for UIDs past the cursor.
	if len(newUIDs) > 0 {
		upserts, err := m.fetchEnvelopes(newUIDs)
		if err != nil {
			return nil, err
		}
		changes.Upserts = upserts
	}

	// Flag refresh and tombstones only make sense incrementally, when
	// the caller has a mirrored UID set to reconcile against.
	if cursor != "" {
		for _, u := range known {
			if !currentSet[u] {
				changes.Tombstones = append(changes.Tombstones, u)
			} else if u <= cursorUID {
				knownUIDs = append(knownUIDs, imap.UID(u))
			}
		}

		if len(knownUIDs) > 0 {
			updates, err := m.fetchFlags(knownUIDs)
			if err != nil {
				return nil, err
			}
			changes.FlagUpdates = updates
		}
	}

	return changes, nil
}

// FetchBody retrieves the header section or the whole raw message.
func (m *Mailbox) FetchBody(ctx context.Context, folder string, uid uint32, mode remote.BodyMode) ([]byte, error) {
	if m.selected != folder {
		if _, err := m.selectFolder(folder); err != nil {
			return nil, err
		}
	}

	section := &imap.FetchItemBodySection{Peek: true}
	if mode == remote.ModeHeaders {
		section.Specifier = imap.PartSpecifierHeader
	}

	fetchCmd := m.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &remote.Error{
			Kind: remote.Permanent,
			Op:   "fetch body",
			Err:  fmt.Errorf("message UID %d not found in %s", uid, folder),
		}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, classify("fetch body", err)
	}
	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, &remote.Error{
			Kind: remote.Transient,
			Op:   "fetch body",
			Err:  fmt.Errorf("server returned no body section for UID %d", uid),
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, classify("fetch body", err)
	}
	return raw, nil
}

// Close logs out and drops the connection.
func (m *Mailbox) Close() error {
	return m.client.Logout().Wait()
}

// selectFolder selects the folder read-only, reusing the current
// selection when possible, and returns its UIDVALIDITY.
func (m *Mailbox) selectFolder(folder string) (uint32, error) {
	sel, err := m.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		m.selected = ""
		return 0, classify("select "+folder, err)
	}
	m.selected = folder
	return sel.UIDValidity, nil
}

// fetchEnvelopes fetches full envelope metadata for the given UIDs.
func (m *Mailbox) fetchEnvelopes(uids []imap.UID) ([]model.Envelope, error) {
	fetchCmd := m.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:      true,
		Flags:         true,
		UID:           true,
		RFC822Size:    true,
		BodyStructure: &imap.FetchItemBodyStructure{},
	})
	defer fetchCmd.Close()

	var envelopes []model.Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		envelopes = append(envelopes, envelopeFromBuffer(buf))
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, classify("fetch envelopes", err)
	}
	return envelopes, nil
}

// fetchFlags fetches only the flag sets for already-known UIDs.
func (m *Mailbox) fetchFlags(uids []imap.UID) ([]remote.FlagChange, error) {
	fetchCmd := m.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Flags: true,
		UID:   true,
	})
	defer fetchCmd.Close()

	var updates []remote.FlagChange
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		update := remote.FlagChange{UID: uint32(buf.UID)}
		for _, flag := range buf.Flags {
			update.Flags = append(update.Flags, string(flag))
		}
		updates = append(updates, update)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, classify("fetch flags", err)
	}
	return updates, nil
}

// envelopeFromBuffer extracts a model.Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) model.Envelope {
	env := model.Envelope{
		UID:  uint32(buf.UID),
		Size: buf.RFC822Size,
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date
		env.InReplyTo = strings.Join(buf.Envelope.InReplyTo, " ")

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			env.From = &model.Address{Name: from.Name, Addr: from.Addr()}
		}
		if len(buf.Envelope.To) > 0 {
			to := buf.Envelope.To[0]
			env.To = &model.Address{Name: to.Name, Addr: to.Addr()}
		}
	}

	for _, flag := range buf.Flags {
		env.Flags = append(env.Flags, string(flag))
	}

	if buf.BodyStructure != nil {
		env.HasAttachment = hasAttachmentPart(buf.BodyStructure)
	}

	return env
}

// hasAttachmentPart walks a body structure looking for a part with an
// attachment disposition.
func hasAttachmentPart(bs imap.BodyStructure) bool {
	found := false
	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		if disp := part.Disposition(); disp != nil &&
			strings.EqualFold(disp.Value, "attachment") {
			found = true
			return false
		}
		return true
	})
	return found
}

// hasAttr reports whether attrs contains the given mailbox attribute.
func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

// attrsDesc renders mailbox attributes into the folder description the
// upstream client shows.
func attrsDesc(attrs []imap.MailboxAttr) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, ", ")
}

// parseCursor decodes the incremental watermark; an unparseable or
// empty cursor falls back to a full listing from UID 0.
func parseCursor(cursor string) uint32 {
	if cursor == "" {
		return 0
	}
	v, err := strconv.ParseUint(cursor, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// classify wraps an IMAP command failure as transient or permanent. A
// tagged NO response is the server's definitive answer (folder gone,
// message expunged); everything else is assumed retryable.
func classify(op string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
		return &remote.Error{Kind: remote.Permanent, Op: op, Err: err}
	}
	return &remote.Error{Kind: remote.Transient, Op: op, Err: err}
}
