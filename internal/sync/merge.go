package sync

import (
	"cmp"
	"slices"

	"github.com/matheus3301/relay/internal/store"
)

// Merge combines the local timeline with a remote snapshot. Rows are keyed
// by id: local rows seed the map and remote rows overlay them. The result is
// sorted by createdAt, ties broken by id, and never holds an id twice.
//
// Remote wins for everything except:
//   - status, which keeps the higher-ranked of the two,
//   - text, which keeps the side edited last (remote wins ties),
//   - local-only fields (send record, cached media path), which come from
//     whichever side carries a local id.
func Merge(local, remote []store.Message) []store.Message {
	byID := make(map[string]store.Message, len(local)+len(remote))
	for _, m := range local {
		byID[m.ID] = m
	}
	for _, r := range remote {
		l, ok := byID[r.ID]
		if !ok {
			byID[r.ID] = r
			continue
		}
		byID[r.ID] = overlay(l, r)
	}

	out := make([]store.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	slices.SortFunc(out, compareMessages)
	return out
}

// overlay applies remote row r on top of local row l.
func overlay(l, r store.Message) store.Message {
	m := r
	if l.Status.Rank() > r.Status.Rank() {
		m.Status = l.Status
	}
	if l.Text != r.Text && version(l) > version(r) {
		m.Text, m.Edited, m.EditedAt = l.Text, l.Edited, l.EditedAt
	}
	if m.Media != nil && l.Media != nil && l.Media.URL == m.Media.URL && m.Media.LocalPath == "" {
		media := *m.Media
		media.LocalPath = l.Media.LocalPath
		m.Media = &media
	}
	if r.LocalID == "" {
		m.LocalID = l.LocalID
		m.QueuedAt = l.QueuedAt
		m.RetryCount = l.RetryCount
		m.LastRetryAt = l.LastRetryAt
		// A remote copy of a local send proves it arrived.
		m.SyncedToRemote = l.SyncedToRemote || l.LocalID != ""
	}
	return m
}

// version is the server timestamp of the text a row carries.
func version(m store.Message) int64 {
	if m.Edited && m.EditedAt > 0 {
		return m.EditedAt
	}
	return m.CreatedAt
}

func compareMessages(a, b store.Message) int {
	if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
