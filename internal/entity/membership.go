package entity

import (
	"context"
)

// MemberSeq is a lazy, restartable sequence of a Resource Group's members
// (§4.2). The first page is materialized eagerly to drive a UI; Next walks
// the rest on demand and can be abandoned early without cost.
type MemberSeq struct {
	first   []Resource
	firstAt int
	more    func(ctx context.Context) ([]Resource, bool, error)
	pending []Resource
	pendAt  int
	done    bool
}

// First100 returns the eagerly materialized first page (§4.2).
func (s *MemberSeq) First100() []Resource {
	return s.first
}

// Next returns the next member, or ok=false once the sequence is exhausted.
func (s *MemberSeq) Next(ctx context.Context) (Resource, bool, error) {
	if s.firstAt < len(s.first) {
		r := s.first[s.firstAt]
		s.firstAt++
		return r, true, nil
	}
	for {
		if s.pendAt < len(s.pending) {
			r := s.pending[s.pendAt]
			s.pendAt++
			return r, true, nil
		}
		if s.done || s.more == nil {
			return Resource{}, false, nil
		}
		batch, done, err := s.more(ctx)
		if err != nil {
			return Resource{}, false, err
		}
		s.pending = batch
		s.pendAt = 0
		s.done = done
		if len(batch) == 0 && done {
			return Resource{}, false, nil
		}
	}
}

// GroupMembers returns the members of group as a lazy sequence, choosing a
// strategy per §4.2:
//   - if the project fits entirely in memory, a linear scan of the URL index;
//   - else if the pattern has a literal prefix (no wildcard before the first
//     '/'-delimited literal segment), a URL-prefix range query;
//   - else a streaming cursor scan with early termination.
func (m *Model) GroupMembers(ctx context.Context, group ResourceGroup) (*MemberSeq, error) {
	match, err := CompilePattern(group.Pattern)
	if err != nil {
		return nil, err
	}

	if m.FitsInMemory() {
		return m.membersLinearScan(match), nil
	}

	if prefix := literalPrefix(group.Pattern); prefix != "" {
		return m.membersPrefixScan(ctx, match, prefix)
	}

	return m.membersCursorScan(ctx, match)
}

// literalPrefix returns the longest leading substring of pattern containing
// no wildcard character, for deciding whether a URL-prefix range query can
// serve a group's membership lookup.
func literalPrefix(pattern string) string {
	for i, r := range pattern {
		if r == '*' || r == '#' {
			return pattern[:i]
		}
	}
	return pattern
}

func (m *Model) membersLinearScan(match func(string) bool) *MemberSeq {
	m.mu.RLock()
	all := make([]Resource, 0, len(m.urlToID))
	for url, id := range m.urlToID {
		if match(url) {
			all = append(all, Resource{ID: id, URL: url})
		}
	}
	for _, r := range m.unsaved {
		if match(r.URL) {
			all = append(all, r)
		}
	}
	m.mu.RUnlock()

	return splitFirstPage(all)
}

func (m *Model) membersPrefixScan(ctx context.Context, match func(string) bool, prefix string) (*MemberSeq, error) {
	const pageSize = firstPageSize
	offset := 0

	fetch := func(ctx context.Context) ([]Resource, bool, error) {
		rows, err := m.store.Queries().ListResourcesPrefix(ctx, prefix, pageSize, offset)
		if err != nil {
			return nil, false, err
		}
		offset += len(rows)
		out := make([]Resource, 0, len(rows))
		for _, r := range rows {
			if match(r.URL) {
				out = append(out, resourceFromRow(r))
			}
		}
		return out, len(rows) < pageSize, nil
	}

	first, done, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	return &MemberSeq{first: first, more: fetch, done: done}, nil
}

func (m *Model) membersCursorScan(ctx context.Context, match func(string) bool) (*MemberSeq, error) {
	const pageSize = firstPageSize
	var afterID int64

	fetch := func(ctx context.Context) ([]Resource, bool, error) {
		rows, err := m.store.Queries().ListResourcesFrom(ctx, afterID, pageSize)
		if err != nil {
			return nil, false, err
		}
		if len(rows) > 0 {
			afterID = rows[len(rows)-1].ID
		}
		out := make([]Resource, 0, len(rows))
		for _, r := range rows {
			if match(r.URL) {
				out = append(out, resourceFromRow(r))
			}
		}
		return out, len(rows) < pageSize, nil
	}

	first, done, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	return &MemberSeq{first: first, more: fetch, done: done}, nil
}

func splitFirstPage(all []Resource) *MemberSeq {
	if len(all) <= firstPageSize {
		return &MemberSeq{first: all, done: true}
	}
	rest := all[firstPageSize:]
	consumed := false
	return &MemberSeq{
		first: all[:firstPageSize],
		more: func(ctx context.Context) ([]Resource, bool, error) {
			if consumed {
				return nil, true, nil
			}
			consumed = true
			return rest, true, nil
		},
	}
}
