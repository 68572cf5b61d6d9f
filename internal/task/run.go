package task

import (
	"context"
	"fmt"
	"sync"
)

// runDownloadResource drives one DownloadResource task end to end: body
// fetch, persist, parse, embed scheduling (§4.3, §4.4). isEmbed is true
// for resources discovered inside another page's body, which do not
// consume a politeness delay slot.
func (s *Scheduler) runDownloadResource(ctx context.Context, t *Task, isEmbed bool, onDone func()) {
	if onDone != nil {
		defer onDone()
	}

	if ctx.Err() != nil {
		s.setState(t, Cancelled, nil)
		return
	}
	s.setState(t, Running, nil)

	interactive := t.Priority == Interactive
	if !isEmbed && !interactive {
		if err := s.politeness.Wait(ctx); err != nil {
			s.setState(t, Cancelled, nil)
			return
		}
	}

	if err := s.netSem.Acquire(ctx, 1); err != nil {
		s.setState(t, Cancelled, nil)
		return
	}
	defer s.netSem.Release(1)

	bodyTask := s.addTask(t.ID, KindDownloadResourceBody,
		fmt.Sprintf("fetch resource %d", t.Payload.ResourceID), t.Priority, t.Payload)
	s.setState(bodyTask, Running, nil)

	revisionID, isErrorPage, err := s.exec.DownloadResourceBody(ctx, t.Payload.ResourceID, t.Payload.StaleBefore, interactive)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(bodyTask, Cancelled, nil)
			s.setState(t, Cancelled, nil)
			return
		}
		s.setState(bodyTask, Failed, err)
		s.setState(t, Failed, err)
		return
	}
	s.setState(bodyTask, Completed, nil)

	if isErrorPage {
		// §4.4 step 6: error pages suppress embed scheduling entirely.
		s.setState(t, Completed, nil)
		return
	}

	parseTask := s.addTask(t.ID, KindParseLinks,
		fmt.Sprintf("parse revision %d", revisionID), t.Priority, Payload{ResourceID: t.Payload.ResourceID, RevisionID: revisionID})
	s.setState(parseTask, Running, nil)

	links, err := s.exec.ParseLinks(ctx, revisionID)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(parseTask, Cancelled, nil)
			s.setState(t, Cancelled, nil)
			return
		}
		s.setState(parseTask, Failed, err)
		s.setState(t, Failed, err)
		return
	}
	s.setState(parseTask, Completed, nil)

	var wg sync.WaitGroup
	for _, link := range links {
		if !link.Embedded || link.DoNotDownload || link.External {
			continue
		}
		if link.ResourceID == t.Payload.ResourceID {
			// §4.4 step 7: self-reference guard.
			continue
		}

		childTask := s.addTask(t.ID, KindDownloadResource,
			fmt.Sprintf("download embed %d", link.ResourceID), t.Priority, Payload{ResourceID: link.ResourceID})
		childCtx, cancel := context.WithCancel(ctx)
		s.setCancel(childTask.ID, cancel)

		wg.Add(1)
		go func(ct *Task, cctx context.Context, ccancel context.CancelFunc) {
			defer wg.Done()
			defer ccancel()
			defer s.clearCancel(ct.ID)
			s.runDownloadResource(cctx, ct, true, nil)
		}(childTask, childCtx, cancel)
	}
	wg.Wait()

	// An embed's failure does not fail the parent (§4.3: "completes when
	// all embeds complete or fail").
	s.setState(t, Completed, nil)
}

// maxGroupWindow bounds simultaneously in-flight/materialized
// DownloadResource children of a DownloadGroup task (§4.3 Backpressure).
const maxGroupWindow = 100

// runDownloadGroup drives a DownloadGroup task: refresh membership, then
// download every eligible member with a bounded materialization window.
func (s *Scheduler) runDownloadGroup(ctx context.Context, t *Task, priority Priority) {
	if ctx.Err() != nil {
		s.setState(t, Cancelled, nil)
		return
	}
	s.setState(t, Running, nil)

	updateTask := s.addTask(t.ID, KindUpdateGroupMembers,
		fmt.Sprintf("update members of group %d", t.Payload.GroupID), priority, t.Payload)
	s.setState(updateTask, Running, nil)

	if err := s.exec.UpdateGroupMembers(ctx, t.Payload.GroupID); err != nil {
		if ctx.Err() != nil {
			s.setState(updateTask, Cancelled, nil)
			s.setState(t, Cancelled, nil)
			return
		}
		s.setState(updateTask, Failed, err)
		s.setState(t, Failed, err)
		return
	}
	s.setState(updateTask, Completed, nil)

	sem := make(chan struct{}, maxGroupWindow)
	var wg sync.WaitGroup
	var failErr error
	var failMu sync.Mutex

	for ctx.Err() == nil {
		ids, done, err := s.exec.NextGroupMembers(ctx, t.Payload.GroupID, 1)
		if err != nil {
			failMu.Lock()
			failErr = err
			failMu.Unlock()
			break
		}
		for _, resourceID := range ids {
			sem <- struct{}{}
			childTask := s.addTask(t.ID, KindDownloadResource,
				fmt.Sprintf("download group member %d", resourceID), priority, Payload{ResourceID: resourceID})
			childCtx, cancel := context.WithCancel(ctx)
			s.setCancel(childTask.ID, cancel)

			wg.Add(1)
			go func(ct *Task, cctx context.Context, ccancel context.CancelFunc) {
				defer wg.Done()
				defer ccancel()
				defer s.clearCancel(ct.ID)
				defer func() { <-sem }()
				s.runDownloadResource(cctx, ct, false, nil)
			}(childTask, childCtx, cancel)
		}
		if done {
			break
		}
		if len(ids) == 0 {
			break
		}
	}
	wg.Wait()

	failMu.Lock()
	defer failMu.Unlock()
	if failErr != nil {
		s.setState(t, Failed, failErr)
		return
	}
	if ctx.Err() != nil {
		s.setState(t, Cancelled, nil)
		return
	}
	s.setState(t, Completed, nil)
}
