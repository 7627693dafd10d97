// Package updater applies live write events to the aggregate index. Each
// event reads whatever prior state it depends on first, then inserts new
// entries, then deletes stale ones; the mutations are idempotent, so a
// crash between them leaves drift that the next repair run absorbs
// instead of corruption.
package updater

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/medprepa/tally/aggregate"
	"github.com/medprepa/tally/host"
	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/source"
	"github.com/medprepa/tally/tally_errors"
)

var EventCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "updater",
	Name:      "events",
}, []string{"event", "result"})

// maxParallelInserts bounds the fan-out of one event across aggregates.
const maxParallelInserts = 4

type Updater struct {
	h     host.Host
	store *source.Store
	reg   *aggregate.Registry
	idx   *aggregate.Index
	env   *source.QuestionCache
}

func New(h host.Host, store *source.Store, reg *aggregate.Registry,
	idx *aggregate.Index, env *source.QuestionCache) *Updater {
	return &Updater{h: h, store: store, reg: reg, idx: idx, env: env}
}

// insertAll writes the row's entry for every aggregate whose pre-filter
// passes. Inserts are independent, so they run in parallel.
func (u *Updater) insertAll(ctx context.Context, defs []*aggregate.Def, row record.Row) error {
	var g errgroup.Group
	g.SetLimit(maxParallelInserts)
	for _, d := range defs {
		if d.Applies != nil && !d.Applies(row) {
			continue
		}
		d := d
		g.Go(func() error {
			_, err := u.idx.Insert(u.h.Database(), u.env, d, row)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// deleteStale removes entries the prior row produced that the new row no
// longer does; now=nil treats the row as gone. A missing entry is logged
// and swallowed: the index may already have drifted, and deleting nothing
// leaves it exactly as repairable as before.
func (u *Updater) deleteStale(ctx context.Context, defs []*aggregate.Def, prior, now record.Row) error {
	for _, d := range defs {
		if d.Applies != nil && !d.Applies(prior) {
			continue
		}
		if now != nil && (d.Applies == nil || d.Applies(now)) {
			continue
		}
		err := u.idx.Delete(u.h.Database(), u.env, d, prior)
		if errors.Is(err, tally_errors.ErrEntryNotFound) {
			u.h.Logger().WarnCtx(ctx, "aggregate entry already gone",
				"aggregate", d.Name, "row", prior.RowID().String())
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// QuestionAdded indexes a freshly persisted question.
func (u *Updater) QuestionAdded(ctx context.Context, q *record.Question) error {
	if err := u.insertAll(ctx, u.reg.ByTable(record.Questions), q); err != nil {
		EventCount.WithLabelValues("question_added", "fail").Inc()
		return err
	}
	EventCount.WithLabelValues("question_added", "ok").Inc()
	return nil
}

// QuestionRemoved drops a question's entries; the caller deletes the row
// afterwards. Stats and bookmarks referencing the question keep their
// entries until the next rebuild of the affected aggregates.
func (u *Updater) QuestionRemoved(ctx context.Context, q *record.Question) error {
	u.env.Forget(q.ID)
	if err := u.deleteStale(ctx, u.reg.ByTable(record.Questions), q, nil); err != nil {
		EventCount.WithLabelValues("question_removed", "fail").Inc()
		return err
	}
	EventCount.WithLabelValues("question_removed", "ok").Inc()
	return nil
}

// UserAdded indexes a freshly persisted user.
func (u *Updater) UserAdded(ctx context.Context, usr *record.User) error {
	if err := u.insertAll(ctx, u.reg.ByTable(record.Users), usr); err != nil {
		EventCount.WithLabelValues("user_added", "fail").Inc()
		return err
	}
	EventCount.WithLabelValues("user_added", "ok").Inc()
	return nil
}

// Answered applies one answer submission. The prior stat is read before
// any mutation; inserts follow the row upsert and stale deletes come
// last, so an interruption can only leave extra work for a repair run,
// never a half-read state.
//
// A repeat answer with unchanged correctness touches nothing. The stat's
// When keeps the first answer time, which keeps every entry's sort key
// stable across re-answers.
func (u *Updater) Answered(ctx context.Context, user, question record.ID, correct bool, when time.Time) error {
	if _, err := u.env.Question(question); err != nil {
		return err
	}

	prior, err := u.store.StatByUserQuestion(user, question)
	if err != nil && !errors.Is(err, tally_errors.ErrRowUnknown) {
		return err
	}

	wrong := !correct
	stat := &record.Stat{User: user, Question: question, Answered: true, Incorrect: wrong, When: when}
	if prior != nil {
		if prior.Incorrect == wrong {
			EventCount.WithLabelValues("answered", "noop").Inc()
			return nil
		}
		stat.ID, stat.When = prior.ID, prior.When
	}

	db := u.h.Database()
	if prior == nil {
		_, err = u.store.Append(db, stat)
	} else {
		err = u.store.Put(db, stat)
	}
	if err != nil {
		EventCount.WithLabelValues("answered", "fail").Inc()
		return err
	}

	defs := u.reg.ByTable(record.Stats)
	if err := u.insertAll(ctx, defs, stat); err != nil {
		EventCount.WithLabelValues("answered", "fail").Inc()
		return err
	}
	if prior != nil {
		if err := u.deleteStale(ctx, defs, prior, stat); err != nil {
			EventCount.WithLabelValues("answered", "fail").Inc()
			return err
		}
	}
	EventCount.WithLabelValues("answered", "ok").Inc()
	return nil
}

// BookmarkAdded stores a bookmark and its entries. Re-adding an existing
// bookmark is a no-op.
func (u *Updater) BookmarkAdded(ctx context.Context, user, question record.ID, when time.Time) error {
	if _, err := u.env.Question(question); err != nil {
		return err
	}
	if _, err := u.store.BookmarkByUserQuestion(user, question); err == nil {
		EventCount.WithLabelValues("bookmark_added", "noop").Inc()
		return nil
	} else if !errors.Is(err, tally_errors.ErrRowUnknown) {
		return err
	}

	m := &record.Bookmark{User: user, Question: question, When: when}
	if _, err := u.store.Append(u.h.Database(), m); err != nil {
		EventCount.WithLabelValues("bookmark_added", "fail").Inc()
		return err
	}
	if err := u.insertAll(ctx, u.reg.ByTable(record.Bookmarks), m); err != nil {
		EventCount.WithLabelValues("bookmark_added", "fail").Inc()
		return err
	}
	EventCount.WithLabelValues("bookmark_added", "ok").Inc()
	return nil
}

// BookmarkRemoved drops a bookmark's entries and its row. Removing a
// bookmark that does not exist is a no-op.
func (u *Updater) BookmarkRemoved(ctx context.Context, user, question record.ID) error {
	m, err := u.store.BookmarkByUserQuestion(user, question)
	if errors.Is(err, tally_errors.ErrRowUnknown) {
		u.h.Logger().WarnCtx(ctx, "removing absent bookmark",
			"user", user.String(), "question", question.String())
		EventCount.WithLabelValues("bookmark_removed", "noop").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	if err := u.deleteStale(ctx, u.reg.ByTable(record.Bookmarks), m, nil); err != nil {
		EventCount.WithLabelValues("bookmark_removed", "fail").Inc()
		return err
	}
	if err := u.store.DeleteRow(u.h.Database(), m); err != nil {
		EventCount.WithLabelValues("bookmark_removed", "fail").Inc()
		return err
	}
	EventCount.WithLabelValues("bookmark_removed", "ok").Inc()
	return nil
}
