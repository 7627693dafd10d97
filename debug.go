package tally

import (
	"context"
	"fmt"
	"io"

	"github.com/medprepa/tally/record"
)

func rowString(row record.Row) string {
	switch r := row.(type) {
	case *record.Question:
		return fmt.Sprintf("tenant=%s theme=%s subtheme=%s group=%s code=%q created=%s",
			r.Tenant, r.Theme, r.Subtheme, r.Group, r.Code, r.Created.Format("2006-01-02T15:04:05.000"))
	case *record.Stat:
		return fmt.Sprintf("user=%s question=%s answered=%t incorrect=%t when=%s",
			r.User, r.Question, r.Answered, r.Incorrect, r.When.Format("2006-01-02T15:04:05.000"))
	case *record.Bookmark:
		return fmt.Sprintf("user=%s question=%s when=%s",
			r.User, r.Question, r.When.Format("2006-01-02T15:04:05.000"))
	case *record.User:
		return fmt.Sprintf("tenant=%s name=%q", r.Tenant, r.Name)
	case *record.Theme:
		return fmt.Sprintf("tenant=%s name=%q", r.Tenant, r.Name)
	case *record.Subtheme:
		return fmt.Sprintf("theme=%s name=%q", r.Theme, r.Name)
	case *record.Group:
		return fmt.Sprintf("subtheme=%s name=%q", r.Subtheme, r.Name)
	}
	return "?"
}

func (t *Tally) DumpAll(writer io.Writer) {
	t.DumpRows(writer)
	fmt.Fprintln(writer, "")
	t.DumpEntries(writer)
	fmt.Fprintln(writer, "")
	t.DumpRuns(writer)
}

// DumpRows prints every source row, table by table in key order.
func (t *Tally) DumpRows(writer io.Writer) {
	for _, tbl := range record.Tables() {
		err := t.store.ForEach(context.Background(), nil, tbl, func(row record.Row) error {
			fmt.Fprintf(writer, "%s/%s:\t%s\n", tbl, row.RowID(), rowString(row))
			return nil
		})
		if err != nil {
			fmt.Fprintf(writer, "%s: %s\n", tbl, err)
		}
	}
}

// DumpEntries prints every aggregate entry as aggregate, namespace, sort
// key and row id.
func (t *Tally) DumpEntries(writer io.Writer) {
	for _, d := range t.reg.Defs() {
		err := t.idx.ForEachEntry(nil, d, func(ns, sort string, id record.ID) error {
			fmt.Fprintf(writer, "%s\t%s\t%q\t%s\n", d.Name, ns, sort, id)
			return nil
		})
		if err != nil {
			fmt.Fprintf(writer, "%s: %s\n", d.Name, err)
		}
	}
}

// DumpRuns prints the persisted rebuild runs, newest first.
func (t *Tally) DumpRuns(writer io.Writer) {
	runs, err := t.orc.Runs(t.opts.RunRetention)
	if err != nil {
		fmt.Fprintln(writer, err)
		return
	}
	for _, run := range runs {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\tprocessed=%d inserted=%d checked=%d mismatched=%d\n",
			run.ID, run.Scope, run.Phase, run.Status(),
			run.Processed, run.Inserted, run.Checked, run.Mismatched)
		for _, d := range run.Discrepancies {
			fmt.Fprintf(writer, "\t!\t%s\t%s\texpected=%d actual=%d\n",
				d.Aggregate, d.Namespace, d.Expected, d.Actual)
		}
		if run.Error != "" {
			fmt.Fprintf(writer, "\t!\t%s\n", run.Error)
		}
	}
}
