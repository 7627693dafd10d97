package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/medprepa/tally"
	"github.com/medprepa/tally/aggregate"
	"github.com/medprepa/tally/rebuild"
	"github.com/medprepa/tally/tally_errors"
)

type rebuildRequest struct {
	// Scope names what to repair: "system", "category:taxonomy",
	// "category:random", "category:user" or "user:<id>".
	Scope string `json:"scope" binding:"required"`
}

// RunView is the wire form of a repair run.
type RunView struct {
	ID            string            `json:"id"`
	Scope         string            `json:"scope"`
	Status        string            `json:"status"`
	Phase         string            `json:"phase"`
	Started       time.Time         `json:"started"`
	Updated       time.Time         `json:"updated"`
	Cleared       uint64            `json:"cleared"`
	Processed     uint64            `json:"processed"`
	Inserted      uint64            `json:"inserted"`
	Checked       uint64            `json:"checked"`
	Mismatched    uint64            `json:"mismatched"`
	Steps         uint64            `json:"steps"`
	StepMillis    float64           `json:"step_millis"`
	Discrepancies []DiscrepancyView `json:"discrepancies,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// DiscrepancyView is one verified namespace that disagreed.
type DiscrepancyView struct {
	Aggregate string `json:"aggregate"`
	Namespace string `json:"namespace"`
	Expected  int    `json:"expected"`
	Actual    int    `json:"actual"`
}

func viewRun(r *rebuild.Run) RunView {
	v := RunView{
		ID:         r.ID.String(),
		Scope:      r.Scope.String(),
		Status:     string(r.Status()),
		Phase:      r.Phase.String(),
		Started:    r.Started,
		Updated:    r.Updated,
		Cleared:    r.Cleared,
		Processed:  r.Processed,
		Inserted:   r.Inserted,
		Checked:    r.Checked,
		Mismatched: r.Mismatched,
		Steps:      r.Steps,
		StepMillis: r.StepMillis,
		Error:      r.Error,
	}
	for _, d := range r.Discrepancies {
		v.Discrepancies = append(v.Discrepancies, DiscrepancyView{
			Aggregate: d.Aggregate,
			Namespace: d.Namespace,
			Expected:  d.Expected,
			Actual:    d.Actual,
		})
	}
	return v
}

// httpStatus maps engine errors onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, tally_errors.ErrBadScope):
		return http.StatusBadRequest
	case errors.Is(err, tally_errors.ErrAggUnknown),
		errors.Is(err, tally_errors.ErrRunUnknown),
		errors.Is(err, tally_errors.ErrRowUnknown):
		return http.StatusNotFound
	case errors.Is(err, tally_errors.ErrRebuildBusy):
		return http.StatusConflict
	case errors.Is(err, tally_errors.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func health(eng *tally.Tally) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"aggregates": len(eng.Aggregates()),
		})
	}
}

func startRebuild(eng *tally.Tally) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rebuildRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		scope, err := rebuild.ParseScope(req.Scope)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rid, err := eng.StartRebuild(scope)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": rid.String(), "scope": scope.String()})
	}
}

func listRebuilds(eng *tally.Tally) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		runs, err := eng.RebuildRuns(limit)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		views := make([]RunView, 0, len(runs))
		for _, r := range runs {
			views = append(views, viewRun(r))
		}
		c.JSON(http.StatusOK, gin.H{"runs": views})
	}
}

func getRebuild(eng *tally.Tally) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
			return
		}
		run, err := eng.RebuildStatus(rid)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, viewRun(run))
	}
}

// sortKey accepts either an RFC3339 timestamp, rendered to the index's
// time-ordered form, or a raw sort key.
func sortKey(v string) string {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return aggregate.TimeKey(t)
	}
	return v
}

func getCount(eng *tally.Tally) gin.HandlerFunc {
	return func(c *gin.Context) {
		ns := c.Query("ns")
		if ns == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ns query parameter is required"})
			return
		}
		var rng aggregate.Range
		if v := c.Query("from"); v != "" {
			rng.From = sortKey(v)
		}
		if v := c.Query("to"); v != "" {
			rng.To = sortKey(v)
		}
		name := c.Param("aggregate")
		n, err := eng.Count(c.Request.Context(), name, ns, rng)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"aggregate": name, "ns": ns, "count": n})
	}
}
