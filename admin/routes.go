// Package admin exposes the engine's administrative surface over HTTP:
// rebuild triggers and polling, derived counts, health and metrics.
package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medprepa/tally"
)

// Router builds the gin engine serving the admin API.
//
//	GET  /healthz             - liveness probe
//	GET  /metrics             - prometheus exposition (when metrics != nil)
//	POST /v1/rebuilds         - start a repair run, body {"scope": "..."}
//	GET  /v1/rebuilds         - recent runs, newest first, ?limit=
//	GET  /v1/rebuilds/:id     - one run by id
//	GET  /v1/counts/:aggregate - derived count, ?ns= &from= &to=
func Router(eng *tally.Tally, metrics prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", health(eng))
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	RegisterRoutes(v1, eng)
	return router
}

// RegisterRoutes registers the /v1 endpoints with the given router group.
func RegisterRoutes(rg *gin.RouterGroup, eng *tally.Tally) {
	rg.POST("/rebuilds", startRebuild(eng))
	rg.GET("/rebuilds", listRebuilds(eng))
	rg.GET("/rebuilds/:id", getRebuild(eng))
	rg.GET("/counts/:aggregate", getCount(eng))
}
