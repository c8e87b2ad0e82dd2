// Package rest exposes the orchestrator over a small HTTP API, used by the cli and by the query layer
// to find which node owns a shard
package rest

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jonas747/tsshard"
	"github.com/jonas747/tsshard/orchestrator"
	"github.com/pkg/errors"
)

type RESTAPI struct {
	orchestrator *orchestrator.Orchestrator
	addr         string

	engine   *gin.Engine
	server   *http.Server
	listener net.Listener
}

func NewRESTAPI(o *orchestrator.Orchestrator, serveAddr string) *RESTAPI {
	ra := &RESTAPI{
		orchestrator: o,
		addr:         serveAddr,
	}

	ra.engine = ra.setupRoutes()
	return ra
}

func (ra *RESTAPI) setupRoutes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", ra.handleGETStatus)

	r.GET("/datasets", ra.handleGETDatasets)
	r.POST("/datasets", ra.handlePOSTDataset)
	r.GET("/datasets/:dataset", ra.handleGETDataset)
	r.DELETE("/datasets/:dataset", ra.handleDELETEDataset)
	r.GET("/datasets/:dataset/route", ra.handleGETRoute)

	r.POST("/removenode", ra.handlePOSTRemoveNode)
	r.POST("/shutdownnode", ra.handlePOSTShutdownNode)

	return r
}

// Handler returns the http handler serving the api
func (ra *RESTAPI) Handler() http.Handler {
	return ra.engine
}

// Run binds the address and starts serving the api in the background
func (ra *RESTAPI) Run() error {
	listener, err := net.Listen("tcp", ra.addr)
	if err != nil {
		return errors.WithMessage(err, "net.Listen")
	}

	ra.listener = listener
	ra.server = &http.Server{
		Handler: ra.engine,
	}

	go func() {
		err := ra.server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			ra.orchestrator.Log(tsshard.LogError, err, "rest api stopped serving")
		}
	}()

	return nil
}

// Addr returns the address the api is listening on, nil before Run
func (ra *RESTAPI) Addr() net.Addr {
	if ra.listener == nil {
		return nil
	}

	return ra.listener.Addr()
}

// Close stops the http server
func (ra *RESTAPI) Close() error {
	if ra.server == nil {
		return nil
	}

	return ra.server.Close()
}
