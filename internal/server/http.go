package server

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/dchest/uniuri"
	"github.com/frugisect/frugisect/pkg/frugisect"
	"github.com/gin-gonic/gin"
)

type httpServer struct {
	driver *frugisect.Driver

	mu          sync.Mutex
	outstanding *probeResponse
}

func (h *httpServer) Init(port int, driver *frugisect.Driver) error {
	h.driver = driver

	go h.router().Run(fmt.Sprintf("localhost:%d", port))
	return nil
}

func (h *httpServer) router() *gin.Engine {
	router := gin.Default()

	router.GET("/probe", h.getProbe)
	router.POST("/good/:probeId", h.verdictHandler(frugisect.VerdictGood))
	router.POST("/bad/:probeId", h.verdictHandler(frugisect.VerdictBad))
	router.POST("/skip/:probeId", h.verdictHandler(frugisect.VerdictSkip))

	return router
}

type probeResponse struct {
	ProbeId string `json:"probeId"`

	Revision string `json:"revision"`
	Message  string `json:"message"`

	Cost       int     `json:"cost"`
	Expected   float64 `json:"expectedRemainingCost"`
	Candidates int     `json:"candidates"`

	Location string `json:"location,omitempty"`
}

type culpritResponse struct {
	Revision string `json:"revision"`

	CommitMessage string `json:"commitMessage"`
	CommitDate    string `json:"commitDate"`
	CommitAuthor  string `json:"commitAuthor"`

	Probes    int `json:"probes"`
	CostSpent int `json:"costSpent"`
}

func (h *httpServer) getProbe(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// An unanswered probe gets served again, so clients can reconnect
	if h.outstanding != nil {
		c.JSON(http.StatusOK, *h.outstanding)
		return
	}

	probe, culprit, err := h.driver.Next()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if culprit != nil {
		c.JSON(http.StatusOK, culpritResponse{
			Revision: culprit.Revision,

			CommitMessage: culprit.Details.Message,
			CommitDate:    culprit.Details.Date,
			CommitAuthor:  culprit.Details.Author,

			Probes:    culprit.Probes,
			CostSpent: culprit.CostSpent,
		})
		return
	}

	h.outstanding = &probeResponse{
		ProbeId: uniuri.New(),

		Revision: probe.Revision,
		Message:  probe.Details.Message,

		Cost:       probe.Cost,
		Expected:   probe.Expected,
		Candidates: probe.Candidates,

		Location: probe.Location,
	}
	c.JSON(http.StatusOK, *h.outstanding)
}

func (h *httpServer) verdictHandler(verdict frugisect.Verdict) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.mu.Lock()
		defer h.mu.Unlock()

		id := c.Param("probeId")
		if h.outstanding == nil || h.outstanding.ProbeId != id {
			c.AbortWithStatus(404)
			return
		}

		if err := h.driver.Report(h.outstanding.Revision, verdict); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		h.outstanding = nil
		c.AbortWithStatus(200)
	}
}
