package gnb

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"gnb-go/pkg/txbuffer"

	"github.com/labstack/echo/v4"
)

type Api struct {
	Api *echo.Echo
	gnb *GNB
}

type TimingStatus struct {
	Current      string        `json:"current"`
	Numerology   uint8         `json:"numerology"`
	SlotDuration time.Duration `json:"slot_duration_ns"`
	Dispatched   uint64        `json:"dispatched"`
	Overruns     uint64        `json:"overruns"`
}

type Status struct {
	CellID uint32 `json:"cell_id"`
	Uptime string `json:"uptime"`
}

func NewApi(g *GNB) *Api {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	a := &Api{Api: e, gnb: g}

	e.GET("/status", a.GetStatus)
	e.GET("/pool", a.GetPool)
	e.GET("/pool/buffers", a.GetBuffers)
	e.GET("/pool/buffers/:index/dump", a.GetBufferDump)
	e.GET("/pool/graph", a.GetPoolGraph)
	e.GET("/timing", a.GetTiming)
	e.GET("/scheduler", a.GetScheduler)
	return a
}

func (a *Api) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, Status{
		CellID: a.gnb.cfg.CellID,
		Uptime: time.Since(a.gnb.startTime).Round(time.Second).String(),
	})
}

func (a *Api) GetPool(c echo.Context) error {
	return c.JSON(http.StatusOK, a.gnb.Pool.Stats())
}

// GetBuffers lists every buffer, or only one state with ?state=free|reserved.
func (a *Api) GetBuffers(c echo.Context) error {
	buffers := a.gnb.Pool.Snapshot()
	state := c.QueryParam("state")
	if state == "" {
		return c.JSON(http.StatusOK, buffers)
	}
	if state != txbuffer.StateFree.String() && state != txbuffer.StateReserved.String() {
		return echo.NewHTTPError(http.StatusBadRequest, "state must be free or reserved")
	}
	out := make([]txbuffer.BufferInfo, 0, len(buffers))
	for _, bi := range buffers {
		if bi.State == state {
			out = append(out, bi)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (a *Api) GetBufferDump(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "index must be an integer")
	}
	blob, err := a.gnb.Pool.DumpCodeblocks(index)
	switch {
	case errors.Is(err, txbuffer.ErrIndexOutOfRange):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, txbuffer.ErrNotReserved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename=buffer-"+strconv.Itoa(index)+".zst")
	return c.Blob(http.StatusOK, "application/zstd", blob)
}

// GetPoolGraph returns the occupancy graph as DOT, or SVG with ?format=svg.
func (a *Api) GetPoolGraph(c echo.Context) error {
	dot := PoolGraph(a.gnb.cfg.CellID, a.gnb.Pool.Snapshot())
	switch c.QueryParam("format") {
	case "", "dot":
		return c.Blob(http.StatusOK, "text/vnd.graphviz", []byte(dot))
	case "svg":
		svg, err := RenderSVG(c.Request().Context(), dot)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, "image/svg+xml", svg)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be dot or svg")
	}
}

func (a *Api) GetTiming(c echo.Context) error {
	cur := a.gnb.Timing.Current()
	return c.JSON(http.StatusOK, TimingStatus{
		Current:      cur.String(),
		Numerology:   cur.Numerology(),
		SlotDuration: cur.Duration(),
		Dispatched:   a.gnb.Timing.Dispatched(),
		Overruns:     a.gnb.Timing.Overruns(),
	})
}

func (a *Api) GetScheduler(c echo.Context) error {
	return c.JSON(http.StatusOK, a.gnb.Scheduler.Stats())
}
