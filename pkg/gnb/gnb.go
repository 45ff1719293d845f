// Package gnb assembles the downlink transmit path of one cell: the buffer
// pool, the HARQ scheduler feeding it and the slot timing driving both,
// plus the management socket and HTTP API that expose them.
package gnb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"gnb-go/pkg/log"
	"gnb-go/pkg/management"
	"gnb-go/pkg/scheduler"
	"gnb-go/pkg/timing"
	"gnb-go/pkg/txbuffer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const appName = "gnb"

type GNB struct {
	cfg    *Config
	logger zerolog.Logger

	Pool      *txbuffer.Pool
	Scheduler *scheduler.Scheduler
	Timing    *timing.Driver

	mgmt      *management.ManagementServer
	api       *Api
	startTime time.Time
}

// New builds every component from cfg without starting anything.
func New(cfg *Config) (*GNB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &GNB{
		cfg:       cfg,
		logger:    log.Component("GNB").With().Uint32("cell", cfg.CellID).Logger(),
		startTime: time.Now(),
	}

	pool, err := txbuffer.NewPool(cfg.Pool, txbuffer.WithLogger(log.Component("PHY")))
	if err != nil {
		return nil, err
	}
	g.Pool = pool

	sch, err := scheduler.New(cfg.Scheduler, pool, scheduler.WithLogger(log.Component("MAC")))
	if err != nil {
		pool.Close()
		return nil, err
	}
	g.Scheduler = sch

	drv, err := timing.New(cfg.Timing, timing.WithLogger(log.Component("TIMING")))
	if err != nil {
		pool.Close()
		return nil, err
	}
	// The scheduler must see a slot before the pool expires buffers for it.
	drv.Register("scheduler", sch)
	drv.Register("txbuffer", timing.SlotHandlerFunc(pool.RunSlot))
	g.Timing = drv

	socket := cfg.MgmtSocket
	if socket == "" {
		socket = management.GetDefaultSocketPath(appName)
	}
	g.mgmt = management.NewManagementServer(socket, cfg.MgmtPassword)
	g.registerCommands()

	g.api = NewApi(g)
	return g, nil
}

func (g *GNB) Config() *Config { return g.cfg }

// Run starts the management socket and the HTTP API, then drives slots until
// ctx is done or the API fails.
func (g *GNB) Run(ctx context.Context) error {
	if err := g.mgmt.Start(); err != nil {
		return fmt.Errorf("gnb: failed to start management server: %w", err)
	}
	defer g.mgmt.Stop()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.Timing.Run(gctx) })

	if g.cfg.APIListenAddr != "" {
		grp.Go(func() error {
			g.logger.Info().Str("addr", g.cfg.APIListenAddr).Msg("http api listening")
			if err := g.api.Api.Start(g.cfg.APIListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gnb: http api failed: %w", err)
			}
			return nil
		})
		grp.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := g.api.Api.Shutdown(shutdownCtx); err != nil {
				g.logger.Warn().Err(err).Msg("http api shutdown failed")
			}
			return nil
		})
	}

	g.logger.Info().
		Uint8("numerology", g.cfg.Timing.Numerology).
		Int("nof_buffers", g.cfg.Pool.NofBuffers).
		Int("endpoints", len(g.cfg.Scheduler.Endpoints)).
		Msg("gnb up")

	return grp.Wait()
}

// Close releases the pool. Call it after Run has returned.
func (g *GNB) Close() error {
	return g.Pool.Close()
}

func (g *GNB) registerCommands() {
	g.mgmt.RegisterHandler("pool", "Show tx buffer pool counters", g.handlePoolCommand)
	g.mgmt.RegisterHandler("buffers", "List tx buffers. Usage: buffers [all]", g.handleBuffersCommand)
	g.mgmt.RegisterHandler("timing", "Show slot timing counters", g.handleTimingCommand)
	g.mgmt.RegisterHandler("scheduler", "Show scheduler counters", g.handleSchedulerCommand)
}

func (g *GNB) handlePoolCommand(args []string) (string, error) {
	st := g.Pool.Stats()
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "capacity\t%d\n", st.Capacity)
	fmt.Fprintf(w, "free\t%d\n", st.Free)
	fmt.Fprintf(w, "reserved\t%d (peak %d)\n", st.Reserved, st.PeakReserved)
	fmt.Fprintf(w, "reservations\t%d\n", st.Reservations)
	fmt.Fprintf(w, "retransmissions\t%d\n", st.Retransmissions)
	fmt.Fprintf(w, "transient\t%d\n", st.TransientReservations)
	fmt.Fprintf(w, "failed\texhausted=%d capacity=%d already-reserved=%d\n",
		st.FailedExhausted, st.FailedCapacity, st.FailedAlreadyReserved)
	fmt.Fprintf(w, "expirations\t%d\n", st.Expirations)
	fmt.Fprintf(w, "last slot\t%s\n", st.LastSlot)
	w.Flush()
	return b.String(), nil
}

func (g *GNB) handleBuffersCommand(args []string) (string, error) {
	all := len(args) > 0 && args[0] == "all"
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tSTATE\tHARQ\tEXPIRE\tCB\tLEASE")
	for _, bi := range g.Pool.Snapshot() {
		if bi.ID == nil && !all {
			continue
		}
		harq := "-"
		if bi.ID != nil {
			harq = bi.ID.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\n", bi.Index, bi.State, harq, bi.Expire, bi.NofCodeblocks, bi.Lease)
	}
	w.Flush()
	return b.String(), nil
}

func (g *GNB) handleTimingCommand(args []string) (string, error) {
	return fmt.Sprintf("current %s dispatched %d overruns %d",
		g.Timing.Current(), g.Timing.Dispatched(), g.Timing.Overruns()), nil
}

func (g *GNB) handleSchedulerCommand(args []string) (string, error) {
	st := g.Scheduler.Stats()
	return fmt.Sprintf("new=%d retx=%d transient=%d acked=%d skipped=%d dropped=%d expired=%d",
		st.NewTx, st.Retx, st.Transient, st.Acked, st.Skipped, st.Dropped, st.Expired), nil
}
