// Command etcpcat is a minimal example driver for pkg/etcp that pumps
// ingress/egress on a timer. With -demo it connects two in-memory States
// over a loopback pair, sends stdin from one to the other, and prints the
// received payloads to stdout. Otherwise it listens on a real interface via
// pcaplink and prints received payloads; it sends nothing from stdin in
// that mode. Grounded on the cobra.Command
// factory-function shape and dlib wiring in the teacher's
// pkg/client/userd/service.go.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/etcp-project/etcp/pkg/etcp"
	"github.com/etcp-project/etcp/pkg/etcp/link"
	"github.com/etcp-project/etcp/pkg/etcp/link/pcaplink"
	"github.com/etcp-project/etcp/pkg/etcp/metrics"
	"github.com/etcp-project/etcp/pkg/etcp/tc"
)

func main() {
	if err := Command().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Command builds the etcpcat root command.
func Command() *cobra.Command {
	var (
		iface       string
		demo        bool
		srcPort     uint32
		dstPort     uint32
		pumpEvery   time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "etcpcat",
		Short: "Send and receive etcp datagrams over a framed link",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := dgroup.WithGoroutineName(cmd.Context(), "/etcpcat")
			if demo {
				return runDemo(ctx, srcPort, dstPort, pumpEvery, metricsAddr)
			}
			return runLive(ctx, iface, srcPort, dstPort, pumpEvery, metricsAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&iface, "iface", "", "network interface to capture/send on (required unless -demo)")
	flags.BoolVar(&demo, "demo", false, "use an in-memory loopback pair instead of a real interface")
	flags.Uint32Var(&srcPort, "src-port", 9000, "local etcp port")
	flags.Uint32Var(&dstPort, "dst-port", 9000, "remote etcp port")
	flags.DurationVar(&pumpEvery, "pump-interval", 5*time.Millisecond, "how often to drive the rx/tx pumps")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")

	return cmd
}

// serveMetrics starts an HTTP listener exposing coll on /metrics, the same
// optional-observability wiring the teacher's daemon uses for its own
// scrape endpoint. A failure to serve is logged, never fatal.
func serveMetrics(ctx context.Context, g *dgroup.Group, addr string, coll *metrics.Collector) {
	if addr == "" {
		return
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(coll)
	g.Go("metrics", func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		dlog.Infof(ctx, "metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			dlog.Errorf(ctx, "metrics: %v", err)
		}
		return nil
	})
}

func runDemo(ctx context.Context, srcPort, dstPort uint32, pumpEvery time.Duration, metricsAddr string) error {
	a, b := link.NewLoopbackPair()

	stA := etcp.NewState(a, tc.WindowTxTC{MaxInFlight: 32}, tc.BackoffRxTC{BaseBudget: 16})
	stB := etcp.NewState(b, tc.WindowTxTC{MaxInFlight: 32}, tc.BackoffRxTC{BaseBudget: 16})

	opts := etcp.ConnOptions{RxSlotsLog2: 6, TxSlotsLog2: 6}
	stB.Listen(2, dstPort, opts)
	connA := stA.Connect(etcp.FlowId{SrcAddr: 1, SrcPort: srcPort, DstAddr: 2, DstPort: dstPort}, opts)

	sessionID := xid.New().String()
	connDebugID := uuid.New()
	dlog.Infof(ctx, "demo session %s starting, connection handle %s", sessionID, connDebugID)

	coll := metrics.NewCollector()
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	serveMetrics(ctx, g, metricsAddr, coll)

	// The core is single-threaded by contract; the stdin reader below and
	// the pump goroutine both touch connA, so serialize them here.
	var mu sync.Mutex

	g.Go("pump", func(ctx context.Context) error {
		ticker := time.NewTicker(pumpEvery)
		defer ticker.Stop()
		scratchA, scratchB := etcp.NewPBuff(), etcp.NewPBuff()
		rxBufA, rxBufB := make([]byte, etcp.MaxFrame), make([]byte, etcp.MaxFrame)
		var connB *etcp.Connection
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				mu.Lock()
				for _, side := range []struct {
					name    string
					st      *etcp.State
					scratch *etcp.PBuff
					buf     []byte
				}{{"a", stA, scratchA, rxBufA}, {"b", stB, scratchB, rxBufB}} {
					switch err := side.st.DoNetRx(ctx, side.scratch, side.buf); {
					case err == nil:
						coll.FramesRecv.Inc()
					case errors.Is(err, etcp.ErrTryAgain):
					default:
						coll.FramesDropped.Inc()
						dlog.Errorf(ctx, "rx(%s): %v", side.name, err)
					}
				}
				if sent, err := etcp.DoNetTx(ctx, connA, a, stA.TxTC, 0); err != nil && !errors.Is(err, etcp.ErrTryAgain) {
					dlog.Errorf(ctx, "tx(a): %v", err)
				} else {
					coll.FramesSent.Add(float64(sent))
				}
				if connB == nil {
					connB, _ = stB.Accept(2, dstPort)
				}
				if connB != nil {
					if acks, err := etcp.GenerateAcks(ctx, connB, stB.RxTC); err != nil && !errors.Is(err, etcp.ErrTryAgain) {
						dlog.Errorf(ctx, "ack(b): %v", err)
					} else {
						coll.AcksSent.Add(float64(acks))
					}
					if acks, err := etcp.GenerateStaleAcks(ctx, connB); err != nil && !errors.Is(err, etcp.ErrTryAgain) {
						dlog.Errorf(ctx, "stale-ack(b): %v", err)
					} else {
						coll.AcksSent.Add(float64(acks))
					}
					if sent, err := etcp.DoNetTx(ctx, connB, b, stB.TxTC, 0); err != nil && !errors.Is(err, etcp.ErrTryAgain) {
						dlog.Errorf(ctx, "tx(b): %v", err)
					} else {
						coll.FramesSent.Add(float64(sent))
					}
					recvBuf := make([]byte, etcp.MaxFrame)
					for {
						n, _, ok := etcp.UserRx(connB, recvBuf)
						if !ok {
							break
						}
						fmt.Println(string(recvBuf[:n]))
					}
					coll.Observe(connB)
				}
				coll.Observe(connA)
				mu.Unlock()
			}
		}
	})

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		for len(line) > 0 {
			mu.Lock()
			n, err := etcp.UserTx(connA, false, line)
			mu.Unlock()
			line = line[n:]
			if err != nil {
				if errors.Is(err, etcp.ErrTryAgain) {
					time.Sleep(pumpEvery)
					continue
				}
				return errors.Wrap(err, "send")
			}
		}
	}
	return g.Wait()
}

func runLive(ctx context.Context, iface string, srcPort, dstPort uint32, pumpEvery time.Duration, metricsAddr string) error {
	if iface == "" {
		return errors.New("--iface is required (or pass --demo)")
	}
	h, err := pcaplink.Open(pcaplink.DefaultOptions(iface))
	if err != nil {
		return errors.Wrap(err, "open link")
	}
	defer h.Close()

	st := etcp.NewState(h, tc.WindowTxTC{MaxInFlight: 64}, tc.BackoffRxTC{BaseBudget: 16})
	opts := etcp.ConnOptions{RxSlotsLog2: 8, TxSlotsLog2: 8}
	st.Listen(0, dstPort, opts)

	dlog.Infof(ctx, "etcpcat listening on %s, port %d", iface, dstPort)

	coll := metrics.NewCollector()
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	serveMetrics(ctx, g, metricsAddr, coll)

	g.Go("pump", func(ctx context.Context) error {
		scratch := etcp.NewPBuff()
		rxBuf := make([]byte, etcp.MaxFrame)
		recvBuf := make([]byte, etcp.MaxFrame)
		ticker := time.NewTicker(pumpEvery)
		defer ticker.Stop()
		var conn *etcp.Connection
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				switch err := st.DoNetRx(ctx, scratch, rxBuf); {
				case err == nil:
					coll.FramesRecv.Inc()
				case errors.Is(err, etcp.ErrTryAgain):
				default:
					coll.FramesDropped.Inc()
					dlog.Errorf(ctx, "rx: %v", err)
				}
				if conn == nil {
					conn, _ = st.Accept(0, dstPort)
				}
				if conn == nil {
					continue
				}
				if acks, err := etcp.GenerateAcks(ctx, conn, st.RxTC); err != nil && !errors.Is(err, etcp.ErrTryAgain) {
					dlog.Errorf(ctx, "ack: %v", err)
				} else {
					coll.AcksSent.Add(float64(acks))
				}
				if acks, err := etcp.GenerateStaleAcks(ctx, conn); err != nil && !errors.Is(err, etcp.ErrTryAgain) {
					dlog.Errorf(ctx, "stale-ack: %v", err)
				} else {
					coll.AcksSent.Add(float64(acks))
				}
				if sent, err := etcp.DoNetTx(ctx, conn, h, st.TxTC, 0); err != nil && !errors.Is(err, etcp.ErrTryAgain) {
					dlog.Errorf(ctx, "tx: %v", err)
				} else {
					coll.FramesSent.Add(float64(sent))
				}
				for {
					n, _, ok := etcp.UserRx(conn, recvBuf)
					if !ok {
						break
					}
					fmt.Println(string(recvBuf[:n]))
				}
				coll.Observe(conn)
			}
		}
	})
	return g.Wait()
}
