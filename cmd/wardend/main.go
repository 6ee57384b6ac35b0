// Command wardend is the cluster node daemon: it loads zones.yaml,
// brings up the scheduler, the mTLS JSON-RPC transport, the relay
// queue, the replay log and the object authority election, and serves
// a minimal admin HTTP surface (health, metrics, the operational
// dashboard's push feed) — never the excluded REST config API.
// Wiring shape is grounded on the teacher's cmd/dplaned/main.go:
// flag parsing, sqlite WAL bring-up, background goroutines started
// and deferred in sequence, then an HTTP server with signal-driven
// graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"wardend/internal/audit"
	"wardend/internal/cluster"
	"wardend/internal/config"
	"wardend/internal/metrics"
	"wardend/internal/model"
	"wardend/internal/notify"
	"wardend/internal/relay"
	"wardend/internal/replay"
	"wardend/internal/rpc"
	"wardend/internal/schedule"
	"wardend/internal/security"
	"wardend/internal/store"
	"wardend/internal/timer"
	"wardend/internal/transport"
	"wardend/internal/wlog"
	"wardend/internal/ws"
)

const version = "1.0.0"

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "wardend:", err)
		os.Exit(2)
	}

	log, err := wlog.New(wlog.Config{Development: flags.Development})
	if err != nil {
		fmt.Fprintln(os.Stderr, "wardend: building logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(flags, log); err != nil {
		log.Fatal("wardend exiting", zap.Error(err))
	}
}

func run(flags *config.Flags, log *zap.Logger) error {
	log.Info("wardend starting", zap.String("version", version), zap.String("listen", flags.ListenAddr))

	file, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", flags.ConfigPath, err)
	}

	if err := os.MkdirAll(flags.DataDir, 0700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	auditLog, err := audit.Open(filepath.Join(flags.DataDir, "audit.db"), filepath.Join(flags.DataDir, "audit.key"), log)
	if err != nil {
		return fmt.Errorf("opening audit trail: %w", err)
	}
	defer auditLog.Close()

	st, err := store.Open(filepath.Join(flags.DataDir, "state.db"), log)
	if err != nil {
		logConfigRejected(auditLog, err)
		return fmt.Errorf("opening local state store: %w", err)
	}
	defer st.Close()

	metricsReg := metrics.New()

	localName := flags.LocalNodeID
	if localName == "" {
		localName = file.LocalEndpoint
	}

	ca := security.NewCertAuthority(nil, flags.CertDir, auditLog)
	identity, err := bootstrapIdentity(ca, flags.CertDir, localName)
	if err != nil {
		logConfigRejected(auditLog, err)
		return fmt.Errorf("bootstrapping TLS identity: %w", err)
	}

	registry, err := file.BuildRegistry()
	if err != nil {
		logConfigRejected(auditLog, err)
		return fmt.Errorf("building cluster registry: %w", err)
	}
	periods, err := file.BuildTimePeriods()
	if err != nil {
		logConfigRejected(auditLog, err)
		return fmt.Errorf("building time periods: %w", err)
	}
	hosts, services, err := file.BuildCheckables(periods)
	if err != nil {
		logConfigRejected(auditLog, err)
		return fmt.Errorf("building checkables: %w", err)
	}
	notifications, err := file.BuildNotifications(periods)
	if err != nil {
		logConfigRejected(auditLog, err)
		return fmt.Errorf("building notifications: %w", err)
	}
	notificationsByObject := make(map[string]*model.Notification, len(notifications))
	for _, nc := range file.Notifications {
		if n, ok := notifications[nc.Name]; ok {
			notificationsByObject[nc.Applies] = n
		}
	}
	userDir := file.BuildUserDirectory()

	checkables := checkableTable(hosts, services)
	_, depChecker, err := file.BuildDependencies(hosts, services, periods)
	if err != nil {
		logConfigRejected(auditLog, err)
		return fmt.Errorf("building dependencies: %w", err)
	}

	restoreComments(checkables, st, log)
	restoreDowntimes(checkables, st, log)

	hub := ws.NewHub(log.Named("ws"))
	go hub.Run()
	defer hub.Stop()

	notifier := notify.NewDispatcher(log.Named("notify"), userDir, 4)
	defer notifier.Stop()

	retention := 7 * 24 * time.Hour
	if file.Retention != 0 {
		retention = time.Duration(file.Retention)
	}
	replayLog, err := replay.Open(filepath.Join(flags.DataDir, "replay"), retention, log.Named("replay"))
	if err != nil {
		return fmt.Errorf("opening replay log: %w", err)
	}
	defer replayLog.Close()

	rpcRegistry := rpc.NewRegistry()
	rpcManager := rpc.NewManager(8, rpcRegistry, registry, log.Named("rpc"))
	defer rpcManager.Stop()

	rel := relay.New(log.Named("relay"), registry, &endpointSender{registry: registry, metrics: metricsReg}, replayLog, 4)

	sink := &daemonSink{
		log:           log.Named("sink"),
		registry:      registry,
		relay:         rel,
		notifier:      notifier,
		hub:           hub,
		metrics:       metricsReg,
		notifications: notificationsByObject,
	}

	flagsRuntime := schedule.NewFlags()
	sched := schedule.New(log.Named("schedule"), flagsRuntime, depChecker, sink, schedule.Config{})

	localZone, hasLocalZone := registry.LocalZone()
	var elector *cluster.Elector
	if hasLocalZone {
		elector = cluster.NewElector(log.Named("authority"), registry, localZone)
		elector.SetStore(st)
		elector.Start()
		defer elector.Stop()
	}

	for _, h := range hosts {
		sched.Add(h)
		if elector != nil {
			elector.Register(h)
		}
	}
	for _, s := range services {
		sched.Add(s)
		if elector != nil {
			elector.Register(s)
		}
	}
	log.Info("loaded checkables", zap.Int("hosts", len(hosts)), zap.Int("services", len(services)))

	registerRPCHandlers(rpcRegistry, rpcDeps{
		ca:            ca,
		replayLog:     replayLog,
		registry:      registry,
		checkables:    checkables,
		sched:         sched,
		store:         st,
		rel:           rel,
		notifier:      notifier,
		notifications: notificationsByObject,
		metrics:       metricsReg,
		log:           log.Named("rpc"),
	})

	listener, err := transport.Listen(flags.ListenAddr, identity, true, log.Named("transport"))
	if err != nil {
		return fmt.Errorf("binding %s: %w", flags.ListenAddr, err)
	}
	defer listener.Close()

	var connCounter int64
	go acceptLoop(listener, rpcManager, registry, replayLog, st, checkables, metricsReg, log.Named("transport"), &connCounter)

	go sched.Run()
	defer sched.Stop()

	wheel := timer.New(log.Named("timer"))
	go wheel.Run()
	defer wheel.Stop()
	scheduleRemoteTimeoutSweep(wheel, sched)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthHandler(registry))
	router.Handle("/metrics", metricsReg.Handler())
	router.HandleFunc("/ws/dashboard", hub.ServeHTTP)

	srv := &http.Server{
		Addr:         adminAddr(flags.ListenAddr),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("admin http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin http server failed", zap.Error(err))
		}
	}()

	_ = auditLog.Log(audit.Event{Action: "daemon_start", Resource: localName, Success: true})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	_ = auditLog.Log(audit.Event{Action: "daemon_stop", Resource: localName, Success: true})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("admin http server shutdown error", zap.Error(err))
	}
	return nil
}

// adminAddr derives the admin HTTP listen address from the cluster
// listen address: same host, port+1, so the two can be configured with
// a single flag in the common case.
func adminAddr(clusterAddr string) string {
	host, portStr, err := splitHostPortSafe(clusterAddr)
	if err != nil {
		return "0.0.0.0:5666"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "0.0.0.0:5666"
	}
	return fmt.Sprintf("%s:%d", host, port+1)
}

func splitHostPortSafe(addr string) (host, port string, err error) {
	return net.SplitHostPort(addr)
}

func healthHandler(registry *model.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := registry.LocalZone(); !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "local zone not configured")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}
}

// bootstrapIdentity loads this node's TLS identity from certDir,
// generating a key/CSR and self-signing it through ca when the signing
// authority key is colocated (single-node / dev deployments). A
// multi-node deployment instead expects the cert material to already
// be present, having been issued via the pki::RequestCertificate
// bootstrap RPC against the cluster's signing authority node.
func bootstrapIdentity(ca *security.CertAuthority, certDir, commonName string) (*transport.Identity, error) {
	certPath := filepath.Join(certDir, commonName+".crt")
	keyPath := filepath.Join(certDir, commonName+".key")
	caPath := filepath.Join(certDir, "ca.crt")

	if _, err := os.Stat(certPath); err == nil {
		return transport.LoadIdentity(certPath, keyPath, caPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ca.EnsureCA(ctx, "wardend-cluster-ca", 0); err != nil {
		return nil, err
	}
	keyPEM, csrPEM, err := security.GenerateNodeKeyAndCSR(ctx, nil, certDir, commonName)
	if err != nil {
		return nil, err
	}
	certPEM, err := ca.SignCSR(ctx, commonName, csrPEM, 0)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		return nil, err
	}
	_ = keyPEM // already written to keyPath by GenerateNodeKeyAndCSR

	return transport.LoadIdentity(certPath, keyPath, caPath)
}

func logConfigRejected(auditLog *audit.Logger, cause error) {
	_ = auditLog.Log(audit.Event{Action: "config_rejected", Details: cause.Error(), Success: false})
}

// acceptLoop wraps every accepted stream in an rpc.Conn and hands it
// to the manager; the connection id is a monotonic counter rather than
// the remote address, since NAT'd peers can share one. Once a peer's
// endpoint is resolved, it immediately gets a replay catch-up scan for
// whatever it missed while disconnected (spec.md §4.I).
func acceptLoop(ln *transport.Listener, mgr *rpc.Manager, registry *model.Registry, replayLog *replay.Log, st *store.Store, checkables map[string]*model.Checkable, m *metrics.Metrics, log *zap.Logger, counter *int64) {
	for {
		stream, err := ln.Accept()
		if err != nil {
			log.Warn("transport listener stopped accepting", zap.Error(err))
			return
		}
		id := fmt.Sprintf("conn-%d", atomic.AddInt64(counter, 1))
		conn := rpc.NewConn(id, stream, log)
		m.RPCConnections.Inc()

		peerCN := stream.PeerCN()
		var endpoint *model.Endpoint
		if peerCN != "" {
			conn.SetPeerName(peerCN)
			if ep, ok := registry.Endpoint(peerCN); ok {
				ep.AddClient(conn)
				endpoint = ep
				triggerReplayCatchup(replayLog, st, registry, checkables, ep, conn, log)
			}
		}
		go func() {
			defer m.RPCConnections.Dec()
			mgr.Serve(conn, endpoint)
		}()
	}
}

// checkableTable indexes every host/service by its FullName, used by
// the RPC handlers and replay catch-up to resolve a wire-level object
// reference to its live model.Checkable.
func checkableTable(hosts []*model.Host, services []*model.Service) map[string]*model.Checkable {
	out := make(map[string]*model.Checkable, len(hosts)+len(services))
	for _, h := range hosts {
		out[h.FullName()] = h.Checkable
	}
	for _, s := range services {
		out[s.FullName()] = s.Checkable
	}
	return out
}

// restoreComments/restoreDowntimes re-attach auxiliary records
// persisted in st to their owning checkable at startup, so a restart
// doesn't silently drop an acknowledgement-in-progress comment or an
// in-window downtime (spec.md §3/§4.I).
func restoreComments(checkables map[string]*model.Checkable, st *store.Store, log *zap.Logger) {
	rows, err := st.Comments()
	if err != nil {
		log.Warn("loading persisted comments failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		c, ok := checkables[row.Object]
		if !ok {
			continue
		}
		c.AddComment(&model.Comment{
			LegacyID: row.LegacyID, Name: row.Name, Author: row.Author,
			Text: row.Text, Entry: row.Entry, Expires: row.Expires,
		})
	}
}

func restoreDowntimes(checkables map[string]*model.Checkable, st *store.Store, log *zap.Logger) {
	rows, err := st.Downtimes()
	if err != nil {
		log.Warn("loading persisted downtimes failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		c, ok := checkables[row.Object]
		if !ok {
			continue
		}
		c.AddDowntime(&model.Downtime{
			LegacyID: row.LegacyID, Name: row.Name, Author: row.Author, Comment: row.Comment,
			Start: row.Start, End: row.End, Duration: row.Duration,
			Fixed: row.Fixed, TriggeredBy: row.TriggeredBy,
		})
	}
}

// scheduleRemoteTimeoutSweep drives sched.SweepRemoteTimeouts from the
// timer wheel, self-rescheduling every 15s the way the scheduler's own
// doc comment invites ("callers should invoke this periodically, e.g.
// from the timer wheel").
func scheduleRemoteTimeoutSweep(wheel *timer.Wheel, sched *schedule.Scheduler) {
	var tick func()
	tick = func() {
		sched.SweepRemoteTimeouts()
		wheel.Schedule(time.Now().Add(15*time.Second), tick)
	}
	wheel.Schedule(time.Now().Add(15*time.Second), tick)
}
