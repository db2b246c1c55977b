// Command relay runs the SIP/RTP voice-AI relay: it binds a SIP UDP
// listener, a Control Channel WebSocket endpoint, and a Prometheus
// metrics endpoint, then supervises calls until signaled to stop.
// Grounded on the teacher's pkg/sip/stack/stack.go config/Start
// pattern and DMRHub's internal/metrics/server.go promhttp wiring.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coredial/voicerelay/pkg/control"
	"github.com/coredial/voicerelay/pkg/metrics"
	"github.com/coredial/voicerelay/pkg/supervisor"
)

func main() {
	var (
		sipAddr      = flag.String("sip-addr", "0.0.0.0:5060", "SIP UDP listen address")
		controlAddr  = flag.String("control-addr", "0.0.0.0:8080", "Control Channel HTTP listen address")
		metricsAddr  = flag.String("metrics-addr", "0.0.0.0:9090", "Prometheus metrics listen address")
		rtpPortStart = flag.Int("rtp-port-start", 30000, "first port in the RTP/RTCP allocation range")
		rtpPortEnd   = flag.Int("rtp-port-end", 40000, "end (exclusive) of the RTP/RTCP allocation range")
		publicHost   = flag.String("public-rtp-host", "", "IP advertised in outbound SDP (defaults to the SIP listen IP)")
		proxyTarget  = flag.String("proxy-target", "", "host:port of the SIP proxy/PBX for outbound CALL: commands")
		recordingDir = flag.String("recording-dir", "./recordings", "directory WAV recordings are written to on BYE")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	sip, err := net.ResolveUDPAddr("udp", *sipAddr)
	if err != nil {
		logger.Error("invalid -sip-addr", "error", err)
		os.Exit(1)
	}
	var proxy *net.UDPAddr
	if *proxyTarget != "" {
		proxy, err = net.ResolveUDPAddr("udp", *proxyTarget)
		if err != nil {
			logger.Error("invalid -proxy-target", "error", err)
			os.Exit(1)
		}
	}

	registry := prometheus.NewRegistry()
	rtpMetrics := metrics.NewRTPMetrics(registry, metrics.Config{})
	dialogMetrics := metrics.NewDialogMetrics(registry, metrics.Config{})

	if err := os.MkdirAll(*recordingDir, 0o755); err != nil {
		logger.Error("cannot create recording directory", "error", err)
		os.Exit(1)
	}

	controlChannel := control.New(control.Options{Logger: logger})

	sv, err := supervisor.New(supervisor.Options{
		SIPAddr:       sip,
		RTPPortStart:  *rtpPortStart,
		RTPPortEnd:    *rtpPortEnd,
		PublicRTPHost: *publicHost,
		ProxyTarget:   proxy,
		Control:       controlChannel,
		DialogMetrics: dialogMetrics,
		RTPMetrics:    rtpMetrics,
		OnCallEnded: func(callID string, wav []byte) {
			shortID := callID
			if len(shortID) > 8 {
				shortID = shortID[:8]
			}
			name := fmt.Sprintf("%s_%s.wav", time.Now().Format("20060102_150405"), shortID)
			path := filepath.Join(*recordingDir, name)
			if err := os.WriteFile(path, wav, 0o644); err != nil {
				logger.Warn("failed to write call recording", "call_id", callID, "error", err)
			}
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}
	sv.Run()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	controlMux := http.NewServeMux()
	controlMux.Handle("/control", controlChannel)

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 3 * time.Second}
	controlServer := &http.Server{Addr: *controlAddr, Handler: controlMux, ReadHeaderTimeout: 3 * time.Second}

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control server failed", "error", err)
		}
	}()

	logger.Info("voicerelay started", "sip_addr", sip.String(), "control_addr", *controlAddr, "metrics_addr", *metricsAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = controlServer.Shutdown(shutdownCtx)
	sv.Close()
	logger.Info("voicerelay stopped")
}
