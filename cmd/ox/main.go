// Command ox runs the Open-Channel controller over the RAM media manager,
// serves its Prometheus metrics over HTTP, and optionally exercises the
// namespace with a write/read loop.
package main

import (
	"bytes"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/openchannelio/oxnvm"
	"github.com/openchannelio/oxnvm/internal/config"
)

var (
	flagConfig = kingpin.Flag("config", "YAML configuration file.").
			Short('c').String()
	flagListen = kingpin.Flag("listen", "Metrics HTTP listen address.").
			String()
	flagExercise = kingpin.Flag("exercise",
		"Write and read back this many sectors, then keep running.").
		Default("0").Int()
)

func main() {
	kingpin.Version("oxnvm 1.0")
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("ox: %v", err)
	}
	if *flagListen != "" {
		cfg.Listen = *flagListen
	}

	ctrl, err := oxnvm.Open(cfg)
	if err != nil {
		log.Fatalf("ox: controller start: %v", err)
	}
	log.Printf("ox: controller started, serial %s, %d sectors of %d bytes",
		ctrl.Serial(), ctrl.NamespaceSectors(), ctrl.SectorSize())

	reg := prometheus.NewRegistry()
	reg.MustRegister(ctrl.Exporter())
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(cfg.Listen, nil); err != nil {
			log.Printf("ox: metrics server: %v", err)
		}
	}()
	log.Printf("ox: metrics on %s/metrics", cfg.Listen)

	if *flagExercise > 0 {
		exercise(ctrl, *flagExercise)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("ox: shutting down")
	ctrl.Close()
}

// exercise writes a recognizable pattern over n sectors and verifies the
// read-back.
func exercise(ctrl *oxnvm.Controller, n int) {
	secSz := ctrl.SectorSize()
	if uint64(n) > ctrl.NamespaceSectors() {
		n = int(ctrl.NamespaceSectors())
	}

	bad := 0
	for lba := 0; lba < n; lba++ {
		data := bytes.Repeat([]byte{byte(lba)}, secSz)
		if err := ctrl.Write(uint64(lba), data); err != nil {
			log.Printf("ox: write lba %d: %v", lba, err)
			bad++
			continue
		}
	}
	for lba := 0; lba < n; lba++ {
		want := bytes.Repeat([]byte{byte(lba)}, secSz)
		got, err := ctrl.Read(uint64(lba), 1)
		if err != nil {
			log.Printf("ox: read lba %d: %v", lba, err)
			bad++
			continue
		}
		if !bytes.Equal(got, want) {
			log.Printf("ox: data mismatch at lba %d", lba)
			bad++
		}
	}
	log.Printf("ox: exercise done: %d sectors, %d failures", n, bad)
}
