package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"varys"
	"varys/master"
)

func main() {
	host := flag.String("host", "0.0.0.0", "listen host")
	port := flag.Int("port", varys.DefaultMasterPort, "listen port")
	webUIPort := flag.Int("webui-port", 16010, "web UI port")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	addr := varys.ServerAddress(fmt.Sprintf("%s:%d", *host, *port))
	m, err := master.NewAndServe(addr, uint16(*webUIPort), nil)
	if err != nil {
		log.Fatalf("cannot start master: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	m.Shutdown()
}
