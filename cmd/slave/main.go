package main

import (
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"varys"
	"varys/slave"
)

// envPort overrides a port flag with an environment variable, when set.
func envPort(name string, fallback uint16) uint16 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	p, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		log.Fatalf("%s: invalid port %q", name, v)
	}
	return uint16(p)
}

func main() {
	masterURL := flag.String("master", "", "master URL (varys://host:port)")
	host := flag.String("host", "", "host this slave is reachable under")
	id := flag.String("id", "", "slave id (generated when empty)")
	port := flag.Int("port", varys.DefaultSlavePort, "control port")
	commPort := flag.Int("comm-port", 0, "data port (ephemeral when 0)")
	webUIPort := flag.Int("webui-port", varys.DefaultSlaveWebUIPort, "web UI port")
	workDir := flag.String("work-dir", "", "work directory")
	flag.Parse()

	if *masterURL == "" {
		log.Fatalln("missing mandatory -master argument")
	}
	if *host == "" {
		h, err := os.Hostname()
		if err != nil {
			log.Fatalf("cannot determine hostname: %v", err)
		}
		*host = h
	}

	cfg := slave.Config{
		SlaveID:    varys.SlaveID(*id),
		MasterURL:  *masterURL,
		Host:       *host,
		Port:       envPort("VARYS_SLAVE_PORT", uint16(*port)),
		CommPort:   uint16(*commPort),
		WebUIPort:  envPort("VARYS_SLAVE_WEBUI_PORT", uint16(*webUIPort)),
		WorkDir:    *workDir,
		PublicHost: os.Getenv("VARYS_PUBLIC_DNS"),
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.Getenv("VARYS_SLAVE_DIR")
	}

	s, err := slave.NewAndServe(cfg)
	if err != nil {
		log.Fatalf("cannot start slave: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		s.Shutdown()
	case <-s.Done():
		log.Fatalln("slave terminated: master connection lost")
	}
}
