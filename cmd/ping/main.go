package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mbus/core/cmd/base"
	"mbus/core/lib/bus"
	_ "mbus/core/lib/dialer"
)

func main() {
	argConfig := flag.String("config", "", "path to a TOML config file")
	argAddress := flag.String("address", "", "bus address, overrides config and environment")
	argCount := flag.Int("count", 4, "number of pings to send")
	flag.Parse()
	dest := bus.BusName
	if flag.NArg() == 1 {
		dest = flag.Args()[0]
	}

	cfg, err := base.LoadConfig(*argConfig)
	if err != nil {
		logrus.Fatalln(err)
	}
	if err := base.SetupLogging(cfg.LogLevel); err != nil {
		logrus.Fatalln("invalid log level:", err)
	}
	address := base.BusAddress(*argAddress)
	if cfg.Address != "" && *argAddress == "" {
		address = cfg.Address
	}

	ctx := context.Background()
	conn, err := bus.Dial(ctx, address)
	if err != nil {
		logrus.Fatalln("failed to connect:", err)
	}
	defer conn.Close()
	if _, err := conn.Hello(ctx); err != nil {
		logrus.Fatalln("failed to attach to the bus:", err)
	}

	for i := 0; i < *argCount; i++ {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		err := conn.MethodCall(callCtx, dest, "/", "org.freedesktop.DBus.Peer", "Ping", nil)
		cancel()
		if err != nil {
			logrus.Fatalf("ping %d to %s failed: %v", i+1, dest, err)
		}
		fmt.Printf("reply from %s: seq=%d time=%v\n", dest, i+1, time.Since(start))
	}
}
