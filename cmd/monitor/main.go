package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"mbus/core/cmd/base"
	"mbus/core/lib/bus"
	_ "mbus/core/lib/dialer"
)

func main() {
	argConfig := flag.String("config", "", "path to a TOML config file")
	argAddress := flag.String("address", "", "bus address, overrides config and environment")
	argInterface := flag.String("interface", "", "only print signals of this interface")
	flag.Parse()

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
	conn, err := bus.Dial(ctx, address, bus.WithOnDisconnect(func(err error) {
		logrus.WithError(err).Error("connection failed")
		os.Exit(1)
	}))
	if err != nil {
		logrus.Fatalln("failed to connect:", err)
	}
	defer conn.Close()

	name, err := conn.Hello(ctx)
	if err != nil {
		logrus.Fatalln("failed to attach to the bus:", err)
	}
	logrus.Infoln("connected as", name)

	rule := bus.MatchRule{Type: bus.TypeSignal, Interface: *argInterface}
	if err := conn.AddMatch(ctx, rule); err != nil {
		logrus.Fatalln("failed to install match rule:", err)
	}
	_, err = conn.AddSignalReceiver(rule, func(m *bus.Message) {
		fmt.Printf("%s %s.%s from %s%v\n", m.Path, m.Interface, m.Member, m.Sender, m.Body)
	})
	if err != nil {
		logrus.Fatalln("failed to register receiver:", err)
	}

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	select {
	case <-interrupted:
	case err := <-conn.Watch():
		logrus.WithError(err).Error("connection failed")
		os.Exit(1)
	}
}
