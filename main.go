package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/afero"

	"github.com/mqy/minichat/blob"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/relay"
	"github.com/mqy/minichat/server"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

var conf config

func main() {
	loadDotEnv()
	registerFlags(flag.CommandLine, &conf)
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := conf.validate(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(conf.pidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(conf.pidFile)
	}()

	msgLog, err := openMessageLog(conf.store, conf.dataDir)
	if err != nil {
		return errorf("message log: %v", err)
	}

	ms := store.NewMessageStore(msgLog, conf.historyLimit)
	glog.Infof("message store: loaded %d messages", len(ms.Load()))

	var rl *relay.Relay
	var publisher ws.Publisher
	if brokers := splitList(conf.kafkaBrokers); len(brokers) > 0 {
		rl = relay.New(relay.NewKafkaWriter(brokers, conf.kafkaTopic), 0, 0)
		publisher = rl
		glog.Infof("relay: enabled, brokers: %v, topic: %s", brokers, conf.kafkaTopic)
	}

	origins := splitList(conf.allowedOrigins)
	hub := ws.NewHub(ms, presence.NewRegistry(), publisher, &ws.HubConf{
		SendBuffer:     conf.sendBuffer,
		AllowedOrigins: origins,
	})

	osFs := afero.NewOsFs()
	srv := server.New(&server.Config{
		Addr:           conf.addr,
		StaticFs:       osFs,
		StaticDir:      conf.staticDir,
		AllowedOrigins: origins,
		EnableMetrics:  !conf.disableMetrics,
		Hub:            hub,
		Store:          ms,
		Blobs:          blob.NewHandler(blob.NewStore(osFs, conf.uploadsDir, conf.maxUploadBytes)),
		Relay:          rl,
	})

	lis, err := srv.Listen()
	if err != nil {
		_ = msgLog.Close()
		return errorf("%v", err)
	}

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx, lis, stopNotifyChan)

	glog.Infof("minichat server is starting")
	glog.Infof("`CTRL+c` or `kill %d` to graceful stop", pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigCh {
		if stopping {
			glog.Infof("minichat server is already in stop")
			continue
		}
		stopping = true
		glog.Infof("received signal `%s` stopping", sig.String())
		go func() {
			cancel()
			<-stopNotifyChan
			close(stopNotifyChan)
			signal.Stop(sigCh)
			close(sigCh)
		}()
	}

	glog.Info("minichat server exited")
	return 0
}

func openMessageLog(kind, dataDir string) (store.IMessageLog, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("error create data dir `%s`: %v", dataDir, err)
	}
	switch kind {
	case storeBolt:
		l, err := store.OpenBoltLog(filepath.Join(dataDir, "messages.db"))
		if err != nil {
			return nil, err
		}
		return l, nil
	case storeJson:
		return store.NewFileLog(afero.NewOsFs(), filepath.Join(dataDir, "messages.json")), nil
	}
	return nil, fmt.Errorf("unknown store `%s`", kind)
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if s := strings.TrimSpace(string(content)); s != "" {
			oldPid, err := strconv.Atoi(s)
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil && oldPid != pid {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
